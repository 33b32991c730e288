// Package gcapbun provides a Bun adapter for gcap
package gcapbun

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lemmego/gcap"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

// =====================================
// Adapter Implementation
// =====================================

// Adapter implements gcap.Adapter using Bun
type Adapter struct {
	db     *bun.DB
	config gcap.StoreConfig
}

// Factory implements gcap.AdapterFactory
type Factory struct{}

// Create creates a new Bun adapter instance
func (f *Factory) Create(config gcap.StoreConfig) (gcap.Adapter, error) {
	adapter := &Adapter{config: config}

	// Initialize database connection
	var sqlDB *sql.DB
	var err error
	inMemory := false

	switch strings.ToLower(config.Driver) {
	case "bun-postgres", "bun-pg":
		sqlDB = createPgDriverConnection(config)
	case "bun-pq":
		sqlDB, err = createPostgresConnection(config)
	case "bun-mysql":
		sqlDB, err = createMySQLConnection(config)
	case "bun-sqlite", "bun-sqlite3":
		dsn := sqliteDSN(config)
		inMemory = dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
		sqlDB, err = sql.Open("sqlite3", dsn)
	default:
		return nil, gcap.Error{
			Type:    gcap.ErrorTypeUnsupported,
			Message: fmt.Sprintf("unsupported driver: %s", config.Driver),
		}
	}

	if err != nil {
		return nil, gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "failed to connect to database",
			Cause:   err,
		}
	}

	// Configure connection pool
	switch {
	case config.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	case inMemory:
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	// Create Bun database instance
	var bunDB *bun.DB
	switch strings.ToLower(config.Driver) {
	case "bun-postgres", "bun-pg", "bun-pq":
		bunDB = bun.NewDB(sqlDB, pgdialect.New())
	case "bun-mysql":
		bunDB = bun.NewDB(sqlDB, mysqldialect.New())
	default:
		bunDB = bun.NewDB(sqlDB, sqlitedialect.New())
	}

	// Add query hook for logging if enabled
	if options, ok := config.Options["bun"]; ok {
		if bunOpts, ok := options.(map[string]interface{}); ok {
			if logLevel, ok := bunOpts["log_level"].(string); ok && logLevel != "silent" {
				bunDB.AddQueryHook(bundebug.NewQueryHook(
					bundebug.WithVerbose(logLevel == "debug"),
				))
			}
		}
	}

	adapter.db = bunDB
	return adapter, nil
}

// SupportedDrivers returns the list of supported database drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"bun-postgres", "bun-pg", "bun-pq", "bun-mysql", "bun-sqlite", "bun-sqlite3"}
}

// DB exposes the underlying Bun handle
func (a *Adapter) DB() *bun.DB {
	return a.db
}

// Begin starts a database transaction. The transaction outlives
// cancellation of ctx so that the runtime can always end it explicitly.
func (a *Adapter) Begin(ctx context.Context) (gcap.Tx, error) {
	tx, err := a.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, convertBunError(err)
	}
	return &Tx{tx: tx, dialect: a.db.Dialect().Name()}, nil
}

// Migrate creates a table for every entity that does not have one
func (a *Adapter) Migrate(ctx context.Context, entities []*gcap.EntityDef) error {
	name := a.db.Dialect().Name()
	for _, entity := range entities {
		ddl, args, err := createTableSQL(name, entity)
		if err != nil {
			return err
		}
		if _, err := a.db.ExecContext(ctx, ddl, args...); err != nil {
			return convertBunError(err)
		}
	}
	return nil
}

// Health checks the database connection health
func (a *Adapter) Health() error {
	return a.db.Ping()
}

// Close closes the database connection
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Info returns information about this adapter
func (a *Adapter) Info() gcap.AdapterInfo {
	return gcap.AdapterInfo{
		Name:    "bun",
		Driver:  dialectName(a.db.Dialect().Name()),
		Storage: gcap.StorageSQL,
		Features: []gcap.Feature{
			gcap.FeatureTransactions,
			gcap.FeatureMigration,
			gcap.FeaturePersistent,
		},
	}
}

// dialectName returns the database name of a Bun dialect
func dialectName(name dialect.Name) string {
	switch name {
	case dialect.PG:
		return "postgres"
	case dialect.MySQL:
		return "mysql"
	case dialect.SQLite:
		return "sqlite"
	}
	return "unknown"
}

// =====================================
// Transaction Implementation
// =====================================

// Tx implements gcap.Tx on a Bun transaction
type Tx struct {
	tx      bun.Tx
	dialect dialect.Name
	done    bool
}

func (t *Tx) check() error {
	if t.done {
		return gcap.NewError(gcap.ErrorTypeTransactionClosed, "transaction already ended")
	}
	return nil
}

// Insert inserts a new row
func (t *Tx) Insert(ctx context.Context, entity *gcap.EntityDef, rec gcap.Record) (gcap.Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if _, err := entity.KeyOf(rec); err != nil {
		return nil, err
	}

	row := make(map[string]interface{}, len(entity.Fields))
	stored := make(gcap.Record, len(entity.Fields))
	for _, f := range entity.Fields {
		v, ok := rec[f.Name]
		if !ok {
			continue
		}
		row[f.Name] = encodeValue(t.dialect, f.Type, v)
		stored[f.Name] = v
	}

	_, err := t.tx.NewInsert().
		Model(&row).
		TableExpr("?", bun.Ident(entity.Name)).
		Exec(ctx)
	if err != nil {
		err := convertBunError(err)
		if gcap.IsDuplicateKey(err) {
			key, _ := entity.KeyString(rec)
			return nil, gcap.NewErrorWithCause(gcap.ErrorTypeDuplicateKey, fmt.Sprintf("%s(%s) already exists", entity.Name, key), err)
		}
		return nil, err
	}
	return stored, nil
}

// Read selects the rows matching q
func (t *Tx) Read(ctx context.Context, entity *gcap.EntityDef, q gcap.Query) ([]gcap.Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	query, err := t.buildSelectQuery(entity, q)
	if err != nil {
		return nil, err
	}

	var rows []map[string]interface{}
	if err := query.Scan(ctx, &rows); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, convertBunError(err)
	}

	out := make([]gcap.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := gcap.DecodeRecord(entity, row)
		if err != nil {
			return nil, err
		}
		for _, f := range entity.Fields {
			if _, ok := rec[f.Name]; !ok {
				rec[f.Name] = nil
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update updates the row with the given key
func (t *Tx) Update(ctx context.Context, entity *gcap.EntityDef, key gcap.Key, patch gcap.Record) error {
	if err := t.check(); err != nil {
		return err
	}
	where, err := t.keyPredicate(entity, key)
	if err != nil {
		return err
	}

	updates := make(map[string]interface{}, len(patch))
	for name, v := range patch {
		f := entity.Field(name)
		if f == nil || entity.IsKey(name) {
			continue
		}
		updates[name] = encodeValue(t.dialect, f.Type, v)
	}
	if len(updates) == 0 {
		return t.requireRow(ctx, entity, where, key)
	}

	res, err := t.tx.NewUpdate().
		Model(&updates).
		TableExpr("?", bun.Ident(entity.Name)).
		Where(where.sql, where.args...).
		Exec(ctx)
	if err != nil {
		return convertBunError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// some databases only count rows whose values changed
		return t.requireRow(ctx, entity, where, key)
	}
	return nil
}

// Delete deletes the row with the given key
func (t *Tx) Delete(ctx context.Context, entity *gcap.EntityDef, key gcap.Key) error {
	if err := t.check(); err != nil {
		return err
	}
	where, err := t.keyPredicate(entity, key)
	if err != nil {
		return err
	}

	args := append([]interface{}{bun.Ident(entity.Name)}, where.args...)
	res, err := t.tx.ExecContext(ctx, "DELETE FROM ? WHERE "+where.sql, args...)
	if err != nil {
		return convertBunError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return convertBunError(err)
	}
	if n == 0 {
		return gcap.Error{
			Type:    gcap.ErrorTypeNotFound,
			Message: fmt.Sprintf("%s(%s) not found", entity.Name, key.Encode(entity.Keys)),
		}
	}
	return nil
}

func (t *Tx) requireRow(ctx context.Context, entity *gcap.EntityDef, where predicate, key gcap.Key) error {
	count, err := t.tx.NewSelect().
		TableExpr("?", bun.Ident(entity.Name)).
		Where(where.sql, where.args...).
		Count(ctx)
	if err != nil {
		return convertBunError(err)
	}
	if count == 0 {
		return gcap.Error{
			Type:    gcap.ErrorTypeNotFound,
			Message: fmt.Sprintf("%s(%s) not found", entity.Name, key.Encode(entity.Keys)),
		}
	}
	return nil
}

// Commit commits the transaction
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return gcap.Error{
			Type:    gcap.ErrorTypeCommitFailed,
			Message: "commit failed",
			Cause:   err,
		}
	}
	return nil
}

// Rollback rolls back the transaction
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	return convertBunError(t.tx.Rollback())
}

// =====================================
// Error Conversion
// =====================================

// convertBunError converts Bun and driver errors to gcap errors
func convertBunError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr pgdriver.Error
	var pqErr *pq.Error
	var myErr *mysql.MySQLError
	var liteErr sqlite3.Error

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return gcap.Error{
			Type:    gcap.ErrorTypeNotFound,
			Message: "record not found",
			Cause:   err,
		}
	case errors.Is(err, sql.ErrTxDone):
		return gcap.Error{
			Type:    gcap.ErrorTypeTransactionClosed,
			Message: "transaction already ended",
			Cause:   err,
		}
	case errors.As(err, &pgErr) && pgErr.Field('C') == "23505",
		errors.As(err, &pqErr) && pqErr.Code == "23505",
		errors.As(err, &myErr) && myErr.Number == 1062,
		errors.As(err, &liteErr) && (liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique):
		return gcap.Error{
			Type:    gcap.ErrorTypeDuplicateKey,
			Message: "duplicate key violation",
			Cause:   err,
		}
	}

	// Fall back to message matching for wrapped driver errors
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "duplicate") || strings.Contains(errStr, "unique"):
		return gcap.Error{
			Type:    gcap.ErrorTypeDuplicateKey,
			Message: "duplicate key violation",
			Cause:   err,
		}
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout"):
		return gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "connection error",
			Cause:   err,
		}
	}

	return gcap.Error{
		Type:    gcap.ErrorTypeInternal,
		Message: "database operation failed",
		Cause:   err,
	}
}

// =====================================
// Connection Helpers
// =====================================

// createPgDriverConnection opens PostgreSQL through Bun's own driver
func createPgDriverConnection(config gcap.StoreConfig) *sql.DB {
	return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(buildPostgresDSN(config))))
}

// createPostgresConnection opens PostgreSQL through lib/pq
func createPostgresConnection(config gcap.StoreConfig) (*sql.DB, error) {
	return sql.Open("postgres", buildPostgresDSN(config))
}

// createMySQLConnection creates a MySQL connection
func createMySQLConnection(config gcap.StoreConfig) (*sql.DB, error) {
	if config.ConnectionURL != "" {
		return sql.Open("mysql", config.ConnectionURL)
	}

	mysqlConfig := mysql.NewConfig()
	mysqlConfig.User = config.Username
	mysqlConfig.Passwd = config.Password
	mysqlConfig.Net = "tcp"
	mysqlConfig.Addr = fmt.Sprintf("%s:%d", config.Host, config.Port)
	mysqlConfig.DBName = config.Database
	mysqlConfig.ParseTime = true
	if config.SSL.Enabled {
		mysqlConfig.TLSConfig = config.SSL.Mode
	}

	return sql.Open("mysql", mysqlConfig.FormatDSN())
}

// buildPostgresDSN builds a PostgreSQL URL
func buildPostgresDSN(config gcap.StoreConfig) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		config.Username, config.Password, config.Host, config.Port, config.Database)

	if config.SSL.Enabled {
		dsn = strings.Replace(dsn, "sslmode=disable", "sslmode="+config.SSL.Mode, 1)
	}

	return dsn
}

func sqliteDSN(config gcap.StoreConfig) string {
	if config.Database != "" {
		return config.Database
	}
	return config.ConnectionURL
}

// =====================================
// Registration
// =====================================

// init registers the Bun adapter factory
func init() {
	gcap.RegisterAdapter(&Factory{})
}
