// Package gcapgorm provides a GORM adapter for gcap
package gcapgorm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lemmego/gcap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =====================================
// Adapter Implementation
// =====================================

// Adapter implements gcap.Adapter using GORM
type Adapter struct {
	db     *gorm.DB
	config gcap.StoreConfig
}

// Factory implements gcap.AdapterFactory
type Factory struct{}

// Create creates a new GORM adapter instance
func (f *Factory) Create(config gcap.StoreConfig) (gcap.Adapter, error) {
	adapter := &Adapter{config: config}

	// Configure GORM
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	// Apply custom configurations from options
	if options, ok := config.Options["gorm"]; ok {
		if gormOpts, ok := options.(map[string]interface{}); ok {
			if logLevel, ok := gormOpts["log_level"].(string); ok {
				switch logLevel {
				case "silent":
					gormConfig.Logger = logger.Default.LogMode(logger.Silent)
				case "error":
					gormConfig.Logger = logger.Default.LogMode(logger.Error)
				case "warn":
					gormConfig.Logger = logger.Default.LogMode(logger.Warn)
				case "info":
					gormConfig.Logger = logger.Default.LogMode(logger.Info)
				}
			}
		}
	}

	// Initialize database connection
	var dialector gorm.Dialector
	inMemory := false

	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(buildPostgresDSN(config))
	case "mysql":
		dialector = mysql.Open(buildMySQLDSN(config))
	case "sqlite", "sqlite3":
		dsn := config.Database
		if dsn == "" {
			dsn = config.ConnectionURL
		}
		inMemory = dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
		dialector = sqlite.Open(dsn)
	case "sqlserver", "mssql":
		dialector = sqlserver.Open(buildSQLServerDSN(config))
	default:
		return nil, gcap.Error{
			Type:    gcap.ErrorTypeUnsupported,
			Message: fmt.Sprintf("unsupported driver: %s", config.Driver),
		}
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "failed to connect to database",
			Cause:   err,
		}
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "failed to get underlying sql.DB",
			Cause:   err,
		}
	}

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

	adapter.db = db
	return adapter, nil
}

// SupportedDrivers returns the list of supported database drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3", "sqlserver", "mssql"}
}

// DB exposes the underlying GORM handle
func (a *Adapter) DB() *gorm.DB {
	return a.db
}

// Begin starts a database transaction. The transaction outlives
// cancellation of ctx so that the runtime can always end it explicitly.
func (a *Adapter) Begin(ctx context.Context) (gcap.Tx, error) {
	tx := a.db.WithContext(context.WithoutCancel(ctx)).Begin()
	if tx.Error != nil {
		return nil, convertGormError(tx.Error)
	}
	return &Tx{db: tx, dialect: a.db.Dialector.Name()}, nil
}

// Migrate creates a table for every entity that does not have one
func (a *Adapter) Migrate(ctx context.Context, entities []*gcap.EntityDef) error {
	db := a.db.WithContext(ctx)
	migrator := db.Migrator()
	for _, entity := range entities {
		if migrator.HasTable(entity.Name) {
			continue
		}
		ddl, err := createTableSQL(db.Dialector, entity)
		if err != nil {
			return err
		}
		if err := db.Exec(ddl).Error; err != nil {
			return convertGormError(err)
		}
	}
	return nil
}

// Health checks the database connection health
func (a *Adapter) Health() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "failed to get underlying sql.DB",
			Cause:   err,
		}
	}
	return sqlDB.Ping()
}

// Close closes the database connection
func (a *Adapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Info returns information about this adapter
func (a *Adapter) Info() gcap.AdapterInfo {
	return gcap.AdapterInfo{
		Name:    "gorm",
		Driver:  a.db.Dialector.Name(),
		Storage: gcap.StorageSQL,
		Features: []gcap.Feature{
			gcap.FeatureTransactions,
			gcap.FeatureMigration,
			gcap.FeaturePersistent,
		},
	}
}

// =====================================
// Transaction Implementation
// =====================================

// Tx implements gcap.Tx on a GORM transaction
type Tx struct {
	db      *gorm.DB
	dialect string
	done    bool
}

func (t *Tx) session(ctx context.Context) (*gorm.DB, error) {
	if t.done {
		return nil, gcap.NewError(gcap.ErrorTypeTransactionClosed, "transaction already ended")
	}
	return t.db.WithContext(ctx), nil
}

// Insert inserts a new row
func (t *Tx) Insert(ctx context.Context, entity *gcap.EntityDef, rec gcap.Record) (gcap.Record, error) {
	db, err := t.session(ctx)
	if err != nil {
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

	result := db.Table(entity.Name).Create(row)
	if result.Error != nil {
		err := convertGormError(result.Error)
		if gcap.IsDuplicateKey(err) {
			key, _ := entity.KeyString(rec)
			return nil, gcap.NewErrorWithCause(gcap.ErrorTypeDuplicateKey, fmt.Sprintf("%s(%s) already exists", entity.Name, key), result.Error)
		}
		return nil, err
	}
	return stored, nil
}

// Read selects the rows matching q
func (t *Tx) Read(ctx context.Context, entity *gcap.EntityDef, q gcap.Query) ([]gcap.Record, error) {
	db, err := t.session(ctx)
	if err != nil {
		return nil, err
	}
	query, err := t.buildQuery(db.Table(entity.Name), entity, q)
	if err != nil {
		return nil, err
	}

	var rows []map[string]interface{}
	if err := query.Find(&rows).Error; err != nil {
		return nil, convertGormError(err)
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
	db, err := t.session(ctx)
	if err != nil {
		return err
	}
	where, err := t.keyExpression(entity, key)
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
		return t.requireRow(db, entity, where, key)
	}

	result := db.Table(entity.Name).Where(where).Updates(updates)
	if result.Error != nil {
		return convertGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		// some databases only count rows whose values changed
		return t.requireRow(db, entity, where, key)
	}
	return nil
}

// Delete deletes the row with the given key
func (t *Tx) Delete(ctx context.Context, entity *gcap.EntityDef, key gcap.Key) error {
	db, err := t.session(ctx)
	if err != nil {
		return err
	}
	where, err := t.keyExpression(entity, key)
	if err != nil {
		return err
	}

	result := db.Exec("DELETE FROM ? WHERE ?", clause.Table{Name: entity.Name}, where)
	if result.Error != nil {
		return convertGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return gcap.Error{
			Type:    gcap.ErrorTypeNotFound,
			Message: fmt.Sprintf("%s(%s) not found", entity.Name, key.Encode(entity.Keys)),
		}
	}
	return nil
}

func (t *Tx) requireRow(db *gorm.DB, entity *gcap.EntityDef, where clause.Expression, key gcap.Key) error {
	var count int64
	if err := db.Table(entity.Name).Where(where).Count(&count).Error; err != nil {
		return convertGormError(err)
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
	if t.done {
		return gcap.NewError(gcap.ErrorTypeTransactionClosed, "transaction already ended")
	}
	t.done = true
	if err := t.db.Commit().Error; err != nil {
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
	if t.done {
		return gcap.NewError(gcap.ErrorTypeTransactionClosed, "transaction already ended")
	}
	t.done = true
	return convertGormError(t.db.Rollback().Error)
}

// =====================================
// Error Conversion
// =====================================

// convertGormError converts GORM errors to gcap errors
func convertGormError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return gcap.Error{
			Type:    gcap.ErrorTypeNotFound,
			Message: "record not found",
			Cause:   err,
		}
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return gcap.Error{
			Type:    gcap.ErrorTypeDuplicateKey,
			Message: "duplicate key violation",
			Cause:   err,
		}
	case errors.Is(err, gorm.ErrInvalidTransaction):
		return gcap.Error{
			Type:    gcap.ErrorTypeTransactionClosed,
			Message: "invalid transaction",
			Cause:   err,
		}
	case errors.Is(err, gorm.ErrNotImplemented):
		return gcap.Error{
			Type:    gcap.ErrorTypeUnsupported,
			Message: "operation not implemented",
			Cause:   err,
		}
	case errors.Is(err, gorm.ErrMissingWhereClause):
		return gcap.Error{
			Type:    gcap.ErrorTypeValidation,
			Message: "missing where clause",
			Cause:   err,
		}
	case errors.Is(err, gorm.ErrInvalidData):
		return gcap.Error{
			Type:    gcap.ErrorTypeValidation,
			Message: "invalid data",
			Cause:   err,
		}
	}

	// Check for common database constraint errors
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "duplicate") || strings.Contains(errStr, "unique") {
		return gcap.Error{
			Type:    gcap.ErrorTypeDuplicateKey,
			Message: "duplicate key violation",
			Cause:   err,
		}
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "connection error",
			Cause:   err,
		}
	}
	if strings.Contains(errStr, "transaction has already been committed or rolled back") {
		return gcap.Error{
			Type:    gcap.ErrorTypeTransactionClosed,
			Message: "transaction already ended",
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
// DSN Builders
// =====================================

// buildPostgresDSN builds a PostgreSQL DSN
func buildPostgresDSN(config gcap.StoreConfig) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database)

	if config.SSL.Enabled {
		dsn += " sslmode=" + config.SSL.Mode
		if config.SSL.CertFile != "" {
			dsn += " sslcert=" + config.SSL.CertFile
		}
		if config.SSL.KeyFile != "" {
			dsn += " sslkey=" + config.SSL.KeyFile
		}
		if config.SSL.CAFile != "" {
			dsn += " sslrootcert=" + config.SSL.CAFile
		}
	} else {
		dsn += " sslmode=disable"
	}

	return dsn
}

// buildMySQLDSN builds a MySQL DSN
func buildMySQLDSN(config gcap.StoreConfig) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		config.Username, config.Password, config.Host, config.Port, config.Database)

	if config.SSL.Enabled {
		dsn += "&tls=" + config.SSL.Mode
	}

	return dsn
}

// buildSQLServerDSN builds a SQL Server DSN
func buildSQLServerDSN(config gcap.StoreConfig) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		config.Username, config.Password, config.Host, config.Port, config.Database)
}

// =====================================
// Registration
// =====================================

// init registers the GORM adapter factory
func init() {
	gcap.RegisterAdapter(&Factory{})
}
