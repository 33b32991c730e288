// Package gcapmongo provides a MongoDB adapter for gcap.
//
// Each entity is a collection whose documents carry the encoded key as _id.
// A gcap transaction is a multi-document session transaction, which needs a
// replica set or sharded cluster.
package gcapmongo

import (
	"context"
	"fmt"
	"time"

	"github.com/lemmego/gcap"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// =====================================
// Adapter Implementation
// =====================================

// Adapter implements gcap.Adapter using MongoDB
type Adapter struct {
	client   *mongo.Client
	database *mongo.Database
	config   gcap.StoreConfig
}

// Factory implements gcap.AdapterFactory
type Factory struct{}

// Create creates a new MongoDB adapter instance
func (f *Factory) Create(config gcap.StoreConfig) (gcap.Adapter, error) {
	if config.Database == "" {
		return nil, gcap.NewFieldError(gcap.ErrorTypeValidation, "store.database", "mongo adapter needs a database name")
	}

	clientOpts := options.Client().ApplyURI(buildConnectionURI(config))
	if config.MaxOpenConns > 0 {
		clientOpts.SetMaxPoolSize(uint64(config.MaxOpenConns))
	}
	if config.MaxIdleConns > 0 {
		clientOpts.SetMinPoolSize(uint64(config.MaxIdleConns))
	}
	if config.ConnMaxIdleTime > 0 {
		clientOpts.SetMaxConnIdleTime(config.ConnMaxIdleTime)
	}
	if options, ok := config.Options["mongo"]; ok {
		if mongoOpts, ok := options.(map[string]interface{}); ok {
			if err := applyClientOptions(clientOpts, mongoOpts); err != nil {
				return nil, err
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "failed to connect to MongoDB",
			Cause:   err,
		}
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "failed to ping MongoDB",
			Cause:   err,
		}
	}

	return &Adapter{
		client:   client,
		database: client.Database(config.Database),
		config:   config,
	}, nil
}

// SupportedDrivers returns the list of supported database drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"mongodb", "mongo"}
}

// buildConnectionURI builds the MongoDB connection URI
func buildConnectionURI(config gcap.StoreConfig) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	uri := "mongodb://"
	if config.Username != "" {
		uri += config.Username
		if config.Password != "" {
			uri += ":" + config.Password
		}
		uri += "@"
	}

	host := config.Host
	if host == "" {
		host = "localhost"
	}
	port := config.Port
	if port == 0 {
		port = 27017
	}
	uri += fmt.Sprintf("%s:%d", host, port)

	if config.SSL.Enabled {
		uri += "/?tls=true"
		if config.SSL.CAFile != "" {
			uri += "&tlsCAFile=" + config.SSL.CAFile
		}
		if config.SSL.CertFile != "" {
			uri += "&tlsCertificateKeyFile=" + config.SSL.CertFile
		}
	}

	return uri
}

// applyClientOptions applies Options["mongo"] to the client options
func applyClientOptions(clientOpts *options.ClientOptions, mongoOpts map[string]interface{}) error {
	if name, ok := mongoOpts["replica_set"].(string); ok {
		clientOpts.SetReplicaSet(name)
	}
	if s, ok := mongoOpts["timeout"].(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return gcap.NewFieldError(gcap.ErrorTypeValidation, "store.options.mongo.timeout", err.Error())
		}
		clientOpts.SetTimeout(d)
	}
	if direct, ok := mongoOpts["direct"].(bool); ok {
		clientOpts.SetDirect(direct)
	}
	return nil
}

// Database exposes the underlying database handle
func (a *Adapter) Database() *mongo.Database {
	return a.database
}

// Begin starts a session and a transaction on it
func (a *Adapter) Begin(ctx context.Context) (gcap.Tx, error) {
	sess, err := a.client.StartSession()
	if err != nil {
		return nil, convertMongoError(err)
	}
	if err := sess.StartTransaction(); err != nil {
		sess.EndSession(ctx)
		return nil, convertMongoError(err)
	}
	return &Tx{database: a.database, session: sess}, nil
}

// Migrate creates a collection for every entity that does not have one
func (a *Adapter) Migrate(ctx context.Context, entities []*gcap.EntityDef) error {
	names, err := a.database.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return convertMongoError(err)
	}
	have := make(map[string]bool, len(names))
	for _, name := range names {
		have[name] = true
	}
	for _, entity := range entities {
		if have[entity.Name] {
			continue
		}
		if err := a.database.CreateCollection(ctx, entity.Name); err != nil {
			return convertMongoError(err)
		}
	}
	return nil
}

// Health checks the database connection health
func (a *Adapter) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.client.Ping(ctx, readpref.Primary())
}

// Close closes the database connection
func (a *Adapter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.client.Disconnect(ctx)
}

// Info returns information about this adapter
func (a *Adapter) Info() gcap.AdapterInfo {
	return gcap.AdapterInfo{
		Name:    "mongo",
		Driver:  "mongodb",
		Storage: gcap.StorageDocument,
		Features: []gcap.Feature{
			gcap.FeatureTransactions,
			gcap.FeatureMigration,
			gcap.FeaturePersistent,
		},
	}
}

// =====================================
// Registration
// =====================================

func init() {
	gcap.RegisterAdapter(&Factory{})
}
