// Package mongo hosts the document store gateway: collection handles, the
// GridFS blob bucket and index bootstrap.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	connectTimeout   = 10 * time.Second
	bootstrapTimeout = 30 * time.Second
	uploadBucketName = "upload_files"
)

// Collection names.
const (
	CollUsers         = "users"
	CollChatflows     = "chatflows"
	CollUserChatflows = "user_chatflows"
	CollChatSessions  = "chat_sessions"
	CollChatMessages  = "chat_messages"
	CollRefreshTokens = "refresh_tokens"
	CollFileUploads   = "file_uploads"
	CollTransactions  = "transactions"
)

// Store bundles the typed collection handles and the blob bucket.
type Store struct {
	Client *mongodriver.Client
	DB     *mongodriver.Database

	Users         *mongodriver.Collection
	Chatflows     *mongodriver.Collection
	UserChatflows *mongodriver.Collection
	ChatSessions  *mongodriver.Collection
	ChatMessages  *mongodriver.Collection
	RefreshTokens *mongodriver.Collection
	FileUploads   *mongodriver.Collection
	Transactions  *mongodriver.Collection

	Bucket *gridfs.Bucket
}

// Connect dials the document store and bootstraps collections and indexes.
// Bootstrap is idempotent; rerunning against an initialized database is a
// no-op.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongodriver.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(database)

	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(uploadBucketName))
	if err != nil {
		return nil, fmt.Errorf("failed to open gridfs bucket: %w", err)
	}

	s := &Store{
		Client: client,
		DB:     db,

		Users:         db.Collection(CollUsers),
		Chatflows:     db.Collection(CollChatflows),
		UserChatflows: db.Collection(CollUserChatflows),
		ChatSessions:  db.Collection(CollChatSessions),
		ChatMessages:  db.Collection(CollChatMessages),
		RefreshTokens: db.Collection(CollRefreshTokens),
		FileUploads:   db.Collection(CollFileUploads),
		Transactions:  db.Collection(CollTransactions),

		Bucket: bucket,
	}

	bootCtx, cancelBoot := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancelBoot()
	if err := s.EnsureIndexes(bootCtx); err != nil {
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	return s, nil
}

// EnsureIndexes creates every index the service relies on. CreateMany is
// idempotent for identical definitions.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.Users.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}); err != nil {
		return fmt.Errorf("users indexes: %w", err)
	}

	if _, err := s.Chatflows.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "flowise_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("chatflows index: %w", err)
	}

	if _, err := s.UserChatflows.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "chatflow_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("user_chatflows index: %w", err)
	}

	if _, err := s.ChatSessions.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}); err != nil {
		return fmt.Errorf("chat_sessions indexes: %w", err)
	}

	if _, err := s.ChatMessages.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return fmt.Errorf("chat_messages index: %w", err)
	}

	if _, err := s.RefreshTokens.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "token_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
		{
			// Expired records are reaped by the server as soon as
			// expires_at passes.
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}); err != nil {
		return fmt.Errorf("refresh_tokens indexes: %w", err)
	}

	if _, err := s.FileUploads.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "file_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "file_hash", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "session_id", Value: 1}},
		},
	}); err != nil {
		return fmt.Errorf("file_uploads indexes: %w", err)
	}

	if _, err := s.Transactions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("transactions index: %w", err)
	}

	return nil
}

// Disconnect closes the underlying client.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}

// Ping reports whether the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx, readpref.Primary())
}
