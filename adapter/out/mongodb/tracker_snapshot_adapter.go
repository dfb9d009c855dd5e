package mongodb

import (
	"context"
	"time"

	"tracker_server/core/port/out"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionSnapshots = "message_snapshots"
	snapshotRetention   = 90 * 24 * time.Hour
)

// SnapshotAdapter implements out.MessageSnapshotStore using MongoDB.
type SnapshotAdapter struct {
	collection *mongo.Collection
}

var _ out.MessageSnapshotStore = (*SnapshotAdapter)(nil)

// NewSnapshotAdapter creates a new SnapshotAdapter.
func NewSnapshotAdapter(db *mongo.Database) *SnapshotAdapter {
	return &SnapshotAdapter{collection: db.Collection(collectionSnapshots)}
}

// EnsureIndexes creates the identity and retention indexes.
func (a *SnapshotAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "mailbox_id", Value: 1}, {Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(snapshotRetention.Seconds())),
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Save upserts the snapshot; reprocessing a message overwrites the outcome.
func (a *SnapshotAdapter) Save(ctx context.Context, snap *out.MessageSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	filter := bson.M{"mailbox_id": snap.MailboxID, "message_id": snap.MessageID}
	_, err := a.collection.ReplaceOne(ctx, filter, snap, options.Replace().SetUpsert(true))
	return err
}
