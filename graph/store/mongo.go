package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a MongoDB implementation of Store[S].
//
// Collections:
//   - executions: one document per execution holding the latest checkpoint
//   - checkpoints: one document per (execution_id, version)
//
// Save writes the checkpoint document first and then moves the executions
// document forward only if it holds an older version. A save that fails
// between the two writes leaves an extra history entry that Load never
// returned; the next save takes the version after it.
type MongoStore[S any] struct {
	client      *mongo.Client
	executions  *mongo.Collection
	checkpoints *mongo.Collection
}

type mongoExecutionDoc struct {
	ID          string `bson:"_id"`
	OwnerID     string `bson:"owner_id"`
	Status      string `bson:"status"`
	State       string `bson:"state"`
	Version     int    `bson:"version"`
	UpdatedAtNs int64  `bson:"updated_at_ns"`
}

type mongoCheckpointDoc struct {
	ExecutionID string `bson:"execution_id"`
	OwnerID     string `bson:"owner_id"`
	Status      string `bson:"status"`
	State       string `bson:"state"`
	Version     int    `bson:"version"`
	UpdatedAtNs int64  `bson:"updated_at_ns"`
}

// NewMongoStore creates a MongoStore in dbName (default "postgraph") and
// ensures its indexes.
func NewMongoStore[S any](ctx context.Context, client *mongo.Client, dbName string) (*MongoStore[S], error) {
	if dbName == "" {
		dbName = "postgraph"
	}
	db := client.Database(dbName)
	m := &MongoStore[S]{
		client:      client,
		executions:  db.Collection("executions"),
		checkpoints: db.Collection("checkpoints"),
	}

	_, err := m.executions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at_ns", Value: -1}}},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "status", Value: 1}, {Key: "updated_at_ns", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create execution indexes: %w", err)
	}
	_, err = m.checkpoints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint index: %w", err)
	}
	return m, nil
}

// saveAttempts bounds how often Save picks a new version after losing the
// checkpoint insert to a concurrent writer.
const saveAttempts = 3

// Save appends the checkpoint document and then advances the execution
// document to it.
func (m *MongoStore[S]) Save(ctx context.Context, rec Record[S]) error {
	if err := validate(rec); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	for attempt := 0; attempt < saveAttempts; attempt++ {
		version, err := m.nextVersion(ctx, rec.ExecutionID)
		if err != nil {
			return err
		}
		_, err = m.checkpoints.InsertOne(ctx, mongoCheckpointDoc{
			ExecutionID: rec.ExecutionID,
			OwnerID:     rec.OwnerID,
			Status:      string(rec.Status),
			State:       string(stateJSON),
			Version:     version,
			UpdatedAtNs: rec.UpdatedAt.UnixNano(),
		})
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return unavailable("insert checkpoint", err)
		}
		return m.advance(ctx, rec, string(stateJSON), version)
	}
	return unavailable("save", fmt.Errorf("version taken %d times by concurrent writers", saveAttempts))
}

// nextVersion returns one past the highest checkpoint version.
func (m *MongoStore[S]) nextVersion(ctx context.Context, executionID string) (int, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetProjection(bson.M{"version": 1})
	var doc mongoCheckpointDoc
	err := m.checkpoints.FindOne(ctx, bson.M{"execution_id": executionID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 1, nil
	}
	if err != nil {
		return 0, unavailable("next version", err)
	}
	return doc.Version + 1, nil
}

// advance points the execution document at version unless it already holds
// that version or a later one.
func (m *MongoStore[S]) advance(ctx context.Context, rec Record[S], state string, version int) error {
	update := bson.M{
		"$set": bson.M{
			"status":        string(rec.Status),
			"state":         state,
			"version":       version,
			"updated_at_ns": rec.UpdatedAt.UnixNano(),
		},
		"$setOnInsert": bson.M{"owner_id": rec.OwnerID},
	}
	filter := bson.M{"_id": rec.ExecutionID, "version": bson.M{"$lt": version}}
	_, err := m.executions.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// A concurrent save already moved the document past version.
		return nil
	}
	if err != nil {
		return unavailable("save", err)
	}
	return nil
}

// Load returns the latest checkpoint.
func (m *MongoStore[S]) Load(ctx context.Context, executionID string) (Record[S], error) {
	var doc mongoExecutionDoc
	err := m.executions.FindOne(ctx, bson.M{"_id": executionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record[S]{}, ErrNotFound
	}
	if err != nil {
		return Record[S]{}, unavailable("load", err)
	}
	return decodeMongo[S](doc.ID, doc.OwnerID, doc.Status, doc.State, doc.Version, doc.UpdatedAtNs)
}

// List returns latest checkpoints matching filter, most recent first.
func (m *MongoStore[S]) List(ctx context.Context, filter Filter) ([]Record[S], error) {
	statuses := filter.statuses()
	in := make(bson.A, len(statuses))
	for i, s := range statuses {
		in[i] = string(s)
	}
	query := bson.M{"status": bson.M{"$in": in}}
	if filter.OwnerID != "" {
		query["owner_id"] = filter.OwnerID
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated_at_ns", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := m.executions.Find(ctx, query, opts)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer cur.Close(ctx)

	out := make([]Record[S], 0)
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, unavailable("list", err)
		}
		rec, err := decodeMongo[S](doc.ID, doc.OwnerID, doc.Status, doc.State, doc.Version, doc.UpdatedAtNs)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

// History returns every checkpoint in version order.
func (m *MongoStore[S]) History(ctx context.Context, executionID string) ([]Record[S], error) {
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	cur, err := m.checkpoints.Find(ctx, bson.M{"execution_id": executionID}, opts)
	if err != nil {
		return nil, unavailable("history", err)
	}
	defer cur.Close(ctx)

	var out []Record[S]
	for cur.Next(ctx) {
		var doc mongoCheckpointDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, unavailable("history", err)
		}
		rec, err := decodeMongo[S](doc.ExecutionID, doc.OwnerID, doc.Status, doc.State, doc.Version, doc.UpdatedAtNs)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, unavailable("history", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Ping verifies the server is reachable.
func (m *MongoStore[S]) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, nil); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close disconnects the client.
func (m *MongoStore[S]) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func decodeMongo[S any](id, owner, status, state string, version int, updatedNs int64) (Record[S], error) {
	rec := Record[S]{
		ExecutionID: id,
		OwnerID:     owner,
		Status:      Status(status),
		Version:     version,
		UpdatedAt:   time.Unix(0, updatedNs).UTC(),
	}
	if err := json.Unmarshal([]byte(state), &rec.State); err != nil {
		return Record[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return rec, nil
}
