// Package mongostore keeps the ledger in MongoDB collections.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"apipool-go/internal/ledger"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultDatabase = "apipool"
	defaultTimeout  = 5 * time.Second

	keyCollection     = "apikey"
	statusCollection  = "status"
	eventCollection   = "event"
	counterCollection = "counters"
)

// Config holds MongoDB connection settings.
type Config struct {
	URI      string
	Database string
}

// Store implements ledger.Store on MongoDB.
type Store struct {
	client   *mongo.Client
	keys     *mongo.Collection
	statuses *mongo.Collection
	events   *mongo.Collection
	counters *mongo.Collection
}

var _ ledger.Store = (*Store)(nil)

type keyDoc struct {
	ID  int64  `bson:"_id"`
	Key string `bson:"key"`
}

type eventDoc struct {
	KeyID      int64 `bson:"apikey_id"`
	FinishedAt int64 `bson:"finished_at"`
	StatusID   int   `bson:"status_id"`
}

// Open connects, pings and creates the unique indexes the ledger relies on.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongodb uri is empty")
	}
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(cfg.URI)
	clientOptions.SetMaxPoolSize(10)
	clientOptions.SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:   client,
		keys:     db.Collection(keyCollection),
		statuses: db.Collection(statusCollection),
		events:   db.Collection(eventCollection),
		counters: db.Collection(counterCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.WithField("database", cfg.Database).Info("ledger mongodb store connected")
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.keys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("failed to create apikey index: %w", err)
	}
	if _, err := s.statuses.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "description", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}
	if _, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "apikey_id", Value: 1}, {Key: "finished_at", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "finished_at", Value: 1}},
		},
	}); err != nil {
		return fmt.Errorf("failed to create event indexes: %w", err)
	}
	return nil
}

func (s *Store) EnsureStatuses(ctx context.Context, statuses []ledger.Status) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	opts := options.Update().SetUpsert(true)
	for _, st := range statuses {
		_, err := s.statuses.UpdateOne(ctx,
			bson.M{"_id": st.ID()},
			bson.M{"$setOnInsert": bson.M{"description": st.String()}},
			opts,
		)
		if err != nil {
			return fmt.Errorf("ensure status %s: %w", st, err)
		}
	}
	return nil
}

func (s *Store) EnsureKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	existing, err := s.LoadKeyIDs(ctx, keys)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, ok := existing[key]; ok {
			continue
		}
		id, err := s.nextID(ctx, keyCollection)
		if err != nil {
			return err
		}
		_, err = s.keys.InsertOne(ctx, keyDoc{ID: id, Key: key})
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert key %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) nextID(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate %s id: %w", name, err)
	}
	return doc.Seq, nil
}

func (s *Store) LoadKeyIDs(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	filter := bson.M{}
	if keys != nil {
		if len(keys) == 0 {
			return out, nil
		}
		filter = bson.M{"key": bson.M{"$in": keys}}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	cursor, err := s.keys.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load key ids: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc keyDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode key: %w", err)
		}
		out[doc.Key] = doc.ID
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev ledger.Event) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := s.exists(ctx, s.keys, ev.KeyID); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: row %d", ledger.ErrUnknownKey, ev.KeyID)
		}
		return fmt.Errorf("append event: %w", err)
	}
	if err := s.exists(ctx, s.statuses, ev.Status.ID()); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: %d", ledger.ErrInvalidStatus, uint8(ev.Status))
		}
		return fmt.Errorf("append event: %w", err)
	}

	_, err := s.events.InsertOne(ctx, eventDoc{
		KeyID:      ev.KeyID,
		FinishedAt: ledger.Micros(ev.FinishedAt),
		StatusID:   ev.Status.ID(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ledger.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, coll *mongo.Collection, id any) error {
	return coll.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
}

func (s *Store) CountEvents(ctx context.Context, q ledger.Query) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filter := bson.M{"finished_at": finishedRange(q)}
	if q.KeyID != 0 {
		filter["apikey_id"] = q.KeyID
	}
	if q.Status != 0 {
		filter["status_id"] = q.Status.ID()
	}
	n, err := s.events.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) CountEventsByKey(ctx context.Context, q ledger.Query) ([]ledger.KeyCount, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"finished_at": finishedRange(q)}}},
		{{Key: "$group", Value: bson.M{"_id": "$apikey_id", "count": bson.M{"$sum": 1}}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         keyCollection,
			"localField":   "_id",
			"foreignField": "_id",
			"as":           "apikey",
		}}},
		{{Key: "$unwind", Value: "$apikey"}},
		{{Key: "$project", Value: bson.M{"_id": 0, "key": "$apikey.key", "count": 1}}},
		{{Key: "$sort", Value: bson.D{{Key: "key", Value: 1}}}},
	}
	cursor, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("count events by key: %w", err)
	}
	defer cursor.Close(ctx)

	var out []ledger.KeyCount
	for cursor.Next(ctx) {
		var row struct {
			Key   string `bson:"key"`
			Count int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode key count: %w", err)
		}
		out = append(out, ledger.KeyCount{Key: row.Key, Count: row.Count})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate key counts: %w", err)
	}
	return out, nil
}

func finishedRange(q ledger.Query) bson.M {
	since, until, bounded := q.Bounds()
	r := bson.M{"$gte": since}
	if bounded {
		r["$lt"] = until
	}
	return r
}

func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Disconnect(context.Background())
	}
	return nil
}
