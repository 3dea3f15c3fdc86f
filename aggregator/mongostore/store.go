// Package mongostore implements the aggregator backend on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arc-archive/arc-datastore/aggregator"
	"github.com/arc-archive/arc-datastore/period"
)

const (
	sessionsCollection   = "sessions"
	aggregatesCollection = "period_aggregates"
	stateCollection      = "processing_state"
)

type sessionDoc struct {
	ID           string    `bson:"_id"`
	Namespace    string    `bson:"namespace"`
	SubjectID    string    `bson:"subject_id"`
	StartedAt    time.Time `bson:"started_at"`
	LastActiveAt time.Time `bson:"last_active_at,omitempty"`
}

type dailyItemDoc struct {
	Day      string `bson:"day"`
	Sessions int64  `bson:"sessions"`
	Users    int64  `bson:"users"`
}

// The _id is derived from namespace, kind and key, which makes the primary
// key index the uniqueness guard for rollups.
type aggregateDoc struct {
	ID             string         `bson:"_id"`
	Namespace      string         `bson:"namespace"`
	Kind           string         `bson:"kind"`
	Key            string         `bson:"period_key"`
	WindowStart    time.Time      `bson:"window_start"`
	WindowEnd      time.Time      `bson:"window_end"`
	SessionCount   int64          `bson:"session_count"`
	UserCount      int64          `bson:"user_count"`
	DailyBreakdown []dailyItemDoc `bson:"daily_breakdown,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
}

type stateDoc struct {
	FileName          string    `bson:"_id"`
	LastByteOffset    int64     `bson:"last_byte_offset"`
	LastProcessedTime time.Time `bson:"last_processed_time"`
	FileSizeBytes     int64     `bson:"file_size_bytes"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

var (
	_ aggregator.Backend     = (*Store)(nil)
	_ aggregator.OffsetStore = (*Store)(nil)
)

// Store keeps sessions, aggregates and read offsets in three collections.
type Store struct {
	client     *mongo.Client
	sessions   *mongo.Collection
	aggregates *mongo.Collection
	states     *mongo.Collection
}

// Connect opens a client for uri and returns a store on database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s, err := New(ctx, client.Database(database))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.client = client
	return s, nil
}

// New returns a store on db and makes sure its indexes exist. The caller
// keeps ownership of the client.
func New(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		sessions:   db.Collection(sessionsCollection),
		aggregates: db.Collection(aggregatesCollection),
		states:     db.Collection(stateCollection),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sessionIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "namespace", Value: 1}, {Key: "subject_id", Value: 1}, {Key: "last_active_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "namespace", Value: 1}, {Key: "started_at", Value: 1}, {Key: "_id", Value: 1}},
		},
	}
	if _, err := s.sessions.Indexes().CreateMany(ctx, sessionIndexes); err != nil {
		return nil, fmt.Errorf("failed to create session indexes: %w", err)
	}

	aggregateIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "namespace", Value: 1}, {Key: "kind", Value: 1}, {Key: "window_start", Value: 1}},
		},
	}
	if _, err := s.aggregates.Indexes().CreateMany(ctx, aggregateIndexes); err != nil {
		return nil, fmt.Errorf("failed to create aggregate indexes: %w", err)
	}
	return s, nil
}

func aggregateID(namespace string, kind period.Kind, key string) string {
	return namespace + "/" + string(kind) + "/" + key
}

func (s *Store) LatestSession(ctx context.Context, namespace, subjectID string, since time.Time) (*aggregator.Session, error) {
	filter := bson.M{
		"namespace":      namespace,
		"subject_id":     subjectID,
		"last_active_at": bson.M{"$gte": since.UTC()},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "last_active_at", Value: -1}})

	var doc sessionDoc
	err := s.sessions.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, aggregator.ErrNotFound
	}
	if err != nil {
		return nil, aggregator.StorageError("query latest session", err)
	}
	return toSession(doc), nil
}

func (s *Store) InsertSession(ctx context.Context, namespace string, session *aggregator.Session) error {
	if err := aggregator.ValidateSession(session); err != nil {
		return err
	}

	doc := sessionDoc{
		ID:           session.ID,
		Namespace:    namespace,
		SubjectID:    session.SubjectID,
		StartedAt:    session.StartedAt.UTC(),
		LastActiveAt: session.LastActiveAt.UTC(),
	}
	if _, err := s.sessions.InsertOne(ctx, doc); err != nil {
		return aggregator.StorageError("insert session", err)
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, namespace, sessionID string, lastActiveAt time.Time) error {
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": sessionID, "namespace": namespace},
		bson.M{"$set": bson.M{"last_active_at": lastActiveAt.UTC()}},
	)
	if err != nil {
		return aggregator.StorageError("update session", err)
	}
	if res.MatchedCount == 0 {
		return aggregator.ErrNotFound
	}
	return nil
}

// ScanSessions pages through the window ordered by (started_at, _id). Each
// page is fully read and its cursor closed before fn sees any session.
func (s *Store) ScanSessions(ctx context.Context, namespace string, start, end time.Time, opts aggregator.ScanOptions, fn func(*aggregator.Session) error) error {
	pageSize := opts.PageSizeOrDefault()
	findOpts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(pageSize))
	if opts.SubjectOnly {
		findOpts.SetProjection(bson.M{"_id": 1, "subject_id": 1, "started_at": 1})
	}

	var last *sessionDoc
	for {
		filter := bson.M{
			"namespace":  namespace,
			"started_at": bson.M{"$gte": start.UTC(), "$lte": end.UTC()},
		}
		if last != nil {
			filter["$or"] = bson.A{
				bson.M{"started_at": bson.M{"$gt": last.StartedAt}},
				bson.M{"started_at": last.StartedAt, "_id": bson.M{"$gt": last.ID}},
			}
		}

		page, err := s.findSessions(ctx, filter, findOpts)
		if err != nil {
			return err
		}
		for i := range page {
			if err := fn(toSession(page[i])); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		last = &page[len(page)-1]
	}
}

func (s *Store) findSessions(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]sessionDoc, error) {
	cursor, err := s.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, aggregator.StorageError("scan sessions", err)
	}
	defer cursor.Close(ctx)

	var page []sessionDoc
	if err := cursor.All(ctx, &page); err != nil {
		return nil, aggregator.StorageError("scan sessions", err)
	}
	return page, nil
}

func (s *Store) GetAggregate(ctx context.Context, namespace string, kind period.Kind, key string) (*aggregator.PeriodAggregate, error) {
	var doc aggregateDoc
	err := s.aggregates.FindOne(ctx, bson.M{"_id": aggregateID(namespace, kind, key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, aggregator.ErrNotFound
	}
	if err != nil {
		return nil, aggregator.StorageError("get aggregate", err)
	}
	return toAggregate(doc), nil
}

func (s *Store) InsertAggregate(ctx context.Context, namespace string, agg *aggregator.PeriodAggregate) error {
	doc := aggregateDoc{
		ID:           aggregateID(namespace, agg.Kind, agg.Key),
		Namespace:    namespace,
		Kind:         string(agg.Kind),
		Key:          agg.Key,
		WindowStart:  agg.WindowStart.UTC(),
		WindowEnd:    agg.WindowEnd.UTC(),
		SessionCount: agg.SessionCount,
		UserCount:    agg.UserCount,
		CreatedAt:    agg.CreatedAt.UTC(),
	}
	for _, item := range agg.DailyBreakdown {
		doc.DailyBreakdown = append(doc.DailyBreakdown, dailyItemDoc(item))
	}

	_, err := s.aggregates.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return aggregator.ErrAggregateExists
	}
	if err != nil {
		return aggregator.StorageError("insert aggregate", err)
	}
	return nil
}

func (s *Store) ListAggregates(ctx context.Context, namespace string, kind period.Kind, start, end time.Time) ([]*aggregator.PeriodAggregate, error) {
	filter := bson.M{
		"namespace":    namespace,
		"kind":         string(kind),
		"window_start": bson.M{"$gte": start.UTC(), "$lte": end.UTC()},
	}
	cursor, err := s.aggregates.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "window_start", Value: 1}}))
	if err != nil {
		return nil, aggregator.StorageError("list aggregates", err)
	}
	defer cursor.Close(ctx)

	var docs []aggregateDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, aggregator.StorageError("list aggregates", err)
	}

	out := make([]*aggregator.PeriodAggregate, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toAggregate(doc))
	}
	return out, nil
}

func (s *Store) GetProcessingState(ctx context.Context, fileName string) (*aggregator.ProcessingState, error) {
	var doc stateDoc
	err := s.states.FindOne(ctx, bson.M{"_id": fileName}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &aggregator.ProcessingState{FileName: fileName}, nil
	}
	if err != nil {
		return nil, aggregator.StorageError("get processing state", err)
	}
	return &aggregator.ProcessingState{
		FileName:          doc.FileName,
		LastByteOffset:    doc.LastByteOffset,
		LastProcessedTime: doc.LastProcessedTime,
		FileSizeBytes:     doc.FileSizeBytes,
		UpdatedAt:         doc.UpdatedAt,
	}, nil
}

func (s *Store) UpdateProcessingState(ctx context.Context, fileName string, byteOffset, fileSize int64) error {
	now := time.Now().UTC()
	_, err := s.states.UpdateOne(ctx,
		bson.M{"_id": fileName},
		bson.M{"$set": bson.M{
			"last_byte_offset":    byteOffset,
			"last_processed_time": now,
			"file_size_bytes":     fileSize,
			"updated_at":          now,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return aggregator.StorageError("update processing state", err)
	}
	return nil
}

// Close disconnects the client when the store opened it.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toSession(doc sessionDoc) *aggregator.Session {
	return &aggregator.Session{
		ID:           doc.ID,
		SubjectID:    doc.SubjectID,
		StartedAt:    doc.StartedAt.UTC(),
		LastActiveAt: doc.LastActiveAt.UTC(),
	}
}

func toAggregate(doc aggregateDoc) *aggregator.PeriodAggregate {
	agg := &aggregator.PeriodAggregate{
		Kind:         period.Kind(doc.Kind),
		Key:          doc.Key,
		WindowStart:  doc.WindowStart.UTC(),
		WindowEnd:    doc.WindowEnd.UTC(),
		SessionCount: doc.SessionCount,
		UserCount:    doc.UserCount,
		CreatedAt:    doc.CreatedAt.UTC(),
	}
	for _, item := range doc.DailyBreakdown {
		agg.DailyBreakdown = append(agg.DailyBreakdown, aggregator.DailyItem(item))
	}
	return agg
}
