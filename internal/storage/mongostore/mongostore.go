// Package mongostore implements storage.Store on MongoDB. The claim is a
// single FindOneAndUpdate whose filter carries the eligibility predicate,
// so the server performs select and update atomically.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

const (
	// DefaultDatabase is used when the config does not name one.
	DefaultDatabase = "queuectl"
	colJobs         = "jobs"
)

var _ storage.Store = (*Store)(nil)

// Store is the MongoDB backend.
type Store struct {
	client *mongo.Client
	col    *mongo.Collection
	owned  bool
	logger *slog.Logger
}

// Connect dials uri, ensures indexes and returns a store that closes the
// client on Close.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	s, err := New(ctx, client, database)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps a caller-owned client.
func New(ctx context.Context, client *mongo.Client, database string) (*Store, error) {
	if database == "" {
		database = DefaultDatabase
	}
	s := &Store{
		client: client,
		col:    client.Database(database).Collection(colJobs),
		logger: slog.Default(),
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the unique id index and the claim index.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// claim index: state + next_run_at + created_at
			Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "next_run_at", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("mongostore: migrate indexes: %w", err)
	}
	return nil
}

// ── translation ──────────────────────────────────────────────────

func filterDoc(f storage.Filter) bson.M {
	and := bson.A{}
	if f.ID != "" {
		and = append(and, bson.M{"id": f.ID})
	}
	if len(f.States) > 0 {
		states := bson.A{}
		for _, st := range f.States {
			states = append(states, string(st))
		}
		and = append(and, bson.M{"state": bson.M{"$in": states}})
	}
	if f.LeaseHolder != "" {
		and = append(and, bson.M{"lease.workerId": f.LeaseHolder})
	}
	if !f.DueBy.IsZero() {
		and = append(and, bson.M{"$or": bson.A{
			bson.M{"next_run_at": nil},
			bson.M{"next_run_at": bson.M{"$lte": f.DueBy}},
		}})
	}
	if !f.LeaseExpiredBy.IsZero() {
		and = append(and, bson.M{"$or": bson.A{
			bson.M{"lease": nil},
			bson.M{"lease.lease_until": bson.M{"$lt": f.LeaseExpiredBy}},
		}})
	}
	if len(and) == 0 {
		return bson.M{}
	}
	return bson.M{"$and": and}
}

func updateDoc(m storage.Mutation) bson.M {
	set := bson.M{}
	unset := bson.M{}
	if m.State != "" {
		set["state"] = string(m.State)
	}
	if m.ClearLease {
		unset["lease"] = ""
	}
	if m.Lease != nil {
		delete(unset, "lease")
		set["lease"] = m.Lease
	}
	if m.ClearNextRunAt {
		unset["next_run_at"] = ""
	}
	if m.Reset {
		set["attempts"] = 0
		for _, k := range []string{"exit_code", "error", "stdout_tail", "stderr_tail"} {
			unset[k] = ""
		}
	}
	if !m.UpdatedAt.IsZero() {
		set["updated_at"] = m.UpdatedAt
	}
	doc := bson.M{}
	if len(set) > 0 {
		doc["$set"] = set
	}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}
	return doc
}

func sortOrder() bson.D {
	return bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}}
}

// decode normalizes times to UTC; the driver returns local time.
func decode(raw interface{ Decode(any) error }) (*types.Job, error) {
	var j types.Job
	if err := raw.Decode(&j); err != nil {
		return nil, err
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if j.NextRunAt != nil {
		t := j.NextRunAt.UTC()
		j.NextRunAt = &t
	}
	if j.Lease != nil {
		j.Lease.LeaseUntil = j.Lease.LeaseUntil.UTC()
	}
	return &j, nil
}

// ── storage.Store ────────────────────────────────────────────────

// Insert relies on the unique id index for duplicate detection.
func (s *Store) Insert(ctx context.Context, job *types.Job) error {
	if _, err := s.col.InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", storage.ErrDuplicate, job.ID)
		}
		return fmt.Errorf("mongostore: insert %s: %w", job.ID, err)
	}
	return nil
}

// Put replaces the whole document, inserting when absent.
func (s *Store) Put(ctx context.Context, job *types.Job) error {
	_, err := s.col.ReplaceOne(ctx, bson.M{"id": job.ID}, job, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: put %s: %w", job.ID, err)
	}
	return nil
}

// PutIf replaces the document only while it still matches f; the filter and
// the replacement are one server-side operation.
func (s *Store) PutIf(ctx context.Context, f storage.Filter, job *types.Job) (bool, error) {
	guarded := f
	guarded.ID = job.ID
	res, err := s.col.ReplaceOne(ctx, filterDoc(guarded), job)
	if err != nil {
		return false, fmt.Errorf("mongostore: put %s: %w", job.ID, err)
	}
	return res.MatchedCount == 1, nil
}

// Get loads one job.
func (s *Store) Get(ctx context.Context, id string) (*types.Job, error) {
	j, err := decode(s.col.FindOne(ctx, bson.M{"id": id}))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get %s: %w", id, err)
	}
	return j, nil
}

// Delete removes one job.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.col.DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return fmt.Errorf("mongostore: delete %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// ClaimNext is one FindOneAndUpdate sorted oldest-first.
func (s *Store) ClaimNext(ctx context.Context, f storage.Filter, m storage.Mutation) (*types.Job, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(sortOrder())
	j, err := decode(s.col.FindOneAndUpdate(ctx, filterDoc(f), updateDoc(m), opts))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: claim: %w", err)
	}
	return j, nil
}

// FindAll lists matching jobs ordered by created_at, id.
func (s *Store) FindAll(ctx context.Context, f storage.Filter) ([]*types.Job, error) {
	cursor, err := s.col.Find(ctx, filterDoc(f), options.Find().SetSort(sortOrder()))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []*types.Job
	for cursor.Next(ctx) {
		j, err := decode(cursor)
		if err != nil {
			return nil, fmt.Errorf("mongostore: decode: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: cursor: %w", err)
	}
	return jobs, nil
}

// UpdateMany applies the mutation server-side.
func (s *Store) UpdateMany(ctx context.Context, f storage.Filter, m storage.Mutation) (int, error) {
	update := updateDoc(m)
	if len(update) == 0 {
		return 0, nil
	}
	res, err := s.col.UpdateMany(ctx, filterDoc(f), update)
	if err != nil {
		return 0, fmt.Errorf("mongostore: update many: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// CountByState aggregates by state.
func (s *Store) CountByState(ctx context.Context) (map[types.JobState]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$state"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongostore: count: %w", err)
	}
	defer cursor.Close(ctx)

	counts := map[types.JobState]int{}
	for cursor.Next(ctx) {
		var row struct {
			State string `bson:"_id"`
			N     int    `bson:"n"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		counts[types.JobState(row.State)] = row.N
	}
	return counts, cursor.Err()
}

// Close disconnects the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
