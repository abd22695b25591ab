package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"studypipe/internal/chunker"
	"studypipe/internal/config"
)

// indexKeySpecsConflict is the MongoDB server code returned when an index
// with the same name exists with different options. Treated as success.
const indexKeySpecsConflict = 86

// ValidationError marks a request that the store refuses to persist, such as
// a chunk whose embedding has the wrong dimension.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// FileSummary is the per-file record in the files collection.
type FileSummary struct {
	Filename string `bson:"filename" json:"filename"`
	Summary  string `bson:"summary" json:"summary"`
}

// Store wraps the MongoDB collections used by the pipeline.
type Store struct {
	client    *mongo.Client
	chunks    *mongo.Collection
	files     *mongo.Collection
	jobs      *mongo.Collection
	batchSize int
}

// New connects to MongoDB and returns a Store. The caller should Ping to
// verify the connection before serving traffic.
func New(ctx context.Context, uri, dbName string, insertBatchSize int) (*Store, error) {
	if uri == "" {
		return nil, errors.New("MONGO_URI is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	db := client.Database(dbName)
	if insertBatchSize <= 0 {
		insertBatchSize = 200
	}
	return &Store{
		client:    client,
		chunks:    db.Collection("chunks"),
		files:     db.Collection("files"),
		jobs:      db.Collection("jobs"),
		batchSize: insertBatchSize,
	}, nil
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the composite (user_id, project_id, filename) indexes
// on the chunks and files collections, plus a job_id index on jobs. An index
// that already exists with different options is treated as success.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	triple := mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "project_id", Value: 1},
			{Key: "filename", Value: 1},
		},
	}
	for _, coll := range []*mongo.Collection{s.chunks, s.files} {
		if _, err := coll.Indexes().CreateOne(ctx, triple); err != nil && !isIndexConflict(err) {
			return fmt.Errorf("create index on %s: %w", coll.Name(), err)
		}
	}
	jobIdx := mongo.IndexModel{Keys: bson.D{{Key: "job_id", Value: 1}}}
	if _, err := s.jobs.Indexes().CreateOne(ctx, jobIdx); err != nil && !isIndexConflict(err) {
		return fmt.Errorf("create index on jobs: %w", err)
	}
	return nil
}

func isIndexConflict(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorCode(indexKeySpecsConflict)
	}
	return false
}

// StoreChunks bulk-inserts cards in unordered batches so one bad record does
// not abort the rest of its batch. Every embedding must have the expected
// dimension; otherwise nothing is inserted and a ValidationError is returned.
func (s *Store) StoreChunks(ctx context.Context, cards []chunker.Card) error {
	if len(cards) == 0 {
		return nil
	}
	if err := ValidateDimensions(cards, config.VectorDim); err != nil {
		return err
	}
	for _, batch := range SplitBatches(len(cards), s.batchSize) {
		docs := make([]interface{}, 0, batch.End-batch.Start)
		for _, c := range cards[batch.Start:batch.End] {
			docs = append(docs, c)
		}
		opts := options.InsertMany().SetOrdered(false)
		if _, err := s.chunks.InsertMany(ctx, docs, opts); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
	}
	log.Printf("Inserted %d cards into MongoDB", len(cards))
	return nil
}

// ValidateDimensions checks every card's embedding length against dim.
func ValidateDimensions(cards []chunker.Card, dim int) error {
	for _, c := range cards {
		if len(c.Embedding) != dim {
			return &ValidationError{
				Msg: fmt.Sprintf("invalid embedding length for %s: got %d, expected %d", c.CardID, len(c.Embedding), dim),
			}
		}
	}
	return nil
}

// Batch is a half-open [Start, End) range over a slice.
type Batch struct {
	Start int
	End   int
}

// SplitBatches partitions n items into batches of at most size.
func SplitBatches(n, size int) []Batch {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	var out []Batch
	for i := 0; i < n; i += size {
		end := i + size
		if end > n {
			end = n
		}
		out = append(out, Batch{Start: i, End: end})
	}
	return out
}

// UpsertFileSummary updates or inserts the summary for a file.
func (s *Store) UpsertFileSummary(ctx context.Context, userID, projectID, filename, summary string) error {
	filter := bson.M{"user_id": userID, "project_id": projectID, "filename": filename}
	update := bson.M{"$set": bson.M{"summary": summary}}
	_, err := s.files.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert file summary: %w", err)
	}
	log.Printf("Upserted summary for %s (user %s, project %s)", filename, userID, projectID)
	return nil
}

// ListFiles returns the file summaries for a project, sorted by filename.
func (s *Store) ListFiles(ctx context.Context, userID, projectID string) ([]FileSummary, error) {
	filter := bson.M{"user_id": userID, "project_id": projectID}
	opts := options.Find().
		SetProjection(bson.M{"_id": 0, "filename": 1, "summary": 1}).
		SetSort(bson.D{{Key: "filename", Value: 1}})
	cur, err := s.files.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer cur.Close(ctx)
	var out []FileSummary
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return out, nil
}

// GetFileChunks returns up to limit chunks for a file in insertion order.
// ObjectIDs are stringified and timestamps normalized to ISO-8601 so the
// result is directly JSON-serializable.
func (s *Store) GetFileChunks(ctx context.Context, userID, projectID, filename string, limit int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = 20
	}
	filter := bson.M{"user_id": userID, "project_id": projectID, "filename": filename}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.chunks.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("get file chunks: %w", err)
	}
	defer cur.Close(ctx)

	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("decode chunks: %w", err)
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, doc := range raw {
		out = append(out, serializeDoc(doc))
	}
	return out, nil
}

func serializeDoc(doc bson.M) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case primitive.ObjectID:
			out[k] = val.Hex()
		case primitive.DateTime:
			out[k] = val.Time().UTC().Format(time.RFC3339)
		case time.Time:
			out[k] = val.UTC().Format(time.RFC3339)
		default:
			out[k] = v
		}
	}
	return out
}

// DeleteFileData removes all chunks and the summary for a file. Idempotent.
func (s *Store) DeleteFileData(ctx context.Context, userID, projectID, filename string) error {
	filter := bson.M{"user_id": userID, "project_id": projectID, "filename": filename}
	if _, err := s.chunks.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := s.files.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete file summary: %w", err)
	}
	return nil
}
