package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Job statuses. Transitions only move forward: processing → completed or
// processing → failed.
const (
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job tracks the progress of one upload request.
type Job struct {
	JobID     string    `bson:"job_id" json:"job_id"`
	Total     int       `bson:"total" json:"total"`
	Completed int       `bson:"completed" json:"completed"`
	Status    string    `bson:"status" json:"status"`
	LastError *string   `bson:"last_error" json:"last_error"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// CreateJob inserts a new job record.
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateJob applies a partial last-write-wins update to the job record.
// Only the provided fields are written.
func (s *Store) UpdateJob(ctx context.Context, jobID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	filter := bson.M{"job_id": jobID}
	if _, err := s.jobs.UpdateOne(ctx, filter, bson.M{"$set": bson.M(fields)}); err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	return nil
}

// GetJob returns the job record, or nil when the id is unknown.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.jobs.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &job, nil
}
