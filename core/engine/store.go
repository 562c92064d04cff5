package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobRecordKeyPrefix = "job:record:"
	jobRecentKey       = "job:recent"
	jobRecentKeep      = 1000
)

// JobRecord is the persisted snapshot of a job, written on every transition.
// Monitor instances serve job views from these records without holding the
// live job.
type JobRecord struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	JobType     string         `json:"job_type"`
	Status      string         `json:"status"`
	Args        []any          `json:"args"`
	Kwargs      map[string]any `json:"kwargs"`
	Condition   *WireCondition `json:"condition,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	SubmittedAt *time.Time     `json:"submitted_at,omitempty"`
	StoppedAt   *time.Time     `json:"stopped_at,omitempty"`
}

// Record snapshots the job for persistence.
func (j *Job) Record() JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := JobRecord{
		ID:      j.ID,
		Name:    j.Name,
		JobType: string(j.JobType),
		Status:  string(j.status),
		Args:    j.Args,
		Kwargs:  j.Kwargs,
	}
	if j.Condition != nil {
		wire := j.Condition.Wire()
		rec.Condition = &wire
	}
	if len(j.attrs) > 0 {
		attrs := make(map[string]any, len(j.attrs))
		for k, v := range j.attrs {
			attrs[k] = v
		}
		rec.Attrs = attrs
	}
	rec.CreatedAt = timePtr(j.createdAt)
	rec.SubmittedAt = timePtr(j.submittedAt)
	rec.StoppedAt = timePtr(j.stoppedAt)
	return rec
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	out := t
	return &out
}

// RedisJobStore implements RecordStore backed by Redis.
type RedisJobStore struct {
	client *redis.Client
}

// NewRedisJobStore dials Redis at the provided URL.
func NewRedisJobStore(url string) (*RedisJobStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisJobStore{client: redis.NewClient(opts)}, nil
}

// Close releases the Redis connection pool.
func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

// Ping checks store health.
func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SaveRecord upserts a job record and refreshes the recency index.
func (s *RedisJobStore) SaveRecord(ctx context.Context, rec JobRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("job record has no id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	now := time.Now().Unix()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobRecordKey(rec.ID), data, 0)
	pipe.ZAdd(ctx, jobRecentKey, redis.Z{Score: float64(now), Member: rec.ID})
	pipe.ZRemRangeByRank(ctx, jobRecentKey, 0, -(jobRecentKeep + 1))
	_, err = pipe.Exec(ctx)
	return err
}

// GetRecord fetches one job record; fails with ErrJobNotFound.
func (s *RedisJobStore) GetRecord(ctx context.Context, jobID string) (JobRecord, error) {
	data, err := s.client.Get(ctx, jobRecordKey(jobID)).Bytes()
	if err == redis.Nil {
		return JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return JobRecord{}, err
	}
	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return JobRecord{}, fmt.Errorf("unmarshal job record: %w", err)
	}
	return rec, nil
}

// ListRecords returns the most recent job records, newest first.
func (s *RedisJobStore) ListRecords(ctx context.Context, limit int64) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, jobRecentKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]JobRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetRecord(ctx, id)
		if err != nil {
			// Record trimmed or expired after the index read; skip it.
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteRecord removes a job record and its index entry.
func (s *RedisJobStore) DeleteRecord(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobRecordKey(jobID))
	pipe.ZRem(ctx, jobRecentKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

func jobRecordKey(jobID string) string {
	return jobRecordKeyPrefix + jobID
}
