package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/nimasrn/campaign-pipeline/pkg/redis"
)

var (
	ErrAlreadyProcessed = errors.New("job already processed")
	ErrLockHeld         = errors.New("job is locked by another worker")
)

type LockConfig struct {
	LockTTL time.Duration

	ProcessedTTL time.Duration

	LockKeyPrefix string

	ProcessedKeyPrefix string
}

func DefaultLockConfig() LockConfig {
	return LockConfig{
		LockTTL:            2 * time.Minute,
		ProcessedTTL:       24 * time.Hour,
		LockKeyPrefix:      "job:lock:",
		ProcessedKeyPrefix: "job:processed:",
	}
}

// JobLockService keeps two workers from running the same job at the same
// time and remembers finished jobs so redelivered refs are acked cheaply.
// The job store stays the source of truth; the lock only saves work.
type JobLockService struct {
	redis  redis.RedisAdapter
	config LockConfig
}

func NewJobLockService(redisAdapter redis.RedisAdapter, config LockConfig) *JobLockService {
	return &JobLockService{
		redis:  redisAdapter,
		config: config,
	}
}

// JobLock is one worker's hold on a job. The token tells it apart from a
// later holder once the TTL has lapsed.
type JobLock struct {
	JobID    int64
	token    []byte
	acquired bool
}

func (s *JobLockService) lockKey(jobID int64) string {
	return s.config.LockKeyPrefix + strconv.FormatInt(jobID, 10)
}

func (s *JobLockService) processedKey(jobID int64) string {
	return s.config.ProcessedKeyPrefix + strconv.FormatInt(jobID, 10)
}

func (s *JobLockService) Acquire(ctx context.Context, jobID int64) (*JobLock, error) {
	exists, err := s.redis.Exist(ctx, s.processedKey(jobID))
	if err != nil {
		// the store still rejects duplicate transitions
		logger.Warn("Failed to check processed marker", "job_id", jobID, "error", err)
	} else if exists > 0 {
		return nil, ErrAlreadyProcessed
	}

	token := []byte(uuid.NewString())
	acquired, err := s.redis.SetNX(ctx, s.lockKey(jobID), token, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lock for job %d: %w", jobID, err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	return &JobLock{JobID: jobID, token: token, acquired: true}, nil
}

// MarkDone sets the processed marker and drops the lock.
func (s *JobLockService) MarkDone(ctx context.Context, lock *JobLock) error {
	if err := s.redis.Set(ctx, s.processedKey(lock.JobID), []byte("1"), s.config.ProcessedTTL); err != nil {
		return fmt.Errorf("mark job %d processed: %w", lock.JobID, err)
	}
	return s.Release(ctx, lock)
}

func (s *JobLockService) Release(ctx context.Context, lock *JobLock) error {
	if lock == nil || !lock.acquired {
		return nil
	}
	released, err := s.redis.DelIfEqual(ctx, s.lockKey(lock.JobID), lock.token)
	if err != nil {
		logger.Warn("Failed to release job lock", "job_id", lock.JobID, "error", err)
		return err
	}
	lock.acquired = false
	if !released {
		logger.Warn("Job lock expired before release", "job_id", lock.JobID)
	}
	return nil
}

func (s *JobLockService) IsProcessed(ctx context.Context, jobID int64) (bool, error) {
	exists, err := s.redis.Exist(ctx, s.processedKey(jobID))
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}
