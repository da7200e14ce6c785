package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createRun(t *testing.T, repo *CampaignRunRepository, total int64) *model.CampaignRun {
	t.Helper()
	now := time.Now().UTC()
	run := &model.CampaignRun{
		CampaignID:      1,
		TenantID:        "t1",
		Status:          model.RunStatusRunning,
		TotalRecipients: total,
		StartedAt:       &now,
	}
	require.NoError(t, repo.Create(context.Background(), run))
	return run
}

func TestCampaignRunRepository_IncrementCounters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRunRepository(db)
	ctx := context.Background()
	run := createRun(t, repo, 100)

	t.Run("concurrent increments", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				delta := model.RunDelta{Sent: 1}
				switch i % 3 {
				case 1:
					delta = model.RunDelta{Failed: 1}
				case 2:
					delta = model.RunDelta{Skipped: 1}
				}
				assert.NoError(t, repo.IncrementCounters(ctx, run.ID, delta))
			}(i)
		}
		wg.Wait()

		got, err := repo.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(30), got.ProcessedCount)
		assert.Equal(t, int64(10), got.SentCount)
		assert.Equal(t, int64(10), got.FailedCount)
		assert.Equal(t, int64(10), got.SkippedCount)
		assert.Equal(t, got.ProcessedCount, got.Counts().Processed())
	})

	t.Run("missing run", func(t *testing.T) {
		err := repo.IncrementCounters(ctx, 999, model.RunDelta{Sent: 1})
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestCampaignRunRepository_MarkCompletedOnce(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRunRepository(db)
	ctx := context.Background()
	run := createRun(t, repo, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.MarkCompleted(ctx, run.ID, time.Now())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	ok, err := repo.MarkFailed(ctx, run.ID, "late failure", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "completed run cannot fail")

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestCampaignRunRepository_FindActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRunRepository(db)
	ctx := context.Background()

	_, err := repo.FindActiveByCampaign(ctx, 1)
	assert.ErrorIs(t, err, ErrRunNotFound)

	run := createRun(t, repo, 3)
	active, err := repo.FindActiveByCampaign(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, run.ID, active.ID)

	running, err := repo.ListRunning(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	ok, err := repo.MarkCancelled(ctx, run.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.FindActiveByCampaign(ctx, 1)
	assert.ErrorIs(t, err, ErrRunNotFound)
}
