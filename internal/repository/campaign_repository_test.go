package repository

import (
	"context"
	"testing"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCampaign(tenant string, status model.CampaignStatus) *model.Campaign {
	return &model.Campaign{
		TenantID:          tenant,
		Name:              "spring sale",
		Channel:           model.ChannelEmail,
		Status:            status,
		SegmentID:         "seg-1",
		TemplateVersionID: "tv-1",
		Metadata:          map[string]string{"promo": "SPRING"},
	}
}

func TestCampaignRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()

	c := newCampaign("t1", model.CampaignStatusDraft)
	require.NoError(t, repo.Create(ctx, c))
	require.NotZero(t, c.ID)

	t.Run("same tenant", func(t *testing.T) {
		got, err := repo.Get(ctx, "t1", c.ID)
		require.NoError(t, err)
		assert.Equal(t, "spring sale", got.Name)
		assert.Equal(t, "SPRING", got.Metadata["promo"])
	})

	t.Run("other tenant", func(t *testing.T) {
		_, err := repo.Get(ctx, "t2", c.ID)
		assert.ErrorIs(t, err, ErrCampaignNotFound)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := repo.GetByID(ctx, 999)
		assert.ErrorIs(t, err, ErrCampaignNotFound)
	})
}

func TestCampaignRepository_StatusTransitions(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()

	c := newCampaign("t1", model.CampaignStatusScheduled)
	require.NoError(t, repo.Create(ctx, c))

	ok, err := repo.MarkRunning(ctx, c.ID, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkRunning(ctx, c.ID, 43)
	require.NoError(t, err)
	assert.False(t, ok, "running campaign cannot be started again")

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusRunning, got.Status)
	require.NotNil(t, got.LastRunID)
	assert.Equal(t, int64(42), *got.LastRunID)

	ok, err = repo.UpdateStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignStatusDraft}, model.CampaignStatusCancelled)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.UpdateStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignStatusRunning}, model.CampaignStatusCompleted)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCampaignRepository_AddLifetimeCounts(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()

	c := newCampaign("t1", model.CampaignStatusRunning)
	require.NoError(t, repo.Create(ctx, c))

	require.NoError(t, repo.AddLifetimeCounts(ctx, c.ID, model.RunCounts{Sent: 5, Failed: 2, Skipped: 1}))
	require.NoError(t, repo.AddLifetimeCounts(ctx, c.ID, model.RunCounts{Sent: 1}))

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.TotalSent)
	assert.Equal(t, int64(2), got.TotalFailed)
	assert.Equal(t, int64(1), got.TotalSkipped)

	assert.ErrorIs(t, repo.AddLifetimeCounts(ctx, 999, model.RunCounts{Sent: 1}), ErrCampaignNotFound)
}
