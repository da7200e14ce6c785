package aggregator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_Record(t *testing.T) {
	stores := testutil.NewStores(t)
	agg := New(stores.DB, stores.Runs)
	ctx := context.Background()

	c := stores.Campaign(t, model.ChannelEmail)
	run := stores.Run(t, c, 3)

	got, err := agg.Record(ctx, run.ID, DeltaFor(model.JobStatusSent))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ProcessedCount)
	assert.False(t, Done(got))

	_, err = agg.Record(ctx, run.ID, DeltaFor(model.JobStatusSkipped))
	require.NoError(t, err)
	got, err = agg.Record(ctx, run.ID, DeltaFor(model.JobStatusDead))
	require.NoError(t, err)

	assert.True(t, Done(got))
	assert.Equal(t, model.RunCounts{Sent: 1, Failed: 1, Skipped: 1}, got.Counts())
	assert.Equal(t, got.Counts().Processed(), got.ProcessedCount)
}

func TestAggregator_RecordUnknownRun(t *testing.T) {
	stores := testutil.NewStores(t)
	agg := New(stores.DB, stores.Runs)

	_, err := agg.Record(context.Background(), 404, model.RunDelta{Sent: 1})
	assert.Error(t, err)
}

func TestAggregator_ZeroDeltaOnlyReads(t *testing.T) {
	stores := testutil.NewStores(t)
	agg := New(stores.DB, stores.Runs)
	c := stores.Campaign(t, model.ChannelSMS)
	run := stores.Run(t, c, 2)

	got, err := agg.Record(context.Background(), run.ID, DeltaFor(model.JobStatusRetrying))
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ProcessedCount)
}

func TestAggregator_ExactlyOneObserverSeesCompletion(t *testing.T) {
	stores := testutil.NewStores(t)
	agg := New(stores.DB, stores.Runs)
	c := stores.Campaign(t, model.ChannelEmail)
	run := stores.Run(t, c, 10)

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := agg.Record(context.Background(), run.ID, model.RunDelta{Sent: 1})
			if assert.NoError(t, err) && Done(got) {
				done.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), done.Load())
	assert.Equal(t, int64(10), stores.ReloadRun(t, run.ID).ProcessedCount)
}

func TestDone(t *testing.T) {
	tests := []struct {
		name string
		run  *model.CampaignRun
		want bool
	}{
		{"nil", nil, false},
		{"incomplete", &model.CampaignRun{Status: model.RunStatusRunning, TotalRecipients: 2, ProcessedCount: 1}, false},
		{"complete", &model.CampaignRun{Status: model.RunStatusRunning, TotalRecipients: 2, ProcessedCount: 2}, true},
		{"cancelled", &model.CampaignRun{Status: model.RunStatusCancelled, TotalRecipients: 2, ProcessedCount: 2}, false},
		{"already completed", &model.CampaignRun{Status: model.RunStatusCompleted, TotalRecipients: 2, ProcessedCount: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Done(tt.run))
		})
	}
}
