// Package testutil holds fixtures shared by the pipeline package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/campaign-pipeline/internal/channel"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/internal/repository"
	"github.com/nimasrn/campaign-pipeline/pkg/pg"
	"github.com/nimasrn/campaign-pipeline/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const TenantID = "tenant-1"

// NewDB opens a private in-memory sqlite database with the pipeline schema.
func NewDB(t *testing.T) *pg.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, repository.AutoMigrate(db))
	return pg.New(db, db)
}

var (
	redisSeq    atomic.Int64
	templateSeq atomic.Int64
)

// NewRedis starts a miniredis server and a fresh adapter bound to it.
func NewRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	t.Helper()
	mr := miniredis.RunT(t)
	connName := fmt.Sprintf("%s-%s-%d", t.Name(), mr.Addr(), redisSeq.Add(1))
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return mr, adapter
}

type Stores struct {
	DB        *pg.DB
	Campaigns *repository.CampaignRepository
	Runs      *repository.CampaignRunRepository
	Jobs      *repository.DeliveryJobRepository
	Templates *repository.TemplateRepository
}

func NewStores(t *testing.T) *Stores {
	db := NewDB(t)
	return &Stores{
		DB:        db,
		Campaigns: repository.NewCampaignRepository(db),
		Runs:      repository.NewCampaignRunRepository(db),
		Jobs:      repository.NewDeliveryJobRepository(db),
		Templates: repository.NewTemplateRepository(db),
	}
}

// Campaign stores a DRAFT campaign on ch together with its template version.
func (s *Stores) Campaign(t *testing.T, ch model.Channel, mutate ...func(*model.Campaign)) *model.Campaign {
	t.Helper()
	ctx := context.Background()

	tv := &model.TemplateVersion{
		ID:       fmt.Sprintf("tv-%d", templateSeq.Add(1)),
		TenantID: TenantID,
		Name:     "welcome",
		Channel:  ch,
		Subject:  "Hello {{first_name}}",
		Title:    "Hi {{first_name}}",
		HTMLBody: "<p>Hello {{first_name}} from {{campaign.name}}</p>",
		TextBody: "Hello {{first_name}} from {{campaign.name}}",
	}
	require.NoError(t, s.Templates.Create(ctx, tv))

	c := &model.Campaign{
		TenantID:          TenantID,
		Name:              "spring sale",
		Channel:           ch,
		Status:            model.CampaignStatusDraft,
		SegmentID:         "segment-1",
		TemplateVersionID: tv.ID,
		Metadata:          map[string]string{"season": "spring"},
	}
	for _, fn := range mutate {
		fn(c)
	}
	require.NoError(t, s.Campaigns.Create(ctx, c))
	return c
}

// Run stores a RUNNING run of c and moves the campaign to RUNNING.
func (s *Stores) Run(t *testing.T, c *model.Campaign, total int64) *model.CampaignRun {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	run := &model.CampaignRun{
		CampaignID:      c.ID,
		TenantID:        c.TenantID,
		Status:          model.RunStatusRunning,
		TotalRecipients: total,
		StartedAt:       &now,
	}
	require.NoError(t, s.Runs.Create(ctx, run))
	_, err := s.Campaigns.MarkRunning(ctx, c.ID, run.ID)
	require.NoError(t, err)
	return run
}

// Job stores a QUEUED job of run for contactID.
func (s *Stores) Job(t *testing.T, c *model.Campaign, run *model.CampaignRun, contactID string) *model.DeliveryJob {
	t.Helper()
	job := &model.DeliveryJob{
		CampaignID:        c.ID,
		CampaignRunID:     run.ID,
		TenantID:          c.TenantID,
		ContactID:         contactID,
		Channel:           c.Channel,
		TemplateVersionID: c.TemplateVersionID,
		Status:            model.JobStatusQueued,
		CorrelationID:     fmt.Sprintf("run-%d-%s", run.ID, contactID),
	}
	require.NoError(t, s.Jobs.Create(context.Background(), job))
	return job
}

func (s *Stores) ReloadJob(t *testing.T, id int64) *model.DeliveryJob {
	t.Helper()
	job, err := s.Jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (s *Stores) ReloadRun(t *testing.T, id int64) *model.CampaignRun {
	t.Helper()
	run, err := s.Runs.Get(context.Background(), id)
	require.NoError(t, err)
	return run
}

func (s *Stores) ReloadCampaign(t *testing.T, id int64) *model.Campaign {
	t.Helper()
	c, err := s.Campaigns.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

// Contacts is an in-memory contact and segment store.
type Contacts struct {
	mu       sync.RWMutex
	contacts map[string]model.ContactRef
	segments map[string][]string
	Err      error
}

func NewContacts(contacts ...model.ContactRef) *Contacts {
	c := &Contacts{
		contacts: make(map[string]model.ContactRef),
		segments: make(map[string][]string),
	}
	for _, ref := range contacts {
		c.Put(ref)
	}
	return c
}

// Put stores ref and adds it to "segment-1".
func (c *Contacts) Put(ref model.ContactRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts[ref.ID] = ref
	c.segments["segment-1"] = append(c.segments["segment-1"], ref.ID)
}

func (c *Contacts) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.contacts, id)
}

func (c *Contacts) ResolveAudience(_ context.Context, _, segmentID string) ([]model.ContactRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Err != nil {
		return nil, c.Err
	}
	var out []model.ContactRef
	for _, id := range c.segments[segmentID] {
		if ref, ok := c.contacts[id]; ok {
			out = append(out, ref)
		} else {
			out = append(out, model.ContactRef{ID: id})
		}
	}
	return out, nil
}

func (c *Contacts) GetContact(_ context.Context, _, contactID string) (*model.ContactRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.contacts[contactID]
	if !ok {
		return nil, model.ErrContactNotFound
	}
	return &ref, nil
}

// Sender is a scripted channel sender. Results are returned in order; the
// last one repeats once the script is exhausted. An empty script succeeds.
type Sender struct {
	mu      sync.Mutex
	channel model.Channel
	results []model.SendResult
	calls   []model.Recipient
	Delay   time.Duration
	PanicOn string
	// OnSend, when set, runs before each send.
	OnSend func(model.Recipient)
}

func NewSender(ch model.Channel, results ...model.SendResult) *Sender {
	return &Sender{channel: ch, results: results}
}

func (s *Sender) Channel() model.Channel {
	return s.channel
}

func (s *Sender) ValidateRecipient(r model.Recipient) error {
	return channel.ValidateAddress(s.channel, r.Address)
}

func (s *Sender) Send(ctx context.Context, r model.Recipient, _ *model.RenderedContent) model.SendResult {
	if s.OnSend != nil {
		s.OnSend(r)
	}
	if s.PanicOn != "" && r.ContactID == s.PanicOn {
		panic("sender exploded for " + r.ContactID)
	}
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return model.Failed(model.NewSendError(model.CodeTimeout, ctx.Err().Error()))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.calls)
	s.calls = append(s.calls, r)
	if len(s.results) == 0 {
		return model.Sent(fmt.Sprintf("msg-%s-%d", r.ContactID, n))
	}
	if n >= len(s.results) {
		return s.results[len(s.results)-1]
	}
	return s.results[n]
}

func (s *Sender) Calls() []model.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Recipient, len(s.calls))
	copy(out, s.calls)
	return out
}
