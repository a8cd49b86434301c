package schedule

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/postpulse/errors"
)

// fakeClock is a settable clock. Advance moves it forward.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakePublisher returns canned outcomes and records requests
type fakePublisher struct {
	mu       sync.Mutex
	outcome  *PublishOutcome
	err      error
	panicMsg string
	delay    time.Duration
	requests []PublishRequest
	// onPublish runs inside Publish, before it returns
	onPublish func(req PublishRequest)
}

func (p *fakePublisher) Publish(ctx context.Context, req PublishRequest) (*PublishOutcome, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	outcome, err, panicMsg, delay, hook := p.outcome, p.err, p.panicMsg, p.delay, p.onPublish
	p.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return outcome, err
}

func (p *fakePublisher) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type publishedMark struct {
	NoteID  string
	NoteURL string
}

// fakePosts is an in-memory PayloadRepository
type fakePosts struct {
	mu        sync.Mutex
	payloads  map[int64]*Payload
	published map[int64]publishedMark
}

func newFakePosts(payloads ...*Payload) *fakePosts {
	fp := &fakePosts{payloads: map[int64]*Payload{}, published: map[int64]publishedMark{}}
	for _, p := range payloads {
		fp.payloads[p.PostID] = p
	}
	return fp
}

func (f *fakePosts) GetPayload(_ context.Context, postID int64) (*Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[postID]
	if !ok {
		return nil, errors.NewNotFoundError("post %d not found", postID)
	}
	cp := *p
	return &cp, nil
}

func (f *fakePosts) MarkPublished(_ context.Context, postID int64, noteID, noteURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[postID] = publishedMark{NoteID: noteID, NoteURL: noteURL}
	return nil
}

func (f *fakePosts) mark(postID int64) (publishedMark, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.published[postID]
	return m, ok
}

// recordingBroadcaster captures execution events
type recordingBroadcaster struct {
	mu       sync.Mutex
	started  []string
	finished []*ExecutionLogEntry
}

func (b *recordingBroadcaster) BroadcastExecutionStarted(job *Job, executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, executionID)
}

func (b *recordingBroadcaster) BroadcastExecutionFinished(job *Job, entry *ExecutionLogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = append(b.finished, entry)
}

func imagePost(id int64) *Payload {
	return &Payload{
		PostID:  id,
		Title:   "Autumn tea notes",
		Content: "Osmanthus oolong, second steep.",
		Images:  []string{"/data/images/tea-1.jpg"},
		Tags:    []string{"tea"},
	}
}

// harness wires an engine, stores and service over one test database
type harness struct {
	db        *sql.DB
	clock     *fakeClock
	publisher *fakePublisher
	posts     *fakePosts
	jobs      *Store
	logs      *ExecutionStore
	history   *HistoryStore
	engine    *Engine
	service   *Service
	ticker    *Ticker
	events    *recordingBroadcaster
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	db := createTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	h := &harness{
		db:        db,
		clock:     newFakeClock(now),
		publisher: &fakePublisher{outcome: &PublishOutcome{Success: true, NoteID: "note-1", NoteURL: "https://www.xiaohongshu.com/explore/note-1"}},
		posts:     newFakePosts(imagePost(1)),
		jobs:      NewStore(db),
		logs:      NewExecutionStore(db),
		history:   NewHistoryStore(db),
		events:    &recordingBroadcaster{},
	}
	calc := NewCalculator(time.UTC)
	h.engine = NewEngine(EngineDeps{
		Jobs:        h.jobs,
		Logs:        h.logs,
		History:     h.history,
		Posts:       h.posts,
		Publisher:   h.publisher,
		Calculator:  calc,
		Retry:       NewRetryPolicy(nil),
		Clock:       h.clock,
		Broadcaster: h.events,
	}, DefaultEngineConfig(), log)
	h.service = NewService(h.jobs, h.logs, h.engine, calc, h.clock, log)
	h.ticker = NewTicker(h.jobs, h.engine, h.clock, DefaultTickerConfig(), log)
	return h
}

func (h *harness) create(t *testing.T, req CreateScheduleRequest) *Job {
	t.Helper()
	job, err := h.service.CreateSchedule(context.Background(), req)
	require.NoError(t, err)
	return job
}

func (h *harness) reload(t *testing.T, id string) *Job {
	t.Helper()
	job, err := h.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func insertPostRow(t *testing.T, db *sql.DB, title, status string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO posts (title, content, images, status, created_at) VALUES (?, '', '["a.jpg"]', ?, ?)`,
		title, status, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func timePtr(t time.Time) *time.Time { return &t }
