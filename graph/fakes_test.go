package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/postgraph/graph/emit"
	"github.com/dshills/postgraph/graph/store"
)

const testArticleURL = "https://example.com/posts/go-checkpoints"

func articleText() string {
	return strings.Repeat("Checkpointed state machines make long workflows resumable. ", 40)
}

type fakeScraper struct {
	mu      sync.Mutex
	article Article
	err     error
	calls   int
	block   bool

	// gate, when set, holds Fetch until it is closed.
	gate chan struct{}
}

func newFakeScraper() *fakeScraper {
	return &fakeScraper{article: Article{
		Title: "Resumable Workflows",
		Text:  articleText(),
		Assets: []Asset{
			{URL: "https://cdn.other.net/banner.png", AltText: "banner", Width: 2000, Height: 1000},
			{URL: "https://example.com/img/diagram.png", AltText: "diagram", Width: 800, Height: 600},
			{URL: "https://example.com/img/icon.png", AltText: "icon", Width: 32, Height: 32},
		},
	}}
}

func (f *fakeScraper) Fetch(ctx context.Context, _ string) (Article, error) {
	f.mu.Lock()
	f.calls++
	block, gate := f.block, f.gate
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return Article{}, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Article{}, ctx.Err()
		}
	}
	return f.article, f.err
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls map[Platform]int
	err   error
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{calls: make(map[Platform]int)}
}

func (f *fakeGenerator) Generate(_ context.Context, in GenerationInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls[in.Platform]++
	return fmt.Sprintf("%s draft v%d: %s", in.Platform, f.calls[in.Platform], in.Title), nil
}

func (f *fakeGenerator) count(p Platform) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[p]
}

type fakeAccounts struct {
	mu      sync.Mutex
	valid   map[Platform]bool
	missing map[Platform]bool
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		valid:   map[Platform]bool{PlatformTwitter: true, PlatformLinkedIn: true},
		missing: map[Platform]bool{},
	}
}

func (f *fakeAccounts) setValid(p Platform, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid[p] = ok
}

func (f *fakeAccounts) HasValidToken(_ context.Context, _ string, p Platform, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid[p], nil
}

func (f *fakeAccounts) ResolveDefault(_ context.Context, owner string, p Platform) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[p] {
		return "", false, nil
	}
	return owner + "-" + string(p) + "-default", true, nil
}

type fakeMedia struct {
	err error
}

func (f *fakeMedia) Fetch(_ context.Context, imageURL, _ string) (Media, error) {
	if f.err != nil {
		return Media{}, f.err
	}
	return Media{Data: []byte("png:" + imageURL), ContentType: "image/png", Filename: "image.png"}, nil
}

type fakeDelegate struct {
	mu         sync.Mutex
	uploads    []UploadRequest
	publishes  []PublishRequest
	publishErr map[Platform]error
	uploadErr  map[Platform]error
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{publishErr: map[Platform]error{}, uploadErr: map[Platform]error{}}
}

func (f *fakeDelegate) UploadMedia(_ context.Context, req UploadRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.uploadErr[req.Platform]; err != nil {
		return "", err
	}
	f.uploads = append(f.uploads, req)
	return "media-" + string(req.Platform), nil
}

func (f *fakeDelegate) PublishPost(_ context.Context, req PublishRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.publishErr[req.Platform]; err != nil {
		return "", err
	}
	f.publishes = append(f.publishes, req)
	return fmt.Sprintf("post-%s-%d", req.Platform, len(f.publishes)), nil
}

func (f *fakeDelegate) setPublishErr(p Platform, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr[p] = err
}

func (f *fakeDelegate) counts() (uploads, publishes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads), len(f.publishes)
}

func (f *fakeDelegate) published() []PublishRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PublishRequest(nil), f.publishes...)
}

// harness wires an Engine to in-memory fakes.
type harness struct {
	engine    *Engine
	store     *store.MemStore[State]
	scraper   *fakeScraper
	generator *fakeGenerator
	accounts  *fakeAccounts
	delegate  *fakeDelegate
	media     *fakeMedia
	events    *emit.BufferedEmitter
	clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemStore[State](),
		scraper:   newFakeScraper(),
		generator: newFakeGenerator(),
		accounts:  newFakeAccounts(),
		delegate:  newFakeDelegate(),
		media:     &fakeMedia{},
		events:    emit.NewBufferedEmitter(),
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.build(t, h.store, opts...)
	return h
}

// build (re)creates the harness engine over st.
func (h *harness) build(t *testing.T, st store.Store[State], opts ...Option) {
	t.Helper()
	ids := 0
	base := []Option{
		WithEmitter(h.events),
		WithClock(h.clock.Now),
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("exec-%03d", ids)
		}),
	}
	engine, err := New(st, Collaborators{
		Scraper:     h.scraper,
		Generator:   h.generator,
		Credentials: h.accounts,
		Connections: h.accounts,
		Delegate:    h.delegate,
		Media:       h.media,
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.engine = engine
}

// flakyStore fails saves of checkpoints at failStep while failures remain.
type flakyStore struct {
	*store.MemStore[State]

	mu       sync.Mutex
	failStep Step
	failures int
}

func (f *flakyStore) failNext(step Step, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStep, f.failures = step, n
}

func (f *flakyStore) Save(ctx context.Context, rec store.Record[State]) error {
	f.mu.Lock()
	fail := f.failures > 0 && rec.State.Step == f.failStep
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: connection reset", store.ErrUnavailable)
	}
	return f.MemStore.Save(ctx, rec)
}

// newFlakyHarness is newHarness with an engine over a flakyStore.
func newFlakyHarness(t *testing.T, opts ...Option) (*harness, *flakyStore) {
	t.Helper()
	h := newHarness(t, opts...)
	flaky := &flakyStore{MemStore: h.store}
	h.build(t, flaky, opts...)
	return h, flaky
}

// awaiting creates an execution and requires it to reach awaiting_human.
func (h *harness) awaiting(t *testing.T, owner string) Execution {
	t.Helper()
	x, err := h.engine.Create(context.Background(), owner, testArticleURL)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if x.Status != StatusAwaitingHuman {
		t.Fatalf("Create() status = %s (reason %q), want awaiting_human", x.Status, x.State.TerminateReason)
	}
	return x
}

func (f *fakeScraper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errBoom = errors.New("boom")
