package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/postgraph/graph/emit"
	"github.com/dshills/postgraph/graph/store"
)

func TestNew_Validation(t *testing.T) {
	st := store.NewMemStore[State]()
	full := Collaborators{
		Scraper:     newFakeScraper(),
		Generator:   newFakeGenerator(),
		Credentials: newFakeAccounts(),
		Connections: newFakeAccounts(),
		Delegate:    newFakeDelegate(),
	}

	if _, err := New(nil, full); err == nil {
		t.Errorf("New(nil store) error = nil, want error")
	}
	missing := full
	missing.Delegate = nil
	if _, err := New(st, missing); err == nil {
		t.Errorf("New(no delegate) error = nil, want error")
	}
	if _, err := New(st, full, WithRelevanceThreshold(2)); err == nil {
		t.Errorf("New(threshold 2) error = nil, want error")
	}
	if _, err := New(st, full); err != nil {
		t.Errorf("New() error = %v", err)
	}
}

func TestCreate_ReachesReview(t *testing.T) {
	h := newHarness(t)
	x := h.awaiting(t, "alice")

	if x.OwnerID != "alice" {
		t.Errorf("OwnerID = %q, want alice", x.OwnerID)
	}
	if x.State.Drafts[PlatformTwitter] == "" || x.State.Drafts[PlatformLinkedIn] == "" {
		t.Errorf("drafts = %v, want both platforms", x.State.Drafts)
	}
	if x.State.Image == nil {
		t.Fatalf("Image = nil, want selection")
	}
	if !scrapedAsset(x.State.Image.ImageURL, h.scraper.article.Assets) {
		t.Errorf("image %q not drawn from scraped assets", x.State.Image.ImageURL)
	}
	if x.State.Image.ImageURL != "https://example.com/img/diagram.png" {
		t.Errorf("image = %q, want largest same-host asset", x.State.Image.ImageURL)
	}
	if x.State.Interrupt == nil || x.State.Interrupt.Type != InterruptReviewRequired {
		t.Errorf("Interrupt = %+v, want review_required", x.State.Interrupt)
	}
	if !x.State.Relevant {
		t.Errorf("Relevant = false, want true")
	}

	wantSteps := []string{"ingested", "scraping", "analyzing", "generating_twitter", "generating_linkedin", "selecting_image"}
	if got := h.events.Steps(x.ExecutionID); !reflect.DeepEqual(got, wantSteps) {
		t.Errorf("steps = %v, want %v", got, wantSteps)
	}

	loaded, err := h.engine.Get(context.Background(), x.ExecutionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reflect.DeepEqual(loaded.State, x.State) || loaded.Version != x.Version {
		t.Errorf("Get() = %+v, want %+v", loaded, x)
	}
}

func TestCreate_Terminations(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		setup  func(h *harness)
		reason string
	}{
		{
			name:   "invalid url",
			url:    "ftp://example.com/file",
			reason: ReasonInvalidURL,
		},
		{
			name:   "scrape failure",
			url:    testArticleURL,
			setup:  func(h *harness) { h.scraper.err = errBoom },
			reason: "Scrape failed: boom",
		},
		{
			name:   "short article",
			url:    testArticleURL,
			setup:  func(h *harness) { h.scraper.article.Text = "too short" },
			reason: ReasonTooShort,
		},
		{
			name: "low relevance",
			url:  testArticleURL,
			setup: func(h *harness) {
				h.scraper.article.Text = strings.Repeat("cookie login pricing sign up terms of service ", 14)
			},
			reason: ReasonLowRelevance,
		},
		{
			name:   "generation failure",
			url:    testArticleURL,
			setup:  func(h *harness) { h.generator.err = errBoom },
			reason: "Generation failed for twitter: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, WithRelevanceThreshold(0.5))
			if tt.setup != nil {
				tt.setup(h)
			}
			x, err := h.engine.Create(context.Background(), "alice", tt.url)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if x.Status != StatusTerminated {
				t.Fatalf("Status = %s, want terminated", x.Status)
			}
			if x.State.TerminateReason != tt.reason {
				t.Errorf("TerminateReason = %q, want %q", x.State.TerminateReason, tt.reason)
			}
			if _, publishes := h.delegate.counts(); publishes != 0 {
				t.Errorf("publishes = %d, want 0", publishes)
			}
		})
	}
}

func TestCreate_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.awaiting(t, "alice")
	again, err := h.engine.Create(ctx, "alice", testArticleURL+"/#intro")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if again.ExecutionID != first.ExecutionID {
		t.Errorf("second create = %s, want existing %s", again.ExecutionID, first.ExecutionID)
	}
	if h.scraper.calls != 1 {
		t.Errorf("scrape calls = %d, want 1", h.scraper.calls)
	}

	other, err := h.engine.Create(ctx, "bob", testArticleURL)
	if err != nil {
		t.Fatalf("Create(bob) error = %v", err)
	}
	if other.ExecutionID == first.ExecutionID {
		t.Errorf("different owner reused execution %s", first.ExecutionID)
	}

	if _, err := h.engine.Create(ctx, " ", testArticleURL); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Create(empty owner) error = %v, want ErrInvalidInput", err)
	}
}

func TestResume_ApproveContentAndImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.awaiting(t, "alice")

	done, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{ApproveContent: true, ApproveImage: true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("Status = %s (reason %q), want completed", done.Status, done.State.TerminateReason)
	}
	for _, p := range Platforms {
		res := done.State.Publish[p]
		if res.Status != PublishPublished || res.PostID == "" {
			t.Errorf("publish[%s] = %+v, want published with post id", p, res)
		}
	}
	uploads, publishes := h.delegate.counts()
	if uploads != 2 || publishes != 2 {
		t.Errorf("uploads, publishes = %d, %d, want 2, 2", uploads, publishes)
	}
	for _, req := range h.delegate.published() {
		if req.MediaID != "media-"+string(req.Platform) {
			t.Errorf("%s media id = %q", req.Platform, req.MediaID)
		}
		if req.ConnectionID != "alice-"+string(req.Platform)+"-default" {
			t.Errorf("%s connection = %q, want default", req.Platform, req.ConnectionID)
		}
	}
}

func TestResume_RejectContent(t *testing.T) {
	h := newHarness(t)
	x := h.awaiting(t, "alice")

	got, err := h.engine.Resume(context.Background(), x.ExecutionID, ActionBundle{RejectContent: true, ApproveContent: true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got.Status != StatusTerminated || got.State.TerminateReason != RejectReason {
		t.Errorf("got status %s reason %q, want terminated %q", got.Status, got.State.TerminateReason, RejectReason)
	}
	if uploads, publishes := h.delegate.counts(); uploads+publishes != 0 {
		t.Errorf("delegate calls = %d, want 0", uploads+publishes)
	}
}

func TestResume_RejectImagePublishesText(t *testing.T) {
	h := newHarness(t)
	x := h.awaiting(t, "alice")

	got, err := h.engine.Resume(context.Background(), x.ExecutionID, ActionBundle{ApproveContent: true, ApproveImage: true, RejectImage: true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	uploads, publishes := h.delegate.counts()
	if uploads != 0 || publishes != 2 {
		t.Errorf("uploads, publishes = %d, %d, want 0, 2", uploads, publishes)
	}
	for _, req := range h.delegate.published() {
		if req.MediaID != "" {
			t.Errorf("%s published with media %q", req.Platform, req.MediaID)
		}
	}
	if got.State.ImageSkippedReason != ImageRejectedReason {
		t.Errorf("ImageSkippedReason = %q", got.State.ImageSkippedReason)
	}
}

func TestResume_EditsOverrideDrafts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.awaiting(t, "alice")

	staying, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{
		Edits: map[Platform]string{PlatformLinkedIn: "my own words"},
	})
	if err != nil {
		t.Fatalf("Resume(edits) error = %v", err)
	}
	if staying.Status != StatusAwaitingHuman {
		t.Fatalf("Status = %s, want awaiting_human", staying.Status)
	}
	if staying.State.Drafts[PlatformLinkedIn] != "my own words" {
		t.Errorf("linkedin draft = %q", staying.State.Drafts[PlatformLinkedIn])
	}
	if _, publishes := h.delegate.counts(); publishes != 0 {
		t.Errorf("edits triggered %d publishes", publishes)
	}

	done, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{
		ApproveContent: true,
		Edits:          map[Platform]string{PlatformTwitter: "final tweet"},
		Connections:    map[Platform]string{PlatformTwitter: "alice-tw-2"},
	})
	if err != nil {
		t.Fatalf("Resume(approve) error = %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", done.Status)
	}
	byPlatform := map[Platform]PublishRequest{}
	for _, req := range h.delegate.published() {
		byPlatform[req.Platform] = req
	}
	if byPlatform[PlatformTwitter].Text != "final tweet" || byPlatform[PlatformLinkedIn].Text != "my own words" {
		t.Errorf("published texts = %q, %q", byPlatform[PlatformTwitter].Text, byPlatform[PlatformLinkedIn].Text)
	}
	if byPlatform[PlatformTwitter].ConnectionID != "alice-tw-2" {
		t.Errorf("twitter connection = %q, want explicit selection", byPlatform[PlatformTwitter].ConnectionID)
	}
}

func TestResume_RegenerateTwitter(t *testing.T) {
	h := newHarness(t)
	x := h.awaiting(t, "alice")
	linkedIn := x.State.Drafts[PlatformLinkedIn]
	image := *x.State.Image

	got, err := h.engine.Resume(context.Background(), x.ExecutionID, ActionBundle{RegenerateTwitter: true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got.Status != StatusAwaitingHuman {
		t.Fatalf("Status = %s, want awaiting_human", got.Status)
	}
	if got.State.Drafts[PlatformLinkedIn] != linkedIn {
		t.Errorf("linkedin draft changed: %q -> %q", linkedIn, got.State.Drafts[PlatformLinkedIn])
	}
	if got.State.Drafts[PlatformTwitter] == x.State.Drafts[PlatformTwitter] {
		t.Errorf("twitter draft not replaced: %q", got.State.Drafts[PlatformTwitter])
	}
	if *got.State.Image != image {
		t.Errorf("image changed: %+v", got.State.Image)
	}
	if h.generator.count(PlatformLinkedIn) != 1 || h.generator.count(PlatformTwitter) != 2 {
		t.Errorf("generator calls twitter=%d linkedin=%d, want 2, 1",
			h.generator.count(PlatformTwitter), h.generator.count(PlatformLinkedIn))
	}
	if got.State.Regenerating != "" {
		t.Errorf("Regenerating = %q, want cleared", got.State.Regenerating)
	}
}

func TestResume_AuthRequired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.awaiting(t, "alice")

	h.delegate.setPublishErr(PlatformTwitter, fmt.Errorf("token revoked: %w", ErrAuthRequired))
	parked, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{ApproveContent: true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if parked.Status != StatusAwaitingAuth {
		t.Fatalf("Status = %s, want awaiting_auth", parked.Status)
	}
	if parked.State.PendingStep != StepPublishingTwitter {
		t.Errorf("PendingStep = %s, want publishing_twitter", parked.State.PendingStep)
	}
	if in := parked.State.Interrupt; in == nil || in.Type != InterruptReauthRequired || !reflect.DeepEqual(in.Platforms, []Platform{PlatformTwitter}) {
		t.Errorf("Interrupt = %+v, want reauth for twitter", in)
	}

	inbox, err := h.engine.Inbox(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("Inbox() error = %v", err)
	}
	if len(inbox) != 1 || inbox[0].Status != StatusAwaitingAuth {
		t.Errorf("Inbox() = %+v, want the parked execution", inbox)
	}

	h.delegate.setPublishErr(PlatformTwitter, nil)
	h.events.Clear(x.ExecutionID)
	done, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{})
	if err != nil {
		t.Fatalf("Resume() after reconnect error = %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("Status = %s (reason %q), want completed", done.Status, done.State.TerminateReason)
	}
	want := []string{"publishing_twitter", "publishing_linkedin"}
	if got := h.events.Steps(x.ExecutionID); !reflect.DeepEqual(got, want) {
		t.Errorf("steps after reconnect = %v, want %v", got, want)
	}
	if h.generator.count(PlatformTwitter) != 1 {
		t.Errorf("generation re-ran after reconnect")
	}
}

func TestResume_PreflightMissingToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.awaiting(t, "alice")

	h.accounts.setValid(PlatformLinkedIn, false)
	parked, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{ApproveContent: true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if parked.Status != StatusAwaitingAuth || parked.State.PendingStep != StepPublishingLinkedIn {
		t.Fatalf("got %s pending %s, want awaiting_auth at publishing_linkedin", parked.Status, parked.State.PendingStep)
	}
	if _, publishes := h.delegate.counts(); publishes != 1 {
		t.Errorf("publishes = %d, want only twitter", publishes)
	}

	h.accounts.setValid(PlatformLinkedIn, true)
	done, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", done.Status)
	}
	if _, publishes := h.delegate.counts(); publishes != 2 {
		t.Errorf("publishes = %d, want 2 (twitter not re-sent)", publishes)
	}
}

func TestResume_PublishFailureTerminates(t *testing.T) {
	h := newHarness(t)
	x := h.awaiting(t, "alice")

	h.delegate.setPublishErr(PlatformLinkedIn, errors.New("HTTP 402: insufficient credits"))
	got, err := h.engine.Resume(context.Background(), x.ExecutionID, ActionBundle{ApproveContent: true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got.Status != StatusTerminated {
		t.Fatalf("Status = %s, want terminated", got.Status)
	}
	if got.State.Publish[PlatformLinkedIn].Status != PublishFailed {
		t.Errorf("linkedin result = %+v, want failed", got.State.Publish[PlatformLinkedIn])
	}
	if got.State.TerminateReason != "Publish failed for linkedin: Platform credits depleted" {
		t.Errorf("TerminateReason = %q", got.State.TerminateReason)
	}
	if got.State.Publish[PlatformTwitter].Status != PublishPublished {
		t.Errorf("twitter result lost: %+v", got.State.Publish[PlatformTwitter])
	}
}

func TestResume_ImageDownloadFailurePublishesText(t *testing.T) {
	h := newHarness(t)
	h.media.err = errBoom
	x := h.awaiting(t, "alice")

	got, err := h.engine.Resume(context.Background(), x.ExecutionID, ActionBundle{ApproveContent: true, ApproveImage: true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	if !strings.HasPrefix(got.State.ImageSkippedReason, "Image download failed") {
		t.Errorf("ImageSkippedReason = %q", got.State.ImageSkippedReason)
	}
	if uploads, _ := h.delegate.counts(); uploads != 0 {
		t.Errorf("uploads = %d, want 0", uploads)
	}
}

func TestResume_TerminalAndUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.awaiting(t, "alice")

	done, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{RejectContent: true})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	bundles := []ActionBundle{{ApproveContent: true}, {RejectContent: true}, {}}
	for _, b := range bundles {
		if _, err := h.engine.Resume(ctx, x.ExecutionID, b); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resume(terminal, %+v) error = %v, want ErrNotFound", b, err)
		}
	}
	after, err := h.engine.Get(ctx, x.ExecutionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after.Version != done.Version || !reflect.DeepEqual(after.State, done.State) {
		t.Errorf("terminal execution mutated: version %d -> %d", done.Version, after.Version)
	}

	if _, err := h.engine.Resume(ctx, "missing", ActionBundle{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resume(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := h.engine.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestResume_StoreUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.awaiting(t, "alice")

	h.store.Close()
	_, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{ApproveContent: true})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Resume() error = %v, want ErrStoreUnavailable", err)
	}
	if _, publishes := h.delegate.counts(); publishes != 0 {
		t.Errorf("publishes = %d, want 0", publishes)
	}

	h.store.Reopen()
	got, err := h.engine.Get(ctx, x.ExecutionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusAwaitingHuman || got.Version != x.Version {
		t.Errorf("status %s version %d, want awaiting_human version %d", got.Status, got.Version, x.Version)
	}

	done, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{ApproveContent: true})
	if err != nil || done.Status != StatusCompleted {
		t.Errorf("retry Resume() = %s, %v, want completed", done.Status, err)
	}
}

func TestResume_CheckpointFailureMidCall(t *testing.T) {
	h, flaky := newFlakyHarness(t)
	ctx := context.Background()
	x := h.awaiting(t, "alice")

	flaky.failNext(StepPublishingLinkedIn, 1)
	_, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{ApproveContent: true})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Resume() error = %v, want ErrStoreUnavailable", err)
	}
	if _, publishes := h.delegate.counts(); publishes != 1 {
		t.Fatalf("publishes after failed save = %d, want 1", publishes)
	}
	durable, err := h.engine.Get(ctx, x.ExecutionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if durable.Status != StatusRunning || durable.State.Step != StepPublishingTwitter {
		t.Errorf("durable checkpoint = %s/%s, want running/publishing_twitter", durable.Status, durable.State.Step)
	}

	done, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{ApproveContent: true})
	if err != nil {
		t.Fatalf("retry Resume() error = %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("retry status = %s (reason %q), want completed", done.Status, done.State.TerminateReason)
	}
	perPlatform := map[Platform]int{}
	for _, p := range h.delegate.published() {
		perPlatform[p.Platform]++
	}
	if perPlatform[PlatformTwitter] != 1 || perPlatform[PlatformLinkedIn] != 1 {
		t.Errorf("publishes per platform = %v, want one each", perPlatform)
	}
	if got := done.State.Publish[PlatformTwitter]; got.Status != PublishPublished || got.PostID == "" {
		t.Errorf("twitter result = %+v, want published with post ID", got)
	}
}

func TestCreate_CheckpointFailureMidCall(t *testing.T) {
	h, flaky := newFlakyHarness(t)
	ctx := context.Background()

	flaky.failNext(StepAnalyzing, 1)
	if _, err := h.engine.Create(ctx, "alice", testArticleURL); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Create() error = %v, want ErrStoreUnavailable", err)
	}

	x, err := h.engine.Create(ctx, "alice", testArticleURL)
	if err != nil {
		t.Fatalf("retry Create() error = %v", err)
	}
	if x.Status != StatusAwaitingHuman {
		t.Errorf("retry status = %s (reason %q), want awaiting_human", x.Status, x.State.TerminateReason)
	}
	if x.ExecutionID != "exec-001" {
		t.Errorf("ExecutionID = %q, want the first execution continued", x.ExecutionID)
	}
	if n := h.scraper.count(); n != 1 {
		t.Errorf("scrape calls = %d, want 1", n)
	}
}

func TestRecoverStale_KeepsUnsavedPublishResult(t *testing.T) {
	h, flaky := newFlakyHarness(t)
	ctx := context.Background()
	x := h.awaiting(t, "alice")

	flaky.failNext(StepPublishingLinkedIn, 1)
	if _, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{ApproveContent: true}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Resume() error = %v, want ErrStoreUnavailable", err)
	}

	h.clock.Advance(time.Hour)
	n, err := h.engine.RecoverStale(ctx, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale() = %d, %v, want 1", n, err)
	}
	got, err := h.engine.Get(ctx, x.ExecutionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusTerminated || got.State.TerminateReason != ReasonInterrupted {
		t.Errorf("got %s %q, want terminated %q", got.Status, got.State.TerminateReason, ReasonInterrupted)
	}
	if res := got.State.Publish[PlatformTwitter]; res.Status != PublishPublished {
		t.Errorf("twitter result = %+v, want the published result kept", res)
	}
}

func TestResume_RunningIsNotAwaiting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.store.Save(ctx, store.Record[State]{
		ExecutionID: "exec-running",
		OwnerID:     "alice",
		Status:      StatusRunning,
		State:       State{URL: testArticleURL, Step: StepScraping},
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := h.engine.Resume(ctx, "exec-running", ActionBundle{ApproveContent: true}); !errors.Is(err, ErrNotAwaiting) {
		t.Errorf("Resume() error = %v, want ErrNotAwaiting", err)
	}
}

func TestResume_ConcurrentCallsPublishOnce(t *testing.T) {
	h := newHarness(t)
	x := h.awaiting(t, "alice")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Resume(context.Background(), x.ExecutionID, ActionBundle{ApproveContent: true})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrNotFound):
		default:
			t.Errorf("Resume() error = %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("successful resumes = %d, want 1", succeeded)
	}
	if _, publishes := h.delegate.counts(); publishes != 2 {
		t.Errorf("publishes = %d, want 2", publishes)
	}
}

func TestCreate_CallTimeout(t *testing.T) {
	h := newHarness(t, WithCallTimeout(20*time.Millisecond))
	h.scraper.block = true

	x, err := h.engine.Create(context.Background(), "alice", testArticleURL)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if x.Status != StatusTerminated || x.State.TerminateReason != ReasonTimedOut {
		t.Errorf("got %s %q, want terminated %q", x.Status, x.State.TerminateReason, ReasonTimedOut)
	}
}

func TestCreate_CallerCancelDoesNotTerminate(t *testing.T) {
	h := newHarness(t, WithCallTimeout(5*time.Second))
	h.scraper.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		time.Sleep(20 * time.Millisecond)
		close(h.scraper.gate)
	}()

	x, err := h.engine.Create(ctx, "alice", testArticleURL)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if x.Status != StatusAwaitingHuman {
		t.Errorf("status = %s (reason %q), want awaiting_human", x.Status, x.State.TerminateReason)
	}
}

func TestCreate_NodeTimeout(t *testing.T) {
	h := newHarness(t, WithNodePolicy(StepScraping, NodePolicy{Timeout: 10 * time.Millisecond}))
	h.scraper.block = true

	x, err := h.engine.Create(context.Background(), "alice", testArticleURL)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if x.Status != StatusTerminated || !strings.HasPrefix(x.State.TerminateReason, ReasonTimedOut) {
		t.Errorf("got %s %q, want terminated by timeout", x.Status, x.State.TerminateReason)
	}
}

func TestHistory_AppendOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.awaiting(t, "alice")

	if _, err := h.engine.Resume(ctx, x.ExecutionID, ActionBundle{ApproveContent: true}); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	history, err := h.engine.History(ctx, x.ExecutionID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	for i, cp := range history {
		if cp.Version != i+1 {
			t.Errorf("history[%d].Version = %d", i, cp.Version)
		}
		if i > 0 && !ValidTransition(history[i-1].State.Step, cp.State.Step) {
			t.Errorf("history %s -> %s is not an allowed transition", history[i-1].State.Step, cp.State.Step)
		}
	}
	if got := history[len(history)-1].Status; got != StatusCompleted {
		t.Errorf("last status = %s, want completed", got)
	}
	if history[x.Version-1].Status != StatusAwaitingHuman {
		t.Errorf("review checkpoint rewritten: %+v", history[x.Version-1].Status)
	}
}

func TestInbox_OrderAndOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	urls := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	var ids []string
	for _, u := range urls {
		x, err := h.engine.Create(ctx, "alice", u)
		if err != nil || x.Status != StatusAwaitingHuman {
			t.Fatalf("Create(%s) = %s, %v", u, x.Status, err)
		}
		ids = append(ids, x.ExecutionID)
	}
	if _, err := h.engine.Create(ctx, "bob", urls[0]); err != nil {
		t.Fatalf("Create(bob) error = %v", err)
	}
	if _, err := h.engine.Resume(ctx, ids[1], ActionBundle{RejectContent: true}); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if _, err := h.engine.Resume(ctx, ids[0], ActionBundle{Edits: map[Platform]string{PlatformTwitter: "touched"}}); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	inbox, err := h.engine.Inbox(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("Inbox() error = %v", err)
	}
	var got []string
	for _, s := range inbox {
		got = append(got, s.ExecutionID)
		if s.OwnerID != "alice" {
			t.Errorf("inbox item owned by %s", s.OwnerID)
		}
	}
	if want := []string{ids[0], ids[2]}; !reflect.DeepEqual(got, want) {
		t.Errorf("Inbox() = %v, want %v", got, want)
	}

	limited, err := h.engine.Inbox(ctx, "alice", 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("Inbox(limit 1) = %d items, %v", len(limited), err)
	}
	if _, err := h.engine.Inbox(ctx, "", 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Inbox(empty owner) error = %v", err)
	}
}

func TestRecoverStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seed := func(id string) {
		err := h.store.Save(ctx, store.Record[State]{
			ExecutionID: id,
			OwnerID:     "alice",
			Status:      StatusRunning,
			State:       State{URL: testArticleURL, Step: StepGeneratingTwitter},
			UpdatedAt:   h.clock.Now(),
		})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	seed("stale")
	h.clock.Advance(time.Hour)
	seed("fresh")

	n, err := h.engine.RecoverStale(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverStale() = %d, want 1", n)
	}
	stale, _ := h.engine.Get(ctx, "stale")
	if stale.Status != StatusTerminated || stale.State.TerminateReason != ReasonInterrupted {
		t.Errorf("stale = %s %q", stale.Status, stale.State.TerminateReason)
	}
	fresh, _ := h.engine.Get(ctx, "fresh")
	if fresh.Status != StatusRunning {
		t.Errorf("fresh = %s, want running", fresh.Status)
	}
}

func TestEngine_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)
	h := newHarness(t, WithMetrics(metrics))
	x := h.awaiting(t, "alice")

	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("selecting_image", "awaiting_human")); got != 1 {
		t.Errorf("transitions selecting_image->awaiting_human = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.inflight); got != 0 {
		t.Errorf("inflight = %v, want 0", got)
	}

	h.store.Close()
	if _, err := h.engine.Resume(context.Background(), x.ExecutionID, ActionBundle{ApproveContent: true}); err == nil {
		t.Fatalf("Resume() on closed store error = nil")
	}
	if got := testutil.ToFloat64(metrics.storeErrors.WithLabelValues("load")); got != 1 {
		t.Errorf("store_errors_total{op=load} = %v, want 1", got)
	}

	metrics.Disable()
	metrics.RecordTransition(StepIngested, StepScraping)
	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("ingested", "scraping")); got != 1 {
		t.Errorf("disabled metrics recorded a transition: %v", got)
	}
}

func TestEngine_Events(t *testing.T) {
	h := newHarness(t)
	x := h.awaiting(t, "alice")

	events := h.events.GetHistory(x.ExecutionID)
	if len(events) == 0 || events[0].Msg != emit.MsgExecutionCreated {
		t.Fatalf("first event = %+v, want execution_created", events)
	}
	last := events[len(events)-1]
	if last.Msg != emit.MsgInterrupt || last.Step != string(StepAwaitingHuman) {
		t.Errorf("last event = %+v, want interrupt at awaiting_human", last)
	}
	for i, e := range events {
		if e.Seq != i+1 {
			t.Errorf("event %d seq = %d", i, e.Seq)
		}
	}
}

func TestTerminateReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "collaborator error inside node error",
			err: &NodeError{Message: "scrape failed", Code: "NODE_FAILED", Step: StepScraping,
				Cause: &CollaboratorError{Kind: ErrScrapeFailed, Step: StepScraping, Reason: "Article not reachable"}},
			want: "Article not reachable",
		},
		{
			name: "call timeout",
			err:  &NodeError{Message: "call deadline exceeded", Code: "CALL_TIMEOUT", Step: StepAnalyzing, Cause: context.DeadlineExceeded},
			want: ReasonTimedOut,
		},
		{
			name: "node timeout",
			err:  &NodeError{Message: "node timed out", Code: "NODE_TIMEOUT", Step: StepScraping, Cause: context.DeadlineExceeded},
			want: ReasonTimedOut + " during scraping",
		},
		{
			name: "node failure",
			err:  &NodeError{Message: "node failed", Code: "NODE_FAILED", Step: StepScraping, Cause: errBoom},
			want: "boom",
		},
		{
			name: "node failure without cause",
			err:  &NodeError{Message: "node failed", Code: "NODE_FAILED", Step: StepScraping},
			want: "node failed",
		},
		{
			name: "plain error",
			err:  errors.New("unexpected"),
			want: "unexpected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := terminateReason(tt.err); got != tt.want {
				t.Errorf("terminateReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunNode_WrapsFailureInNodeError(t *testing.T) {
	h := newHarness(t)
	h.scraper.err = errBoom
	x, err := h.engine.Create(context.Background(), "alice", testArticleURL)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if x.Status != StatusTerminated || x.State.TerminateReason != "Scrape failed: boom" {
		t.Fatalf("got %s %q, want terminated with the scrape reason", x.Status, x.State.TerminateReason)
	}
	ends := h.events.GetHistoryWithFilter(x.ExecutionID, emit.HistoryFilter{Step: string(StepScraping), Msg: emit.MsgNodeEnd})
	if len(ends) != 1 {
		t.Fatalf("got %d scraping node_end events, want 1", len(ends))
	}
	if got := fmt.Sprint(ends[0].Meta["error"]); !strings.HasPrefix(got, "node scraping: ") {
		t.Errorf("node_end error = %q, want it to name the scraping node", got)
	}
}
