// Package graph provides the resumable execution engine that turns an article
// URL into human-approved social posts.
package graph

import (
	"time"

	"github.com/dshills/postgraph/graph/store"
)

// Step is a node of the execution state machine.
type Step string

// Steps, in the order a successful execution visits them.
const (
	StepIngested           Step = "ingested"
	StepScraping           Step = "scraping"
	StepAnalyzing          Step = "analyzing"
	StepGeneratingTwitter  Step = "generating_twitter"
	StepGeneratingLinkedIn Step = "generating_linkedin"
	StepSelectingImage     Step = "selecting_image"
	StepAwaitingHuman      Step = "awaiting_human"
	StepAwaitingAuth       Step = "awaiting_auth"
	StepUploadingImage     Step = "uploading_image"
	StepPublishingTwitter  Step = "publishing_twitter"
	StepPublishingLinkedIn Step = "publishing_linkedin"
	StepCompleted          Step = "completed"
	StepTerminated         Step = "terminated"
)

// Interrupt reports whether the engine pauses at s for external input.
func (s Step) Interrupt() bool {
	return s == StepAwaitingHuman || s == StepAwaitingAuth
}

// Terminal reports whether s ends the execution.
func (s Step) Terminal() bool {
	return s == StepCompleted || s == StepTerminated
}

// Status is the externally visible lifecycle status of an execution.
type Status = store.Status

// Execution statuses.
const (
	StatusRunning       = store.StatusRunning
	StatusAwaitingHuman = store.StatusAwaitingHuman
	StatusAwaitingAuth  = store.StatusAwaitingAuth
	StatusCompleted     = store.StatusCompleted
	StatusTerminated    = store.StatusTerminated
)

// statusFor derives the status reported for an execution positioned at step.
func statusFor(step Step) Status {
	switch step {
	case StepAwaitingHuman:
		return StatusAwaitingHuman
	case StepAwaitingAuth:
		return StatusAwaitingAuth
	case StepCompleted:
		return StatusCompleted
	case StepTerminated:
		return StatusTerminated
	default:
		return StatusRunning
	}
}

// Platform identifies a social network.
type Platform string

// Supported platforms.
const (
	PlatformTwitter  Platform = "twitter"
	PlatformLinkedIn Platform = "linkedin"
)

// Platforms lists every platform in publish order.
var Platforms = []Platform{PlatformTwitter, PlatformLinkedIn}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	return p == PlatformTwitter || p == PlatformLinkedIn
}

// Publish result statuses.
const (
	PublishPublished = "published"
	PublishSkipped   = "skipped"
	PublishFailed    = "failed"
)

// PublishResult is the outcome of publishing to one platform.
type PublishResult struct {
	PostID string `json:"post_id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ImageSelection is the image offered for human review.
type ImageSelection struct {
	ImageURL string `json:"image_url"`
	Caption  string `json:"caption,omitempty"`
	Source   string `json:"source"`
}

// Approval records the approvals held by the last resolved action bundle.
type Approval struct {
	Content bool `json:"content"`
	Image   bool `json:"image"`
}

// Interrupt is the payload shown to a human while an execution waits.
type Interrupt struct {
	Type      string     `json:"type"`
	Platforms []Platform `json:"platforms,omitempty"`
	Message   string     `json:"message"`
}

// Interrupt types.
const (
	InterruptReviewRequired = "review_required"
	InterruptReauthRequired = "reauth_required"
)

// State is the mutable working set of an execution. It is checkpointed after
// every node and is sufficient on its own to resume.
type State struct {
	URL            string `json:"url"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Step is the next node to run, or the interrupt/terminal step the
	// execution is parked at.
	Step Step `json:"step"`

	// PendingStep is the publish or upload step to re-enter after
	// awaiting_auth.
	PendingStep Step `json:"pending_step,omitempty"`

	Title       string            `json:"title,omitempty"`
	ArticleText string            `json:"article_text,omitempty"`
	Assets      []Asset           `json:"assets,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	Relevant bool      `json:"relevant"`
	Analysis *Analysis `json:"analysis,omitempty"`

	// Drafts holds the text that will be published. Edits records the human
	// overrides that were written into Drafts.
	Drafts map[Platform]string `json:"drafts,omitempty"`
	Edits  map[Platform]string `json:"edits,omitempty"`

	// Regenerating is set while a single-platform regeneration runs; the
	// generation node returns to awaiting_human instead of continuing.
	Regenerating Platform `json:"regenerating,omitempty"`

	Image              *ImageSelection `json:"image,omitempty"`
	ImageSkippedReason string          `json:"image_skipped_reason,omitempty"`

	Connections map[Platform]string        `json:"connections,omitempty"`
	MediaIDs    map[Platform]string        `json:"media_ids,omitempty"`
	Publish     map[Platform]PublishResult `json:"publish,omitempty"`

	Approval        Approval   `json:"approval"`
	Interrupt       *Interrupt `json:"interrupt,omitempty"`
	TerminateReason string     `json:"terminate_reason,omitempty"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Assets = append([]Asset(nil), s.Assets...)
	out.Metadata = cloneMap(s.Metadata)
	out.Drafts = cloneMap(s.Drafts)
	out.Edits = cloneMap(s.Edits)
	out.Connections = cloneMap(s.Connections)
	out.MediaIDs = cloneMap(s.MediaIDs)
	out.Publish = cloneMap(s.Publish)
	if s.Analysis != nil {
		a := *s.Analysis
		a.KeyInsights = append([]string(nil), s.Analysis.KeyInsights...)
		out.Analysis = &a
	}
	if s.Image != nil {
		img := *s.Image
		out.Image = &img
	}
	if s.Interrupt != nil {
		in := *s.Interrupt
		in.Platforms = append([]Platform(nil), s.Interrupt.Platforms...)
		out.Interrupt = &in
	}
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Execution is a snapshot of one execution as last persisted.
type Execution struct {
	ExecutionID string    `json:"execution_id"`
	OwnerID     string    `json:"owner_id"`
	Status      Status    `json:"status"`
	State       State     `json:"state"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func executionFromRecord(rec store.Record[State]) Execution {
	return Execution{
		ExecutionID: rec.ExecutionID,
		OwnerID:     rec.OwnerID,
		Status:      rec.Status,
		State:       rec.State,
		Version:     rec.Version,
		UpdatedAt:   rec.UpdatedAt,
	}
}
