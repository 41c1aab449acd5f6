package graph

import "strings"

// ActionBundle is the human decision submitted to resume an execution.
type ActionBundle struct {
	ApproveContent     bool `json:"approve_content,omitempty"`
	RejectContent      bool `json:"reject_content,omitempty"`
	ApproveImage       bool `json:"approve_image,omitempty"`
	RejectImage        bool `json:"reject_image,omitempty"`
	RegenerateTwitter  bool `json:"regenerate_twitter,omitempty"`
	RegenerateLinkedIn bool `json:"regenerate_linkedin,omitempty"`

	// Edits replace the draft of a platform when non-empty.
	Edits map[Platform]string `json:"edits,omitempty"`

	// Connections selects the linked account per platform. Absent platforms
	// use the owner's default connection.
	Connections map[Platform]string `json:"connections,omitempty"`
}

// Rule identifies which row of the decision table fired.
type Rule int

// Decision table rows in precedence order.
const (
	RuleRejectContent Rule = iota + 1
	RuleRegenerateTwitter
	RuleRegenerateLinkedIn
	RuleApproveWithImage
	RuleApproveTextOnly
	RuleNoDecision
	RuleReenterPending
)

var ruleNames = map[Rule]string{
	RuleRejectContent:      "reject_content",
	RuleRegenerateTwitter:  "regenerate_twitter",
	RuleRegenerateLinkedIn: "regenerate_linkedin",
	RuleApproveWithImage:   "approve_with_image",
	RuleApproveTextOnly:    "approve_text_only",
	RuleNoDecision:         "no_decision",
	RuleReenterPending:     "reenter_pending",
}

func (r Rule) String() string {
	if name, ok := ruleNames[r]; ok {
		return name
	}
	return "unknown"
}

// RejectReason is the termination reason recorded when content is rejected.
const RejectReason = "content rejected"

// ImageRejectedReason is recorded when the reviewer rejects the offered image.
const ImageRejectedReason = "image rejected"

// Patch is the state change a Resolution applies.
type Patch struct {
	// Edits are written into both Drafts and Edits.
	Edits map[Platform]string

	// Connections overwrite the per-platform connection selection.
	Connections map[Platform]string

	// Approval replaces the held approvals when non-nil.
	Approval *Approval

	// Regenerating marks a single-platform regeneration.
	Regenerating Platform

	// ImageSkippedReason records why an offered image will not be uploaded.
	ImageSkippedReason string
}

// Resolution is the Resolver's decision for one action bundle.
type Resolution struct {
	Rule            Rule
	Next            Step
	Patch           Patch
	TerminateReason string
}

// Resolve maps the current state and a submitted bundle to the next step and
// a state patch. It performs no I/O and does not modify its arguments.
//
// Rules, first match wins:
//  1. reject_content terminates with "content rejected".
//  2. regenerate_twitter reruns only the Twitter draft.
//  3. regenerate_linkedin reruns only the LinkedIn draft.
//  4. approve_content with approve_image (and no reject_image) and an image
//     present uploads the image, then publishes.
//  5. approve_content otherwise publishes text only.
//  6. Anything else stays at awaiting_human, applying edits only.
//
// In awaiting_auth an approval, or a bundle with no decision while content
// approval is still held, re-enters the step that required authentication.
// Non-empty edits apply under every rule except 1.
func Resolve(s State, b ActionBundle) Resolution {
	patch := Patch{
		Edits:       nonEmpty(b.Edits),
		Connections: nonEmpty(b.Connections),
	}

	if b.RejectContent {
		return Resolution{
			Rule:            RuleRejectContent,
			Next:            StepTerminated,
			TerminateReason: RejectReason,
		}
	}
	if b.RegenerateTwitter {
		patch.Regenerating = PlatformTwitter
		patch.Approval = &Approval{}
		return Resolution{Rule: RuleRegenerateTwitter, Next: StepGeneratingTwitter, Patch: patch}
	}
	if b.RegenerateLinkedIn {
		patch.Regenerating = PlatformLinkedIn
		patch.Approval = &Approval{}
		return Resolution{Rule: RuleRegenerateLinkedIn, Next: StepGeneratingLinkedIn, Patch: patch}
	}

	if b.ApproveContent {
		withImage := b.ApproveImage && !b.RejectImage && s.Image != nil
		patch.Approval = &Approval{Content: true, Image: withImage}
		if b.RejectImage && s.Image != nil {
			patch.ImageSkippedReason = ImageRejectedReason
		}

		if s.Step == StepAwaitingAuth && s.PendingStep != "" {
			next := s.PendingStep
			if next == StepUploadingImage && !withImage {
				next = StepPublishingTwitter
			}
			return Resolution{Rule: RuleReenterPending, Next: next, Patch: patch}
		}
		if withImage {
			return Resolution{Rule: RuleApproveWithImage, Next: StepUploadingImage, Patch: patch}
		}
		return Resolution{Rule: RuleApproveTextOnly, Next: StepPublishingTwitter, Patch: patch}
	}

	if s.Step == StepAwaitingAuth && s.PendingStep != "" && s.Approval.Content {
		next := s.PendingStep
		if next == StepUploadingImage && !s.Approval.Image {
			next = StepPublishingTwitter
		}
		return Resolution{Rule: RuleReenterPending, Next: next, Patch: patch}
	}

	stay := StepAwaitingHuman
	if s.Step == StepAwaitingAuth {
		stay = StepAwaitingAuth
	} else {
		patch.Approval = &Approval{}
	}
	return Resolution{Rule: RuleNoDecision, Next: stay, Patch: patch}
}

// Apply writes the patch into s and returns the result. s is not modified.
func (p Patch) Apply(s State) State {
	out := s.Clone()
	for platform, text := range p.Edits {
		if out.Drafts == nil {
			out.Drafts = make(map[Platform]string)
		}
		if out.Edits == nil {
			out.Edits = make(map[Platform]string)
		}
		out.Drafts[platform] = text
		out.Edits[platform] = text
	}
	for platform, conn := range p.Connections {
		if out.Connections == nil {
			out.Connections = make(map[Platform]string)
		}
		out.Connections[platform] = conn
	}
	if p.Approval != nil {
		out.Approval = *p.Approval
	}
	if p.Regenerating != "" {
		out.Regenerating = p.Regenerating
	}
	if p.ImageSkippedReason != "" {
		out.ImageSkippedReason = p.ImageSkippedReason
	}
	return out
}

// nonEmpty keeps entries for supported platforms with non-blank values.
func nonEmpty(m map[Platform]string) map[Platform]string {
	var out map[Platform]string
	for platform, v := range m {
		if !platform.Valid() || strings.TrimSpace(v) == "" {
			continue
		}
		if out == nil {
			out = make(map[Platform]string, len(m))
		}
		out[platform] = v
	}
	return out
}
