package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Termination reasons recorded by the pipeline nodes.
const (
	ReasonInvalidURL      = "Invalid URL"
	ReasonTooShort        = "Scraped content too short; likely not an article/blog."
	ReasonLowRelevance    = "Content relevance too low; not a suitable article/blog."
	ReasonTimedOut        = "Execution timed out"
	ReasonInterrupted     = "Execution interrupted before completion"
	reasonImageNotScraped = "Image is not among the scraped assets"
	reasonNoMediaFetcher  = "Image download is not configured"
)

const (
	twitterMaxChars     = 280
	twitterSourceChars  = 6000
	linkedInSourceChars = 8000
	maxKeyInsights      = 8
)

// node returns the implementation of step for an execution owned by ownerID.
// Interrupt and terminal steps have no node.
func (e *Engine) node(step Step, ownerID string) (Node, bool) {
	switch step {
	case StepIngested:
		return NodeFunc(e.ingest), true
	case StepScraping:
		return NodeFunc(e.scrape), true
	case StepAnalyzing:
		return NodeFunc(e.analyze), true
	case StepGeneratingTwitter:
		return e.generate(PlatformTwitter), true
	case StepGeneratingLinkedIn:
		return e.generate(PlatformLinkedIn), true
	case StepSelectingImage:
		return NodeFunc(e.selectImage), true
	case StepUploadingImage:
		return e.uploadImage(ownerID), true
	case StepPublishingTwitter:
		return e.publish(ownerID, PlatformTwitter), true
	case StepPublishingLinkedIn:
		return e.publish(ownerID, PlatformLinkedIn), true
	}
	return nil, false
}

func (e *Engine) ingest(_ context.Context, s State) NodeResult {
	if !validArticleURL(s.URL) {
		return terminate(s, ReasonInvalidURL)
	}
	s.URL = strings.TrimSpace(s.URL)
	return NodeResult{State: s, Route: Goto(StepScraping)}
}

func (e *Engine) scrape(ctx context.Context, s State) NodeResult {
	article, err := e.collab.Scraper.Fetch(ctx, s.URL)
	if err != nil {
		return fail(s, &CollaboratorError{
			Kind:   ErrScrapeFailed,
			Step:   StepScraping,
			Reason: "Scrape failed: " + err.Error(),
			Cause:  err,
		})
	}

	s.Title = strings.TrimSpace(article.Title)
	s.ArticleText = strings.TrimSpace(article.Text)
	s.Assets = append([]Asset(nil), article.Assets...)
	s.Metadata = cloneMap(article.Metadata)

	if len([]rune(s.ArticleText)) < e.cfg.minArticleChars {
		return terminate(s, ReasonTooShort)
	}
	return NodeResult{State: s, Route: Goto(StepAnalyzing)}
}

func (e *Engine) analyze(ctx context.Context, s State) NodeResult {
	var analysis Analysis
	if e.collab.Analyzer != nil {
		a, err := e.collab.Analyzer.Analyze(ctx, s.Title, s.ArticleText)
		if err != nil {
			return fail(s, &CollaboratorError{
				Kind:   ErrGenerationFailed,
				Step:   StepAnalyzing,
				Reason: "Analysis failed: " + err.Error(),
				Cause:  err,
			})
		}
		analysis = a
		analysis.RelevanceScore = clamp01(a.RelevanceScore)
		if len(analysis.KeyInsights) > maxKeyInsights {
			analysis.KeyInsights = analysis.KeyInsights[:maxKeyInsights]
		}
	} else {
		analysis = Analysis{
			Topic:          s.Title,
			RelevanceScore: RelevanceScore(s.ArticleText, e.cfg.minArticleChars),
		}
	}

	s.Analysis = &analysis
	s.Relevant = analysis.RelevanceScore >= e.cfg.relevanceThreshold
	if !s.Relevant {
		return terminate(s, ReasonLowRelevance)
	}
	return NodeResult{State: s, Route: Goto(StepGeneratingTwitter)}
}

func (e *Engine) generate(p Platform) Node {
	step, next, sourceChars := StepGeneratingTwitter, StepGeneratingLinkedIn, twitterSourceChars
	if p == PlatformLinkedIn {
		step, next, sourceChars = StepGeneratingLinkedIn, StepSelectingImage, linkedInSourceChars
	}

	return NodeFunc(func(ctx context.Context, s State) NodeResult {
		in := GenerationInput{
			Platform: p,
			Title:    s.Title,
			URL:      s.URL,
			Text:     truncateRunes(s.ArticleText, sourceChars),
		}
		if s.Analysis != nil {
			in.Insights = append([]string(nil), s.Analysis.KeyInsights...)
		}

		draft, err := e.collab.Generator.Generate(ctx, in)
		if err == nil && strings.TrimSpace(draft) == "" {
			err = errors.New("empty draft")
		}
		if err != nil {
			return fail(s, &CollaboratorError{
				Kind:   ErrGenerationFailed,
				Step:   step,
				Reason: fmt.Sprintf("Generation failed for %s: %v", p, err),
				Cause:  err,
			})
		}

		draft = strings.TrimSpace(draft)
		if p == PlatformTwitter {
			draft = truncateRunes(draft, twitterMaxChars)
		}
		if s.Drafts == nil {
			s.Drafts = make(map[Platform]string)
		}
		s.Drafts[p] = draft
		delete(s.Edits, p)

		if s.Regenerating == p {
			s.Regenerating = ""
			s.PendingStep = ""
			s.Interrupt = reviewInterrupt()
			return NodeResult{State: s, Route: Goto(StepAwaitingHuman)}
		}
		return NodeResult{State: s, Route: Goto(next)}
	})
}

func (e *Engine) selectImage(_ context.Context, s State) NodeResult {
	s.Image = SelectImage(s.URL, s.Assets, s.Metadata)
	if s.Image != nil && !scrapedAsset(s.Image.ImageURL, s.Assets) {
		s.Image = nil
	}
	s.Interrupt = reviewInterrupt()
	return NodeResult{State: s, Route: Goto(StepAwaitingHuman)}
}

func reviewInterrupt() *Interrupt {
	return &Interrupt{
		Type:      InterruptReviewRequired,
		Platforms: append([]Platform(nil), Platforms...),
		Message:   "Review the drafts and image, then approve, edit, regenerate or reject.",
	}
}

func (e *Engine) uploadImage(ownerID string) Node {
	return NodeFunc(func(ctx context.Context, s State) NodeResult {
		if !s.Approval.Content || !s.Approval.Image {
			return fail(s, &EngineError{
				Message: "uploading_image entered without content and image approval",
				Code:    "INVARIANT_VIOLATION",
			})
		}

		next := Goto(StepPublishingTwitter)
		if s.Image == nil || !scrapedAsset(s.Image.ImageURL, s.Assets) {
			s.ImageSkippedReason = reasonImageNotScraped
			return NodeResult{State: s, Route: next}
		}
		if e.collab.Media == nil {
			s.ImageSkippedReason = reasonNoMediaFetcher
			return NodeResult{State: s, Route: next}
		}

		var pending []Platform
		for _, p := range Platforms {
			if s.MediaIDs[p] != "" || s.Publish[p].Status == PublishPublished {
				continue
			}
			if strings.TrimSpace(s.Drafts[p]) == "" {
				continue
			}
			pending = append(pending, p)
		}
		if len(pending) == 0 {
			return NodeResult{State: s, Route: next}
		}

		conns, err := e.preflight(ctx, ownerID, s, pending, StepUploadingImage)
		if err != nil {
			return fail(s, err)
		}

		media, err := e.collab.Media.Fetch(ctx, s.Image.ImageURL, s.URL)
		if err != nil {
			s.ImageSkippedReason = "Image download failed: " + err.Error()
			return NodeResult{State: s, Route: next}
		}

		for _, p := range pending {
			mediaID, err := e.collab.Delegate.UploadMedia(ctx, UploadRequest{
				Platform:     p,
				OwnerID:      ownerID,
				ConnectionID: conns[p],
				Media:        media,
			})
			if errors.Is(err, ErrAuthRequired) {
				return fail(s, &AuthRequiredError{Platforms: []Platform{p}, Reason: "upload rejected credentials", Cause: err})
			}
			if err != nil {
				return fail(s, &CollaboratorError{
					Kind:   ErrUploadFailed,
					Step:   StepUploadingImage,
					Reason: fmt.Sprintf("Image upload failed for %s: %s", p, friendlyReason(err.Error())),
					Cause:  err,
				})
			}
			if s.MediaIDs == nil {
				s.MediaIDs = make(map[Platform]string)
			}
			s.MediaIDs[p] = mediaID
		}
		return NodeResult{State: s, Route: next}
	})
}

func (e *Engine) publish(ownerID string, p Platform) Node {
	step, next := StepPublishingTwitter, Goto(StepPublishingLinkedIn)
	if p == PlatformLinkedIn {
		step, next = StepPublishingLinkedIn, Stop(StepCompleted)
	}

	return NodeFunc(func(ctx context.Context, s State) NodeResult {
		if !s.Approval.Content {
			return fail(s, &EngineError{
				Message: string(step) + " entered without content approval",
				Code:    "INVARIANT_VIOLATION",
			})
		}
		if s.Publish[p].Status == PublishPublished {
			return e.afterPublish(s, next)
		}

		if s.Publish == nil {
			s.Publish = make(map[Platform]PublishResult)
		}
		text := strings.TrimSpace(s.Drafts[p])
		if text == "" {
			s.Publish[p] = PublishResult{Status: PublishSkipped}
			return e.afterPublish(s, next)
		}

		conns, err := e.preflight(ctx, ownerID, s, []Platform{p}, step)
		if err != nil {
			return fail(s, err)
		}

		req := PublishRequest{
			Platform:     p,
			OwnerID:      ownerID,
			ConnectionID: conns[p],
			Text:         text,
		}
		if s.Approval.Image {
			req.MediaID = s.MediaIDs[p]
		}
		if s.Image != nil && req.MediaID != "" && s.Image.Caption != "" {
			req.Metadata = map[string]string{"alt_text": s.Image.Caption}
		}

		postID, err := e.collab.Delegate.PublishPost(ctx, req)
		if errors.Is(err, ErrAuthRequired) {
			return fail(s, &AuthRequiredError{Platforms: []Platform{p}, Reason: "publish rejected credentials", Cause: err})
		}
		if err != nil {
			reason := friendlyReason(err.Error())
			s.Publish[p] = PublishResult{Status: PublishFailed, Error: reason}
			return fail(s, &CollaboratorError{
				Kind:   ErrPublishFailed,
				Step:   step,
				Reason: fmt.Sprintf("Publish failed for %s: %s", p, reason),
				Cause:  err,
			})
		}

		s.Publish[p] = PublishResult{PostID: postID, Status: PublishPublished}
		return e.afterPublish(s, next)
	})
}

func (e *Engine) afterPublish(s State, next Next) NodeResult {
	if next.Terminal {
		s.Step = StepCompleted
		s.Interrupt = nil
		s.PendingStep = ""
	}
	return NodeResult{State: s, Route: next}
}

// preflight resolves the connection of every platform and confirms a valid
// token exists before any delegate call is made.
func (e *Engine) preflight(ctx context.Context, ownerID string, s State, platforms []Platform, step Step) (map[Platform]string, error) {
	kind := ErrPublishFailed
	if step == StepUploadingImage {
		kind = ErrUploadFailed
	}
	collabErr := func(err error) error {
		return &CollaboratorError{
			Kind:   kind,
			Step:   step,
			Reason: "Credential check failed: " + err.Error(),
			Cause:  err,
		}
	}

	conns := make(map[Platform]string, len(platforms))
	var missing []Platform
	for _, p := range platforms {
		conn := s.Connections[p]
		if conn == "" {
			id, ok, err := e.collab.Connections.ResolveDefault(ctx, ownerID, p)
			if err != nil {
				return nil, collabErr(err)
			}
			if !ok {
				missing = append(missing, p)
				continue
			}
			conn = id
		}
		valid, err := e.collab.Credentials.HasValidToken(ctx, ownerID, p, conn)
		if err != nil {
			return nil, collabErr(err)
		}
		if !valid {
			missing = append(missing, p)
			continue
		}
		conns[p] = conn
	}
	if len(missing) > 0 {
		return nil, &AuthRequiredError{Platforms: missing, Reason: "no valid token"}
	}
	return conns, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
