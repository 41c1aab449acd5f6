package graph

// Edge is an allowed transition of the execution state machine.
type Edge struct {
	From Step
	To   Step
}

// edges is the complete transition graph. Any transition the Engine records
// that is not listed here is a defect.
var edges = map[Edge]struct{}{
	{StepIngested, StepScraping}:   {},
	{StepIngested, StepTerminated}: {},

	{StepScraping, StepAnalyzing}:  {},
	{StepScraping, StepTerminated}: {},

	{StepAnalyzing, StepGeneratingTwitter}: {},
	{StepAnalyzing, StepTerminated}:        {},

	{StepGeneratingTwitter, StepGeneratingLinkedIn}: {},
	{StepGeneratingTwitter, StepAwaitingHuman}:      {},
	{StepGeneratingTwitter, StepTerminated}:         {},

	{StepGeneratingLinkedIn, StepSelectingImage}: {},
	{StepGeneratingLinkedIn, StepAwaitingHuman}:  {},
	{StepGeneratingLinkedIn, StepTerminated}:     {},

	{StepSelectingImage, StepAwaitingHuman}: {},
	{StepSelectingImage, StepTerminated}:    {},

	{StepAwaitingHuman, StepAwaitingHuman}:      {},
	{StepAwaitingHuman, StepGeneratingTwitter}:  {},
	{StepAwaitingHuman, StepGeneratingLinkedIn}: {},
	{StepAwaitingHuman, StepUploadingImage}:     {},
	{StepAwaitingHuman, StepPublishingTwitter}:  {},
	{StepAwaitingHuman, StepTerminated}:         {},

	{StepUploadingImage, StepPublishingTwitter}: {},
	{StepUploadingImage, StepAwaitingAuth}:      {},
	{StepUploadingImage, StepTerminated}:        {},

	{StepPublishingTwitter, StepPublishingLinkedIn}: {},
	{StepPublishingTwitter, StepAwaitingAuth}:       {},
	{StepPublishingTwitter, StepTerminated}:         {},

	{StepPublishingLinkedIn, StepCompleted}:    {},
	{StepPublishingLinkedIn, StepAwaitingAuth}: {},
	{StepPublishingLinkedIn, StepTerminated}:   {},

	{StepAwaitingAuth, StepAwaitingAuth}:       {},
	{StepAwaitingAuth, StepGeneratingTwitter}:  {},
	{StepAwaitingAuth, StepGeneratingLinkedIn}: {},
	{StepAwaitingAuth, StepUploadingImage}:     {},
	{StepAwaitingAuth, StepPublishingTwitter}:  {},
	{StepAwaitingAuth, StepPublishingLinkedIn}: {},
	{StepAwaitingAuth, StepTerminated}:         {},
}

// ValidTransition reports whether the state machine allows moving from one
// step to another. Every non-terminal step may terminate, which covers
// stale recovery and call timeouts.
func ValidTransition(from, to Step) bool {
	if to == StepTerminated && !from.Terminal() {
		return true
	}
	_, ok := edges[Edge{From: from, To: to}]
	return ok
}
