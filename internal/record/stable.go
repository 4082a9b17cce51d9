package record

// StableTimelineEntry is TimelineEntry stripped of every timing/timestamp
// field, for golden-test comparisons that must not flake on wall-clock
// jitter.
type StableTimelineEntry struct {
	ExecutionID     string
	TurnNumber      int
	Order           int
	IssuesAddressed int
	PatchesApplied  int
	PatchesRejected int
	PromptTokens    int
	CompletionTokens int
	ToolNames       []string
}

// StableProjection is FillRecord with all timing/timestamp fields
// removed.
type StableProjection struct {
	Status       Status
	Timeline     []StableTimelineEntry
	ToolNames    []string
	Execution    ExecutionMetadata
	FormProgress FormProgress
}

// Stable projects r into its timing-free form.
func (r FillRecord) Stable() StableProjection {
	timeline := make([]StableTimelineEntry, len(r.Timeline))
	for i, e := range r.Timeline {
		names := make([]string, len(e.ToolCalls))
		for j, tc := range e.ToolCalls {
			names[j] = tc.ToolName
		}
		timeline[i] = StableTimelineEntry{
			ExecutionID:      e.ExecutionID,
			TurnNumber:       e.TurnNumber,
			Order:            e.Order,
			IssuesAddressed:  e.IssuesAddressed,
			PatchesApplied:   e.PatchesApplied,
			PatchesRejected:  e.PatchesRejected,
			PromptTokens:     e.PromptTokens,
			CompletionTokens: e.CompletionTokens,
			ToolNames:        names,
		}
	}

	toolNames := make([]string, len(r.Tools))
	for i, t := range r.Tools {
		toolNames[i] = t.ToolName
	}

	return StableProjection{
		Status:       r.Status,
		Timeline:     timeline,
		ToolNames:    toolNames,
		Execution:    r.Execution,
		FormProgress: r.FormProgress,
	}
}
