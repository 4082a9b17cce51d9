// Package record implements the FillRecord collector: an append-only
// event log fed by callbacks during a fill, and a point-in-time
// aggregation (GetRecord) that reconstructs a timeline, per-tool
// summaries, timing breakdown, and execution metadata. Interleaved async
// events are paired by composite (executionId, turnNumber) and
// (executionId, toolName) keys.
package record

import "time"

// EventKind tags one entry in the append-only log.
type EventKind string

const (
	EventTurnStart    EventKind = "turn_start"
	EventTurnComplete EventKind = "turn_complete"
	EventLLMCallStart EventKind = "llm_call_start"
	EventLLMCallEnd   EventKind = "llm_call_end"
	EventToolStart    EventKind = "tool_start"
	EventToolEnd      EventKind = "tool_end"
	EventWebSearch    EventKind = "web_search"
)

// Event is one append to the log. Not every field applies to every kind;
// unused fields are left zero. ExecutionID always identifies the logical
// thread of turns the event belongs to.
type Event struct {
	Kind        EventKind
	ExecutionID string
	Timestamp   time.Time

	// turn_start / turn_complete
	TurnNumber      int
	Order           int
	IssuesAddressed int
	PatchesApplied  int
	PatchesRejected int

	// llm_call_end
	PromptTokens     int
	CompletionTokens int

	// tool_start / tool_end
	ToolName    string
	Success     bool
	ResultCount int

	// web_search
	Query string
}

// TimelineEntry is one reconstructed turn.
type TimelineEntry struct {
	ExecutionID     string
	TurnNumber      int
	Order           int
	StartedAt       time.Time
	CompletedAt     time.Time
	StartMs         int64
	DurationMs      int64
	IssuesAddressed int
	PatchesApplied  int
	PatchesRejected int
	PromptTokens    int
	CompletionTokens int
	ToolCalls       []ToolCallEntry
}

// ToolCallEntry is one paired tool_start/tool_end attached to the turn
// that was current on its executionId when the tool started.
type ToolCallEntry struct {
	ToolName    string
	Success     bool
	ResultCount int
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
}

// ResultStats summarizes a tool's result-count distribution, present only
// for tools that ever reported a ResultCount.
type ResultStats struct {
	TotalResults      int
	AvgResultsPerCall float64
	ZeroResultCalls   int
}

// TimingStats holds linear-interpolation percentile timings over one
// tool's call durations.
type TimingStats struct {
	TotalMs int64
	AvgMs   float64
	MinMs   int64
	MaxMs   int64
	P50Ms   int64
	P95Ms   int64
}

// ToolSummary aggregates every call to one tool name across the fill.
type ToolSummary struct {
	ToolName     string
	CallCount    int
	SuccessCount int
	FailureCount int
	SuccessRate  float64
	Results      *ResultStats
	Timing       TimingStats
}

// TimingBreakdownEntry is one category's share of total wall-clock time.
type TimingBreakdownEntry struct {
	Category   string
	Ms         int64
	Percentage float64
}

// TimingBreakdown apportions total wall-clock time across LLM calls,
// tool calls, and orchestration overhead.
type TimingBreakdown struct {
	TotalMs              int64
	LLMTimeMs            int64
	ToolTimeMs           int64
	OverheadMs           int64
	Breakdown            []TimingBreakdownEntry
	EffectiveParallelism *float64
}

// ExecutionMetadata summarizes the shape of execution.
type ExecutionMetadata struct {
	TotalTurns        int
	ParallelEnabled   bool
	MaxParallelAgents *int
	OrderLevels       []int
	ExecutionThreads  []string
}

// Status is the FillRecord's completion verdict.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
)

// FillRecord is the full observability artifact returned by GetRecord.
type FillRecord struct {
	Status       Status
	Timeline     []TimelineEntry
	Tools        []ToolSummary
	Timing       TimingBreakdown
	Execution    ExecutionMetadata
	FormProgress FormProgress
	StartedAt    time.Time
	CompletedAt  time.Time
}

// FormProgress is the point-in-time field census GetRecord was handed.
type FormProgress struct {
	TotalFields      int
	AnsweredFields   int
	SkippedFields    int
	AbortedFields    int
	EmptyFields      int
	RequiredTotal    int
	RequiredAnswered int
}
