package record

import (
	"sort"
	"time"

	"markform.app/fill/internal/inspect"
)

// pendingTurn accumulates one executionId/turnNumber's events as they're
// scanned in append order, before being closed out into a TimelineEntry.
type pendingTurn struct {
	start     *Event
	complete  *Event
	toolStart map[string][]Event // toolName -> queue of unmatched tool_start events, FIFO
	tools     []ToolCallEntry
	promptTok int
	compTok   int
}

// GetRecord aggregates the append-only event log into a FillRecord.
// formProgress supplies the counts used to derive status when no explicit
// override was set via SetStatus.
func (c *Collector) GetRecord(formProgress inspect.ProgressSummary) FillRecord {
	events, parallelEnabled, maxParallelAgents, statusOverride := c.snapshot()

	turns := map[string]map[int]*pendingTurn{} // executionId -> turnNumber -> turn
	threadSet := map[string]bool{}
	orderSet := map[int]bool{}

	turnFor := func(executionID string, turnNumber int) *pendingTurn {
		byTurn, ok := turns[executionID]
		if !ok {
			byTurn = map[int]*pendingTurn{}
			turns[executionID] = byTurn
		}
		t, ok := byTurn[turnNumber]
		if !ok {
			t = &pendingTurn{toolStart: map[string][]Event{}}
			byTurn[turnNumber] = t
		}
		return t
	}

	// currentTurn tracks, per executionId, the turnNumber in progress, so
	// a tool_start/tool_end pair (which carries no turnNumber) attaches to
	// whichever turn was open on that executionId.
	currentTurn := map[string]int{}
	llmPending := map[string][]Event{} // executionId -> unmatched llm_call_start events (order not needed, only count)

	var toolDurations = map[string][]int64{} // toolName -> all paired durations
	var toolCalls = map[string]*ToolSummary{}
	var llmTimeMs int64

	for _, e := range events {
		threadSet[e.ExecutionID] = true
		switch e.Kind {
		case EventTurnStart:
			orderSet[e.Order] = true
			t := turnFor(e.ExecutionID, e.TurnNumber)
			ev := e
			t.start = &ev
			currentTurn[e.ExecutionID] = e.TurnNumber
		case EventTurnComplete:
			t := turnFor(e.ExecutionID, e.TurnNumber)
			ev := e
			t.complete = &ev
		case EventLLMCallStart:
			llmPending[e.ExecutionID] = append(llmPending[e.ExecutionID], e)
		case EventLLMCallEnd:
			if turnNum, ok := currentTurn[e.ExecutionID]; ok {
				t := turnFor(e.ExecutionID, turnNum)
				t.promptTok += e.PromptTokens
				t.compTok += e.CompletionTokens
			}
			if q := llmPending[e.ExecutionID]; len(q) > 0 {
				llmTimeMs += e.Timestamp.Sub(q[0].Timestamp).Milliseconds()
				llmPending[e.ExecutionID] = q[1:]
			}
		case EventToolStart:
			turnNum, ok := currentTurn[e.ExecutionID]
			if !ok {
				continue
			}
			t := turnFor(e.ExecutionID, turnNum)
			t.toolStart[e.ToolName] = append(t.toolStart[e.ToolName], e)
		case EventToolEnd:
			turnNum, ok := currentTurn[e.ExecutionID]
			if !ok {
				continue
			}
			t := turnFor(e.ExecutionID, turnNum)
			queue := t.toolStart[e.ToolName]
			var started time.Time
			if len(queue) > 0 {
				started = queue[0].Timestamp
				t.toolStart[e.ToolName] = queue[1:]
			} else {
				started = e.Timestamp
			}
			duration := e.Timestamp.Sub(started).Milliseconds()
			t.tools = append(t.tools, ToolCallEntry{
				ToolName:    e.ToolName,
				Success:     e.Success,
				ResultCount: e.ResultCount,
				StartedAt:   started,
				CompletedAt: e.Timestamp,
				DurationMs:  duration,
			})

			summary, ok := toolCalls[e.ToolName]
			if !ok {
				summary = &ToolSummary{ToolName: e.ToolName}
				toolCalls[e.ToolName] = summary
			}
			summary.CallCount++
			if e.Success {
				summary.SuccessCount++
			} else {
				summary.FailureCount++
			}
			if e.ResultCount > 0 || summary.Results != nil {
				if summary.Results == nil {
					summary.Results = &ResultStats{}
				}
				summary.Results.TotalResults += e.ResultCount
				if e.ResultCount == 0 {
					summary.Results.ZeroResultCalls++
				}
			}
			toolDurations[e.ToolName] = append(toolDurations[e.ToolName], duration)
		}
	}

	var startedAt, completedAt time.Time
	if len(events) > 0 {
		startedAt = events[0].Timestamp
		completedAt = events[len(events)-1].Timestamp
	}

	var timeline []TimelineEntry
	var toolTimeMs int64
	for executionID, byTurn := range turns {
		for turnNumber, t := range byTurn {
			if t.start == nil {
				continue
			}
			entry := TimelineEntry{
				ExecutionID:      executionID,
				TurnNumber:       turnNumber,
				Order:            t.start.Order,
				StartedAt:        t.start.Timestamp,
				IssuesAddressed:  t.start.IssuesAddressed,
				PromptTokens:     t.promptTok,
				CompletionTokens: t.compTok,
				ToolCalls:        t.tools,
			}
			if t.complete != nil {
				entry.CompletedAt = t.complete.Timestamp
				entry.PatchesApplied = t.complete.PatchesApplied
				entry.PatchesRejected = t.complete.PatchesRejected
				entry.DurationMs = entry.CompletedAt.Sub(entry.StartedAt).Milliseconds()
			}
			entry.StartMs = entry.StartedAt.Sub(startedAt).Milliseconds()
			for _, tc := range t.tools {
				toolTimeMs += tc.DurationMs
			}
			timeline = append(timeline, entry)
		}
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i].StartedAt.Before(timeline[j].StartedAt) })

	tools := make([]ToolSummary, 0, len(toolCalls))
	for name, summary := range toolCalls {
		durations := toolDurations[name]
		summary.Timing = computeTiming(durations)
		if summary.CallCount > 0 {
			summary.SuccessRate = float64(summary.SuccessCount) / float64(summary.CallCount)
		}
		if summary.Results != nil && summary.CallCount > 0 {
			summary.Results.AvgResultsPerCall = float64(summary.Results.TotalResults) / float64(summary.CallCount)
		}
		tools = append(tools, *summary)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ToolName < tools[j].ToolName })

	totalMs := completedAt.Sub(startedAt).Milliseconds()
	overheadMs := totalMs - llmTimeMs - toolTimeMs
	if overheadMs < 0 {
		overheadMs = 0
	}
	var breakdown []TimingBreakdownEntry
	if totalMs > 0 {
		breakdown = []TimingBreakdownEntry{
			{Category: "llm", Ms: llmTimeMs, Percentage: pct(llmTimeMs, totalMs)},
			{Category: "tool", Ms: toolTimeMs, Percentage: pct(toolTimeMs, totalMs)},
			{Category: "overhead", Ms: overheadMs, Percentage: pct(overheadMs, totalMs)},
		}
	}
	var effectiveParallelism *float64
	if totalMs > 0 {
		v := float64(llmTimeMs+toolTimeMs) / float64(totalMs)
		effectiveParallelism = &v
	}

	orderLevels := make([]int, 0, len(orderSet))
	for o := range orderSet {
		orderLevels = append(orderLevels, o)
	}
	sort.Ints(orderLevels)

	threads := make([]string, 0, len(threadSet))
	for t := range threadSet {
		threads = append(threads, t)
	}
	sort.Strings(threads)

	status := derivedStatus(formProgress)
	if statusOverride != nil {
		status = *statusOverride
	}

	return FillRecord{
		Status:   status,
		Timeline: timeline,
		Tools:    tools,
		FormProgress: FormProgress{
			TotalFields:      formProgress.TotalFields,
			AnsweredFields:   formProgress.AnsweredFields,
			SkippedFields:    formProgress.SkippedFields,
			AbortedFields:    formProgress.AbortedFields,
			EmptyFields:      formProgress.EmptyFields,
			RequiredTotal:    formProgress.RequiredTotal,
			RequiredAnswered: formProgress.RequiredAnswered,
		},
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Timing: TimingBreakdown{
			TotalMs:              totalMs,
			LLMTimeMs:            llmTimeMs,
			ToolTimeMs:           toolTimeMs,
			OverheadMs:           overheadMs,
			Breakdown:            breakdown,
			EffectiveParallelism: effectiveParallelism,
		},
		Execution: ExecutionMetadata{
			TotalTurns:        len(timeline),
			ParallelEnabled:   parallelEnabled,
			MaxParallelAgents: maxParallelAgents,
			OrderLevels:       orderLevels,
			ExecutionThreads:  threads,
		},
	}
}

func pct(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// derivedStatus is the fallback verdict: completed if there are no
// unanswered fields, or every required field is filled.
func derivedStatus(p inspect.ProgressSummary) Status {
	if p.EmptyFields == 0 {
		return StatusCompleted
	}
	if p.RequiredTotal > 0 && p.RequiredAnswered >= p.RequiredTotal {
		return StatusCompleted
	}
	return StatusPartial
}

// computeTiming derives min/max/avg/p50/p95 via linear interpolation on
// sorted durations.
func computeTiming(durations []int64) TimingStats {
	if len(durations) == 0 {
		return TimingStats{}
	}
	sorted := make([]int64, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total int64
	for _, d := range sorted {
		total += d
	}

	return TimingStats{
		TotalMs: total,
		AvgMs:   float64(total) / float64(len(sorted)),
		MinMs:   sorted[0],
		MaxMs:   sorted[len(sorted)-1],
		P50Ms:   percentile(sorted, 0.50),
		P95Ms:   percentile(sorted, 0.95),
	}
}

// percentile performs linear interpolation between the two nearest
// ranks, the standard "R-7" method.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return int64(float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac)
}
