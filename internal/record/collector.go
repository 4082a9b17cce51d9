package record

import (
	"sync"
	"time"
)

// Callbacks is the shape internal/fillengine drives on every state
// transition. Any field may be nil; MergeCallbacks, which fillengine uses
// to merge in fillengine.Options.Callbacks, wraps every call in a
// panic-recovering invocation so a misbehaving external observer cannot
// destabilize the fill.
type Callbacks struct {
	OnTurnStart    func(executionID string, turnNumber, order, issuesAddressed int)
	OnTurnComplete func(executionID string, turnNumber, patchesApplied, patchesRejected int)
	OnLLMCallStart func(executionID string)
	OnLLMCallEnd   func(executionID string, promptTokens, completionTokens int)
	OnToolStart    func(executionID, toolName string)
	OnToolEnd      func(executionID, toolName string, success bool, resultCount int)
	OnWebSearch    func(executionID, query string, resultCount int)
}

func (cb Callbacks) fire(f func()) {
	if f == nil {
		return
	}
	defer func() { recover() }()
	f()
}

// MergeCallbacks returns a Callbacks that invokes both a and b (in that
// order) for every event they each define, so a caller-supplied
// Callbacks and the collector's own Callbacks can both observe the same
// fill without either replacing the other.
func MergeCallbacks(a, b Callbacks) Callbacks {
	return Callbacks{
		OnTurnStart: func(executionID string, turnNumber, order, issuesAddressed int) {
			a.fire(func() { a.OnTurnStart(executionID, turnNumber, order, issuesAddressed) })
			b.fire(func() { b.OnTurnStart(executionID, turnNumber, order, issuesAddressed) })
		},
		OnTurnComplete: func(executionID string, turnNumber, patchesApplied, patchesRejected int) {
			a.fire(func() { a.OnTurnComplete(executionID, turnNumber, patchesApplied, patchesRejected) })
			b.fire(func() { b.OnTurnComplete(executionID, turnNumber, patchesApplied, patchesRejected) })
		},
		OnLLMCallStart: func(executionID string) {
			a.fire(func() { a.OnLLMCallStart(executionID) })
			b.fire(func() { b.OnLLMCallStart(executionID) })
		},
		OnLLMCallEnd: func(executionID string, promptTokens, completionTokens int) {
			a.fire(func() { a.OnLLMCallEnd(executionID, promptTokens, completionTokens) })
			b.fire(func() { b.OnLLMCallEnd(executionID, promptTokens, completionTokens) })
		},
		OnToolStart: func(executionID, toolName string) {
			a.fire(func() { a.OnToolStart(executionID, toolName) })
			b.fire(func() { b.OnToolStart(executionID, toolName) })
		},
		OnToolEnd: func(executionID, toolName string, success bool, resultCount int) {
			a.fire(func() { a.OnToolEnd(executionID, toolName, success, resultCount) })
			b.fire(func() { b.OnToolEnd(executionID, toolName, success, resultCount) })
		},
		OnWebSearch: func(executionID, query string, resultCount int) {
			a.fire(func() { a.OnWebSearch(executionID, query, resultCount) })
			b.fire(func() { b.OnWebSearch(executionID, query, resultCount) })
		},
	}
}

// Collector accumulates an append-only event log.
// Safe for concurrent use: the parallel harness fires callbacks from
// multiple goroutines, one per batch item.
type Collector struct {
	mu                sync.Mutex
	events            []Event
	startedAt         time.Time
	parallelEnabled   bool
	maxParallelAgents *int
	statusOverride    *Status
}

// NewCollector starts a collector with its clock zeroed at construction
// time.
func NewCollector() *Collector {
	return &Collector{startedAt: time.Now()}
}

// SetExecutionShape records whether parallel execution is enabled and,
// if so, its concurrency cap, for ExecutionMetadata.
func (c *Collector) SetExecutionShape(parallelEnabled bool, maxParallelAgents *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parallelEnabled = parallelEnabled
	c.maxParallelAgents = maxParallelAgents
}

// SetStatus records an explicit status override, which getRecord prefers
// over its derived completed/partial verdict.
func (c *Collector) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusOverride = &s
}

func (c *Collector) append(e Event) {
	e.Timestamp = time.Now()
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// AsCallbacks returns a Callbacks wired to this collector's append
// methods, ready to be merged with any caller-supplied Callbacks via
// MergeCallbacks.
func (c *Collector) AsCallbacks() Callbacks {
	return Callbacks{
		OnTurnStart: func(executionID string, turnNumber, order, issuesAddressed int) {
			c.append(Event{Kind: EventTurnStart, ExecutionID: executionID, TurnNumber: turnNumber, Order: order, IssuesAddressed: issuesAddressed})
		},
		OnTurnComplete: func(executionID string, turnNumber, patchesApplied, patchesRejected int) {
			c.append(Event{Kind: EventTurnComplete, ExecutionID: executionID, TurnNumber: turnNumber, PatchesApplied: patchesApplied, PatchesRejected: patchesRejected})
		},
		OnLLMCallStart: func(executionID string) {
			c.append(Event{Kind: EventLLMCallStart, ExecutionID: executionID})
		},
		OnLLMCallEnd: func(executionID string, promptTokens, completionTokens int) {
			c.append(Event{Kind: EventLLMCallEnd, ExecutionID: executionID, PromptTokens: promptTokens, CompletionTokens: completionTokens})
		},
		OnToolStart: func(executionID, toolName string) {
			c.append(Event{Kind: EventToolStart, ExecutionID: executionID, ToolName: toolName})
		},
		OnToolEnd: func(executionID, toolName string, success bool, resultCount int) {
			c.append(Event{Kind: EventToolEnd, ExecutionID: executionID, ToolName: toolName, Success: success, ResultCount: resultCount})
		},
		OnWebSearch: func(executionID, query string, resultCount int) {
			c.append(Event{Kind: EventWebSearch, ExecutionID: executionID, Query: query, ResultCount: resultCount})
		},
	}
}

// snapshot returns a copy of the event log and collector state under
// lock, so GetRecord's derivation runs over a stable view.
func (c *Collector) snapshot() ([]Event, bool, *int, *Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]Event, len(c.events))
	copy(events, c.events)
	return events, c.parallelEnabled, c.maxParallelAgents, c.statusOverride
}
