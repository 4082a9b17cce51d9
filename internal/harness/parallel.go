package harness

import (
	"context"
	"fmt"
	"sync"

	"markform.app/fill/internal/apply"
	"markform.app/fill/internal/form"
	"markform.app/fill/internal/inspect"
	"markform.app/fill/internal/plan"
)

// ItemRun identifies one agent invocation within the parallel plan: the
// execution thread it runs on, the order level, and the item it covers.
type ItemRun struct {
	ExecutionID string
	Order       int
	Item        plan.Item
}

// AgentFunc is the minimal contract the parallel harness needs from an
// agent: given scoped issues and a read-only form snapshot, produce
// patches. internal/agent.LiveAgent/MockAgent are adapted to this shape
// by internal/fillengine.
type AgentFunc func(ctx context.Context, run ItemRun, issues []form.Issue, snapshot *form.ParsedForm, maxPatches int) ([]form.Patch, error)

// ItemAgentFactory resolves which agent handles one parallel-batch item;
// returning nil reuses the primary agent.
type ItemAgentFactory func(item plan.Item) AgentFunc

// ParallelConfig bounds one parallel harness run.
type ParallelConfig struct {
	MaxParallelAgents int
	MaxPatchesPerTurn int
	TargetRoles       []string
}

func (c ParallelConfig) withDefaults() ParallelConfig {
	if c.MaxParallelAgents <= 0 {
		c.MaxParallelAgents = 4
	}
	if c.MaxPatchesPerTurn <= 0 {
		c.MaxPatchesPerTurn = 20
	}
	if len(c.TargetRoles) == 0 {
		c.TargetRoles = []string{"agent"}
	}
	return c
}

// ParallelCallbacks notify progress through the order-level/batch
// structure. Any of these may be nil.
type ParallelCallbacks struct {
	OnOrderLevelStart    func(order int)
	OnOrderLevelComplete func(order int)
	OnBatchStart         func(order int, batchID string)
	OnBatchComplete      func(order int, batchID string, result form.ApplyResult)
	OnItemComplete       func(executionID string, result form.ApplyResult)
}

func (cb ParallelCallbacks) fire(f func()) {
	if f == nil {
		return
	}
	// Callbacks observe a single logical timeline but must never
	// destabilize the fill; a panicking observer is swallowed here.
	defer func() { recover() }()
	f()
}

// Parallel is the order-level orchestrator: one agent per parallel-batch item at a
// given order level, loose-serial items handled one at a time in between.
type Parallel struct {
	form      *form.ParsedForm
	cfg       ParallelConfig
	primary   AgentFunc
	itemAgent ItemAgentFactory
	callbacks ParallelCallbacks
}

// NewParallel builds a parallel harness over f.
func NewParallel(f *form.ParsedForm, cfg ParallelConfig, primary AgentFunc, itemAgent ItemAgentFactory, callbacks ParallelCallbacks) *Parallel {
	return &Parallel{form: f, cfg: cfg.withDefaults(), primary: primary, itemAgent: itemAgent, callbacks: callbacks}
}

// SerialExecutionID is the single execution thread id used by the whole-
// fill serial harness.
func SerialExecutionID() string { return "0-serial" }

// LevelSerialExecutionID tags a loose-serial item processed by the
// parallel harness at a given order level.
func LevelSerialExecutionID(order int) string { return fmt.Sprintf("%d-serial", order) }

// BatchExecutionID tags one concurrent agent within a parallel batch.
func BatchExecutionID(order int, batchID string, index int) string {
	return fmt.Sprintf("%d-batch-%s-%d", order, batchID, index)
}

// Run executes every order level of the plan to settlement, in order.
func (p *Parallel) Run(ctx context.Context) error {
	pl := plan.Compute(p.form.Schema)
	for _, level := range pl.Levels {
		if err := p.runLevel(ctx, level); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parallel) runLevel(ctx context.Context, level plan.Level) error {
	p.callbacks.fire(func() { p.callbacks.OnOrderLevelStart(level.Order) })

	allIssues := inspect.Inspect(p.form, inspect.Options{TargetRoles: p.cfg.TargetRoles}).Issues

	for _, item := range level.LooseSerial {
		if err := ctx.Err(); err != nil {
			return err
		}
		fieldIDs := plan.FieldIDs([]plan.Item{item}, p.form.Schema)
		issues := scopeIssuesToFields(allIssues, fieldIDs)
		agent := p.resolveAgent(item)
		run := ItemRun{ExecutionID: LevelSerialExecutionID(level.Order), Order: level.Order, Item: item}
		patches, err := agent(ctx, run, issues, p.form, p.cfg.MaxPatchesPerTurn)
		if err != nil {
			return fmt.Errorf("harness: loose-serial item %q: %w", item.ItemID, err)
		}
		result := apply.Apply(p.form, patches)
		p.callbacks.fire(func() { p.callbacks.OnItemComplete(LevelSerialExecutionID(level.Order), result) })
		// loose-serial mutations must be visible before the next item or
		// batch at this level proceeds; re-inspect.
		allIssues = inspect.Inspect(p.form, inspect.Options{TargetRoles: p.cfg.TargetRoles}).Issues
	}

	for _, batch := range level.ParallelBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.runBatch(ctx, level.Order, batch, allIssues); err != nil {
			return err
		}
		allIssues = inspect.Inspect(p.form, inspect.Options{TargetRoles: p.cfg.TargetRoles}).Issues
	}

	p.callbacks.fire(func() { p.callbacks.OnOrderLevelComplete(level.Order) })
	return nil
}

// runBatch spawns one concurrent task per item (bounded by
// maxParallelAgents), runs them to settlement, then merges and applies
// all returned patches in a single apply() call. Agents see the
// pre-batch form; they never mutate it directly — only the
// coordinator applies, after every task in the batch has settled.
func (p *Parallel) runBatch(ctx context.Context, order int, batch plan.ParallelBatch, allIssues []form.Issue) error {
	p.callbacks.fire(func() { p.callbacks.OnBatchStart(order, batch.BatchID) })

	sem := make(chan struct{}, p.cfg.MaxParallelAgents)
	var wg sync.WaitGroup
	patchesByItem := make([][]form.Patch, len(batch.Items))

	for i, item := range batch.Items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item plan.Item) {
			defer wg.Done()
			defer func() { <-sem }()

			fieldIDs := plan.FieldIDs([]plan.Item{item}, p.form.Schema)
			issues := scopeIssuesToFields(allIssues, fieldIDs)
			agent := p.resolveAgent(item)
			run := ItemRun{ExecutionID: BatchExecutionID(order, batch.BatchID, i), Order: order, Item: item}

			// Failures per item are captured, not propagated:
			// a panicking or erroring agent simply contributes no patches.
			patches, err := p.runItemSafely(ctx, run, agent, issues)
			_ = err
			patchesByItem[i] = patches
		}(i, item)
	}
	wg.Wait()

	var merged []form.Patch
	for _, ps := range patchesByItem {
		merged = append(merged, ps...)
	}
	result := apply.Apply(p.form, merged)

	p.callbacks.fire(func() { p.callbacks.OnBatchComplete(order, batch.BatchID, result) })
	return nil
}

func (p *Parallel) runItemSafely(ctx context.Context, run ItemRun, agent AgentFunc, issues []form.Issue) (patches []form.Patch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("harness: agent panicked: %v", r)
		}
	}()
	return agent(ctx, run, issues, p.form, p.cfg.MaxPatchesPerTurn)
}

func (p *Parallel) resolveAgent(item plan.Item) AgentFunc {
	if p.itemAgent != nil {
		if a := p.itemAgent(item); a != nil {
			return a
		}
	}
	return p.primary
}

// scopeIssuesToFields keeps issues whose ref's field id is in fieldIDs,
// dropping form-scoped issues (they are not per-agent).
func scopeIssuesToFields(issues []form.Issue, fieldIDs []string) []form.Issue {
	want := make(map[string]bool, len(fieldIDs))
	for _, id := range fieldIDs {
		want[id] = true
	}
	var out []form.Issue
	for _, iss := range issues {
		if iss.Scope == form.ScopeForm {
			continue
		}
		if want[baseFieldID(iss.Ref)] {
			out = append(out, iss)
		}
	}
	return out
}
