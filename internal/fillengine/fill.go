package fillengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"markform.app/fill/common/logger"
	"markform.app/fill/internal/agent"
	"markform.app/fill/internal/apply"
	"markform.app/fill/internal/coerce"
	"markform.app/fill/internal/form"
	"markform.app/fill/internal/harness"
	"markform.app/fill/internal/inspect"
	"markform.app/fill/internal/mdcodec"
	"markform.app/fill/internal/record"
)

// Fill runs one complete fill to a terminal status. The returned error is
// non-nil only for programming errors (no form supplied, harness protocol
// violations); every operational failure — configuration, parse, agent,
// budget, cancellation — comes back as structured data on the Result.
func Fill(ctx context.Context, opts Options) (*Result, error) {
	codec := opts.Codec
	if codec == nil {
		codec = mdcodec.New()
	}

	var pf *form.ParsedForm
	switch {
	case opts.Form != nil:
		pf = opts.Form.Clone()
	case opts.FormText != "":
		parsed, err := codec.Parse(opts.FormText)
		if err != nil {
			return &Result{Status: Status{Reason: ReasonParseError, Err: err}}, nil
		}
		pf = parsed
	default:
		return nil, errors.New("fillengine: either Form or FormText must be set")
	}

	rc := resolveConfig(opts, pf.Metadata)

	collector := record.NewCollector()
	var maxParallel *int
	if opts.EnableParallel {
		maxParallel = &rc.maxParallelAgents
	}
	collector.SetExecutionShape(opts.EnableParallel, maxParallel)
	cb := record.MergeCallbacks(opts.Callbacks, collector.AsCallbacks())

	run := &fillRun{
		opts:      opts,
		rc:        rc,
		codec:     codec,
		form:      pf,
		collector: collector,
		cb:        cb,
		turnSeq:   map[string]int{},
	}

	ag, errResult := run.resolveAgent()
	if errResult != nil {
		return run.finish(*errResult), nil
	}
	run.agent = ag

	if errResult := run.applyInputContext(); errResult != nil {
		return run.finish(*errResult), nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{FormID: pf.Schema.ID, Component: "fill.engine"})

	var status Status
	var err error
	if opts.EnableParallel {
		status, err = run.runParallel(ctx)
	} else {
		status, err = run.runSerial(ctx)
	}
	if err != nil {
		return nil, err
	}
	return run.finish(status), nil
}

// fillRun carries one Fill call's working state through the loop.
type fillRun struct {
	opts      Options
	rc        resolvedConfig
	codec     form.Codec
	form      *form.ParsedForm
	collector *record.Collector
	cb        record.Callbacks
	agent     agent.Agent

	turnSeqMu sync.Mutex
	turnSeq   map[string]int // executionID -> last turn number issued

	turns                int
	totalPatches         int
	inputContextWarnings []form.PatchWarning
	sessionTurns         []harness.SessionTurn
}

func (r *fillRun) resolveAgent() (agent.Agent, *Status) {
	if r.opts.TestAgent != nil {
		return r.opts.TestAgent, nil
	}
	if r.opts.Model == "" {
		return nil, &Status{Reason: ReasonConfiguration, Err: agent.ConfigurationError{Message: "no model specified and no test agent supplied"}}
	}
	client, err := agent.ResolveModel(r.opts.Model, r.opts.Providers)
	if err != nil {
		return nil, &Status{Reason: ReasonConfiguration, Err: err}
	}
	return agent.NewLiveAgent(agent.LiveAgentConfig{
		Model:                client,
		RoleInstructions:     r.form.Metadata.RoleInstructions,
		SystemPromptAddition: r.opts.SystemPromptAddition,
		AdditionalTools:      r.opts.AdditionalTools,
		EnableWebSearch:      r.opts.EnableWebSearch,
		ToolChoice:           r.opts.ToolChoice,
		MaxStepsPerTurn:      r.opts.MaxStepsPerTurn,
		MaxRetries:           r.opts.MaxRetries,
		CaptureWireFormat:    r.opts.CaptureWireFormat,
		Callbacks: agent.LiveCallbacks{
			OnLLMCallStart: r.cb.OnLLMCallStart,
			OnLLMCallEnd:   r.cb.OnLLMCallEnd,
			OnToolStart:    r.cb.OnToolStart,
			OnToolEnd:      r.cb.OnToolEnd,
			OnWebSearch:    r.cb.OnWebSearch,
		},
	}), nil
}

// applyInputContext coerces and applies caller-supplied seed values before
// any LLM call; coercion errors abort the fill.
func (r *fillRun) applyInputContext() *Status {
	if len(r.opts.InputContext) == 0 {
		return nil
	}
	res := coerce.InputContext(r.form, r.opts.InputContext)
	if len(res.Errors) > 0 {
		return &Status{Reason: ReasonInputContext, Err: errors.Join(res.Errors...)}
	}
	applied := apply.Apply(r.form, res.Patches)
	r.inputContextWarnings = append(res.Warnings, applied.Warnings...)
	for _, rej := range applied.Rejected {
		r.inputContextWarnings = append(r.inputContextWarnings, form.PatchWarning{
			FieldID: rej.FieldID,
			Message: fmt.Sprintf("input context rejected: %s", rej.Reason),
		})
	}
	return nil
}

func (r *fillRun) nextTurn(executionID string) int {
	r.turnSeqMu.Lock()
	defer r.turnSeqMu.Unlock()
	r.turnSeq[executionID]++
	return r.turnSeq[executionID]
}

// taggedAgent returns the agent bound to an execution thread for
// observability, when the agent supports tagging.
func (r *fillRun) taggedAgent(executionID string) agent.Agent {
	if la, ok := r.agent.(*agent.LiveAgent); ok {
		return la.WithExecutionID(executionID)
	}
	return r.agent
}

func (r *fillRun) runSerial(ctx context.Context) (Status, error) {
	h := harness.NewSerial(r.form, r.codec, r.rc.harnessConfig(r.opts))
	execID := harness.SerialExecutionID()
	ag := r.taggedAgent(execID)

	step, err := h.Step()
	if err != nil {
		return Status{}, err
	}
	if len(step.Issues) > 0 && r.opts.StartingTurnNumber >= r.rc.maxTurnsTotal {
		return Status{Reason: ReasonMaxTurns}, nil
	}

	var prevRejections []form.PatchRejection
	for len(step.Issues) > 0 {
		if ctx.Err() != nil {
			r.sessionTurns = h.Turns()
			return Status{Reason: ReasonCancelled}, nil
		}

		effectiveTurn := r.opts.StartingTurnNumber + step.TurnNumber
		r.cb.OnTurnStart(execID, effectiveTurn, 0, len(step.Issues))

		span := logger.StartSpan(logger.WithLogFields(ctx, logger.LogFields{ExecutionID: execID, Turn: logger.Ptr(effectiveTurn)}), "fill.turn")
		res, agentErr := ag.FillFormTool(span.Context(), step.Issues, r.form, step.StepBudget, prevRejections)
		if agentErr != nil {
			span.RecordError(agentErr)
			span.End()
			r.sessionTurns = h.Turns()
			if ctx.Err() != nil {
				return Status{Reason: ReasonCancelled}, nil
			}
			return Status{Reason: ReasonAgentError, Err: agentErr}, nil
		}
		if ctx.Err() != nil {
			span.End()
			r.sessionTurns = h.Turns()
			return Status{Reason: ReasonCancelled}, nil
		}

		patches := res.Patches
		if len(patches) > r.rc.maxPatchesPerTurn {
			slog.WarnContext(ctx, "agent exceeded patch budget, truncating",
				"submitted", len(patches), "budget", r.rc.maxPatchesPerTurn)
			patches = patches[:r.rc.maxPatchesPerTurn]
		}

		next, applyRes, err := h.Apply(patches, step.Issues, res.Stats)
		span.End()
		if err != nil {
			return Status{}, err
		}

		r.turns++
		r.totalPatches += len(applyRes.Applied)
		prevRejections = applyRes.Rejected
		r.cb.OnTurnComplete(execID, effectiveTurn, len(applyRes.Applied), len(applyRes.Rejected))

		step = next
		if len(step.Issues) == 0 {
			break
		}
		if r.opts.MaxTurnsThisCall > 0 && r.turns >= r.opts.MaxTurnsThisCall {
			r.sessionTurns = h.Turns()
			return Status{Reason: ReasonBatchLimit}, nil
		}
		if h.HasReachedMaxTurns() {
			r.sessionTurns = h.Turns()
			return Status{Reason: ReasonMaxTurns}, nil
		}
	}

	r.sessionTurns = h.Turns()
	return Status{OK: true}, nil
}

func (r *fillRun) runParallel(ctx context.Context) (Status, error) {
	pc := harness.ParallelConfig{
		MaxParallelAgents: r.rc.maxParallelAgents,
		MaxPatchesPerTurn: r.rc.maxPatchesPerTurn,
		TargetRoles:       r.rc.targetRoles,
	}

	primary := func(ctx context.Context, run harness.ItemRun, issues []form.Issue, snapshot *form.ParsedForm, maxPatches int) ([]form.Patch, error) {
		if len(issues) == 0 {
			return nil, nil
		}
		turn := r.nextTurn(run.ExecutionID)
		effectiveTurn := r.opts.StartingTurnNumber + turn
		r.cb.OnTurnStart(run.ExecutionID, effectiveTurn, run.Order, len(issues))

		ag := r.taggedAgent(run.ExecutionID)
		res, err := ag.FillFormTool(ctx, issues, snapshot, maxPatches, nil)
		if err != nil {
			r.cb.OnTurnComplete(run.ExecutionID, effectiveTurn, 0, 0)
			return nil, err
		}
		patches := res.Patches
		if len(patches) > maxPatches {
			patches = patches[:maxPatches]
		}
		r.cb.OnTurnComplete(run.ExecutionID, effectiveTurn, len(patches), 0)
		return patches, nil
	}

	var applyMu sync.Mutex
	countApply := func(result form.ApplyResult) {
		applyMu.Lock()
		r.totalPatches += len(result.Applied)
		applyMu.Unlock()
	}

	ph := harness.NewParallel(r.form, pc, primary, nil, harness.ParallelCallbacks{
		OnItemComplete: func(executionID string, result form.ApplyResult) {
			countApply(result)
		},
		OnBatchComplete: func(order int, batchID string, result form.ApplyResult) {
			countApply(result)
		},
	})

	if err := ph.Run(ctx); err != nil {
		if ctx.Err() != nil {
			r.turns = r.countTurns()
			return Status{Reason: ReasonCancelled}, nil
		}
		r.turns = r.countTurns()
		return Status{Reason: ReasonAgentError, Err: err}, nil
	}

	r.turns = r.countTurns()
	remaining := inspect.Inspect(r.form, inspect.Options{TargetRoles: r.rc.targetRoles})
	if !remaining.IsComplete {
		return Status{Reason: ReasonMaxTurns}, nil
	}
	return Status{OK: true}, nil
}

func (r *fillRun) countTurns() int {
	r.turnSeqMu.Lock()
	defer r.turnSeqMu.Unlock()
	n := 0
	for _, c := range r.turnSeq {
		n += c
	}
	return n
}

// finish assembles the Result for any terminal status; partial state is
// always returned.
func (r *fillRun) finish(status Status) *Result {
	result := &Result{
		Status:               status,
		Form:                 r.form,
		Turns:                r.turns,
		TotalPatches:         r.totalPatches,
		InputContextWarnings: r.inputContextWarnings,
		SessionTurns:         r.sessionTurns,
	}

	if r.form == nil {
		return result
	}

	md, err := r.codec.Serialize(r.form)
	if err == nil {
		result.Markdown = md
	}

	insp := inspect.Inspect(r.form, inspect.Options{TargetRoles: r.rc.targetRoles})
	if !insp.IsComplete || len(insp.Issues) > 0 {
		result.RemainingIssues = insp.Issues
	}

	result.Values = answeredValues(r.form)

	if r.opts.RecordFill {
		rec := r.collector.GetRecord(insp.ProgressSummary)
		result.Record = &rec
	}
	return result
}

// answeredValues projects the answered-only field values into a loose map.
func answeredValues(pf *form.ParsedForm) map[string]any {
	values := map[string]any{}
	for _, g := range pf.Schema.Groups {
		for _, f := range g.Fields {
			resp := pf.ResponsesByFieldID[f.ID]
			if resp.State != form.StateAnswered || resp.Value == nil {
				continue
			}
			values[f.ID] = coerce.RawValue(*resp.Value)
		}
	}
	return values
}
