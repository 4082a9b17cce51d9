// Package fillengine is the fill orchestrator: the public entry point
// that resolves a model, applies input context, runs the serial or parallel
// harness loop to a terminal status, and assembles the FillResult plus its
// optional FillRecord. The orchestrator resolves collaborators, loops
// turns, and builds the result; nothing but programming errors ever
// throws past its boundary.
package fillengine

import (
	"markform.app/fill/common/llm"
	"markform.app/fill/internal/agent"
	"markform.app/fill/internal/form"
	"markform.app/fill/internal/harness"
	"markform.app/fill/internal/record"
)

// Options configures one Fill call.
type Options struct {
	// Form takes precedence over FormText; exactly one must be set. A
	// provided Form is deep-cloned on entry so mutations don't leak back.
	Form     *form.ParsedForm
	FormText string

	// Codec serializes for markdownSha256 and the result markdown. Nil
	// selects the reference mdcodec.
	Codec form.Codec

	// Model is a "provider/modelId" spec. Ignored when TestAgent is set.
	Model string

	// EnableWebSearch is deliberately not defaulted anywhere: callers
	// must decide tool exposure explicitly.
	EnableWebSearch   bool
	CaptureWireFormat bool
	RecordFill        bool

	// Budgets. A zero MaxTurnsTotal, MaxPatchesPerTurn or MaxIssuesPerTurn
	// means "use the form's harnessConfig, else defaults"; the form's
	// harnessConfig does not supply the others.
	MaxTurnsTotal      int
	MaxTurnsThisCall   int
	StartingTurnNumber int
	MaxPatchesPerTurn  int
	MaxIssuesPerTurn   int
	MaxStepsPerTurn    int
	MaxFieldsPerTurn   int
	MaxGroupsPerTurn   int
	MaxRetries         int

	TargetRoles          []string
	FillMode             string // "continue" | "overwrite"
	EnableParallel       bool
	MaxParallelAgents    int
	InputContext         map[string]any
	SystemPromptAddition string
	ToolChoice           string
	AdditionalTools      []llm.Tool
	Providers            map[string]agent.ProviderFactory
	Callbacks            record.Callbacks

	// TestAgent bypasses model resolution entirely.
	TestAgent agent.Agent
}

// Reason values for a non-OK Status.
const (
	ReasonMaxTurns      = "max_turns"
	ReasonBatchLimit    = "batch_limit"
	ReasonCancelled     = "cancelled"
	ReasonParseError    = "parse_error"
	ReasonConfiguration = "configuration_error"
	ReasonInputContext  = "input_context_error"
	ReasonAgentError    = "agent_error"
)

// Status is the terminal verdict of one Fill call.
type Status struct {
	OK     bool
	Reason string
	Err    error
}

// Result is the FillResult. On any terminal status
// the caller receives the current markdown, values, form, and turn count;
// no partial state is silently discarded.
type Result struct {
	Status               Status
	Markdown             string
	Values               map[string]any
	Form                 *form.ParsedForm
	Turns                int
	TotalPatches         int
	InputContextWarnings []form.PatchWarning
	RemainingIssues      []form.Issue
	SessionTurns         []harness.SessionTurn
	Record               *record.FillRecord
}

const defaultMaxTurnsTotal = 100

// resolvedConfig is the merged harness configuration: caller options over
// form metadata over defaults.
type resolvedConfig struct {
	maxTurnsTotal     int
	maxPatchesPerTurn int
	maxIssuesPerTurn  int
	maxParallelAgents int
	targetRoles       []string
	fillMode          string
}

func resolveConfig(opts Options, meta form.Metadata) resolvedConfig {
	rc := resolvedConfig{
		maxTurnsTotal:     opts.MaxTurnsTotal,
		maxPatchesPerTurn: opts.MaxPatchesPerTurn,
		maxIssuesPerTurn:  opts.MaxIssuesPerTurn,
		maxParallelAgents: opts.MaxParallelAgents,
		targetRoles:       opts.TargetRoles,
		fillMode:          opts.FillMode,
	}

	if hc := meta.HarnessConfig; hc != nil {
		if rc.maxTurnsTotal == 0 && hc.MaxTurns != nil {
			rc.maxTurnsTotal = *hc.MaxTurns
		}
		if rc.maxPatchesPerTurn == 0 && hc.MaxPatchesPerTurn != nil {
			rc.maxPatchesPerTurn = *hc.MaxPatchesPerTurn
		}
		if rc.maxIssuesPerTurn == 0 && hc.MaxIssuesPerTurn != nil {
			rc.maxIssuesPerTurn = *hc.MaxIssuesPerTurn
		}
	}

	if rc.maxTurnsTotal <= 0 {
		rc.maxTurnsTotal = defaultMaxTurnsTotal
	}
	if rc.maxPatchesPerTurn <= 0 {
		rc.maxPatchesPerTurn = 20
	}
	if rc.maxIssuesPerTurn <= 0 {
		rc.maxIssuesPerTurn = 20
	}
	if rc.maxParallelAgents <= 0 {
		rc.maxParallelAgents = 4
	}
	if len(rc.targetRoles) == 0 {
		rc.targetRoles = defaultTargetRoles(meta.RunMode)
	}
	if rc.fillMode == "" {
		rc.fillMode = "continue"
	}
	return rc
}

// defaultTargetRoles maps the form's run mode to who fills by default:
// research and fill target the agent; interactive targets the user (which
// an automated fill then has nothing to do for, correctly).
func defaultTargetRoles(runMode string) []string {
	if runMode == "interactive" {
		return []string{"user"}
	}
	return []string{"agent"}
}

// harnessConfig maps the externally-named maxTurnsTotal budget into the
// harness-internal maxTurns, net of turns already spent in prior calls.
func (rc resolvedConfig) harnessConfig(opts Options) harness.Config {
	maxTurns := rc.maxTurnsTotal - opts.StartingTurnNumber
	if maxTurns < 0 {
		maxTurns = 0
	}
	return harness.Config{
		MaxTurns:          maxTurns,
		MaxPatchesPerTurn: rc.maxPatchesPerTurn,
		MaxIssuesPerTurn:  rc.maxIssuesPerTurn,
		MaxFieldsPerTurn:  opts.MaxFieldsPerTurn,
		MaxGroupsPerTurn:  opts.MaxGroupsPerTurn,
		TargetRoles:       rc.targetRoles,
		FillMode:          rc.fillMode,
	}
}
