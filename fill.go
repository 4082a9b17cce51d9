// Package fill is the public surface of the markform fill engine: a
// bounded, auditable loop that drives a language model to fill structured
// markform documents. The heavy lifting lives in internal/; this package
// re-exports the types and entry points callers compose.
package fill

import (
	"context"

	"markform.app/fill/internal/agent"
	"markform.app/fill/internal/apply"
	"markform.app/fill/internal/coerce"
	"markform.app/fill/internal/fillengine"
	"markform.app/fill/internal/form"
	"markform.app/fill/internal/harness"
	"markform.app/fill/internal/inspect"
	"markform.app/fill/internal/mdcodec"
	"markform.app/fill/internal/plan"
	"markform.app/fill/internal/record"
)

// Re-exported types. The internal packages own the definitions; aliases
// keep the public import graph to a single package.
type (
	ParsedForm     = form.ParsedForm
	Schema         = form.Schema
	Group          = form.Group
	Field          = form.Field
	FieldValue     = form.FieldValue
	Response       = form.Response
	Note           = form.Note
	Issue          = form.Issue
	Patch          = form.Patch
	PatchRejection = form.PatchRejection
	PatchWarning   = form.PatchWarning
	ApplyResult    = form.ApplyResult
	Codec          = form.Codec

	Options    = fillengine.Options
	Status     = fillengine.Status
	Result     = fillengine.Result
	FillResult = fillengine.Result

	InspectOptions  = inspect.Options
	InspectResult   = inspect.Result
	ProgressSummary = inspect.ProgressSummary

	HarnessConfig         = harness.Config
	SerialHarness         = harness.Serial
	ParallelHarness       = harness.Parallel
	ParallelHarnessConfig = harness.ParallelConfig
	StepResult            = harness.StepResult
	SessionTurn           = harness.SessionTurn
	AgentFunc             = harness.AgentFunc
	ItemAgentFactory      = harness.ItemAgentFactory
	ParallelCallbacks     = harness.ParallelCallbacks

	InputContextResult = coerce.InputContextResult

	FillRecord      = record.FillRecord
	RecordCallbacks = record.Callbacks

	Agent           = agent.Agent
	LiveAgent       = agent.LiveAgent
	LiveAgentConfig = agent.LiveAgentConfig
	MockAgent       = agent.MockAgent
	ProviderFactory = agent.ProviderFactory

	ExecutionPlan = plan.Plan
)

// FillForm runs one complete fill to a terminal status.
func FillForm(ctx context.Context, opts Options) (*Result, error) {
	return fillengine.Fill(ctx, opts)
}

// ParseForm parses markform text with the reference codec.
func ParseForm(text string) (*ParsedForm, error) {
	return mdcodec.New().Parse(text)
}

// Serialize re-emits a form as markform text with the reference codec.
func Serialize(f *ParsedForm) (string, error) {
	return mdcodec.New().Serialize(f)
}

// Inspect derives the prioritized issue list and progress summaries for f.
func Inspect(f *ParsedForm, opts InspectOptions) InspectResult {
	return inspect.Inspect(f, opts)
}

// ApplyPatches applies a batch of patches to f under strict per-patch
// validation.
func ApplyPatches(f *ParsedForm, patches []Patch) ApplyResult {
	return apply.Apply(f, patches)
}

// CoerceInputContext coerces a raw field-id -> value mapping into patches
// plus warnings/errors.
func CoerceInputContext(f *ParsedForm, mapping map[string]any) InputContextResult {
	return coerce.InputContext(f, mapping)
}

// PlanExecution computes the order-level/parallel-batch execution plan for
// a schema.
func PlanExecution(s Schema) ExecutionPlan {
	return plan.Compute(s)
}

// CreateHarness builds a serial step/apply harness over f.
func CreateHarness(f *ParsedForm, codec Codec, cfg HarnessConfig) *SerialHarness {
	if codec == nil {
		codec = mdcodec.New()
	}
	return harness.NewSerial(f, codec, cfg)
}

// CreateParallelHarness builds the order-level parallel dispatcher over f.
func CreateParallelHarness(f *ParsedForm, cfg ParallelHarnessConfig, primary AgentFunc, factory ItemAgentFactory, callbacks ParallelCallbacks) *ParallelHarness {
	return harness.NewParallel(f, cfg, primary, factory, callbacks)
}

// CreateLiveAgent builds an agent bound to a resolved language model.
func CreateLiveAgent(cfg LiveAgentConfig) *LiveAgent {
	return agent.NewLiveAgent(cfg)
}

// CreateMockAgent builds a deterministic agent answering from a completed
// form.
func CreateMockAgent(completed *ParsedForm) *MockAgent {
	return agent.NewMockAgent(completed)
}
