// Package agent implements the agent abstraction: the contract every
// agent satisfies, the LiveAgent that drives a real LanguageModel through
// the fill_form tool, and the MockAgent test doubles used by fillengine
// tests.
package agent

import (
	"context"
	"fmt"

	"markform.app/fill/internal/form"
	"markform.app/fill/internal/harness"
)

// Agent is the fill contract: given this turn's issues, the current form,
// and a patch budget, produce patches.
type Agent interface {
	FillFormTool(ctx context.Context, issues []form.Issue, f *form.ParsedForm, maxPatches int, previousRejections []form.PatchRejection) (Result, error)
}

// Result is what FillFormTool returns: the proposed patches, plus optional
// usage stats (MockAgent never reports stats).
type Result struct {
	Patches []form.Patch
	Stats   *harness.TurnStats
}

// AsAgentFunc adapts an Agent to harness.AgentFunc, dropping
// previousRejections (the harness's step/apply loop doesn't carry turn-to-
// turn rejection feedback itself; internal/fillengine does, by calling
// FillFormTool directly instead of going through this adapter when
// rejection feedback matters).
func AsAgentFunc(a Agent) harness.AgentFunc {
	return func(ctx context.Context, _ harness.ItemRun, issues []form.Issue, snapshot *form.ParsedForm, maxPatches int) ([]form.Patch, error) {
		res, err := a.FillFormTool(ctx, issues, snapshot, maxPatches, nil)
		if err != nil {
			return nil, err
		}
		return res.Patches, nil
	}
}

// ConfigurationError covers invalid model ids, unknown providers, missing
// API keys, and uninstalled provider packages — all fail fast, before any
// LLM call, and are never retried.
type ConfigurationError struct {
	Message string
}

func (e ConfigurationError) Error() string { return e.Message }

// AgentError wraps anything an agent's underlying call threw, surfaced
// through callbacks in real time and preserved on FillStatus.
type AgentError struct {
	Err error
}

func (e AgentError) Error() string { return fmt.Sprintf("agent: %v", e.Err) }
func (e AgentError) Unwrap() error { return e.Err }
