package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"markform.app/fill/common/llm"
	"markform.app/fill/internal/form"
	"markform.app/fill/internal/harness"
)

// LiveCallbacks notifies a caller (internal/fillengine, wiring
// internal/record's collector) about sub-turn events a LiveAgent
// produces: individual LLM calls and tool invocations within one turn.
// Any field may be nil.
type LiveCallbacks struct {
	OnLLMCallStart func(executionID string)
	OnLLMCallEnd   func(executionID string, promptTokens, completionTokens int)
	OnToolStart    func(executionID, toolName string)
	OnToolEnd      func(executionID, toolName string, success bool, resultCount int)
	OnWebSearch    func(executionID, query string, resultCount int)
}

func (cb LiveCallbacks) fire(f func()) {
	if f == nil {
		return
	}
	defer func() { recover() }() // a buggy observer must not destabilize the fill
	f()
}

// LiveAgentConfig configures one LiveAgent instance. RoleInstructions and
// SystemPromptAddition feed buildSystemPrompt; EnableWebSearch gates
// attaching the web_search tool.
type LiveAgentConfig struct {
	Model                llm.AgentClient
	RoleInstructions     map[string]string
	SystemPromptAddition string
	AdditionalTools      []llm.Tool
	EnableWebSearch      bool
	// ToolChoice is "auto" or "required"; default "required" because
	// some models under-use tools with "auto".
	ToolChoice      string
	MaxStepsPerTurn int
	MaxRetries      int
	// CaptureWireFormat logs every request/response body at debug level
	// for protocol diagnosis.
	CaptureWireFormat bool
	Callbacks         LiveCallbacks
}

func (c LiveAgentConfig) withDefaults() LiveAgentConfig {
	if c.ToolChoice == "" {
		c.ToolChoice = "required"
	}
	if c.MaxStepsPerTurn <= 0 {
		c.MaxStepsPerTurn = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// LiveAgent drives a real LanguageModel through the fill_form tool
// contract: call the model, execute/acknowledge each tool call, feed
// results back, loop until the model stops calling tools or the step
// budget runs out.
type LiveAgent struct {
	cfg         LiveAgentConfig
	executionID string // set per call via WithExecutionID; defaults to "" (untagged)
}

// NewLiveAgent builds a LiveAgent bound to a resolved model client.
func NewLiveAgent(cfg LiveAgentConfig) *LiveAgent {
	return &LiveAgent{cfg: cfg.withDefaults()}
}

// WithExecutionID returns a copy of the agent tagging its callback events
// with executionID, so internal/fillengine can hand each batch item's
// agent a distinct thread id for observability.
func (a *LiveAgent) WithExecutionID(executionID string) *LiveAgent {
	clone := *a
	clone.executionID = executionID
	return &clone
}

// FillFormTool implements the Agent contract.
func (a *LiveAgent) FillFormTool(ctx context.Context, issues []form.Issue, f *form.ParsedForm, maxPatches int, previousRejections []form.PatchRejection) (Result, error) {
	system := buildSystemPrompt(f, issues, a.cfg.RoleInstructions, a.cfg.SystemPromptAddition)
	userPrompt := buildContextPrompt(issues)
	if len(previousRejections) > 0 {
		userPrompt += "\n\n" + buildRejectionFeedback(previousRejections)
	}

	tools := append([]llm.Tool{fillFormTool()}, a.cfg.AdditionalTools...)
	if a.cfg.EnableWebSearch {
		tools = append(tools, webSearchTool())
	}

	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: userPrompt},
	}

	var patches []form.Patch
	var promptTokens, completionTokens int

	for step := 0; step < a.cfg.MaxStepsPerTurn; step++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		a.cfg.Callbacks.fire(func() { a.cfg.Callbacks.OnLLMCallStart(a.executionID) })
		req := llm.AgentRequest{Messages: messages, Tools: tools, ToolChoice: a.cfg.ToolChoice}
		if a.cfg.CaptureWireFormat {
			a.logWire(ctx, "llm request", req.Messages)
		}
		resp, err := a.callWithRetry(ctx, req)
		if err != nil {
			return Result{}, AgentError{Err: err}
		}
		if a.cfg.CaptureWireFormat {
			a.logWire(ctx, "llm response", resp)
		}
		promptTokens += resp.PromptTokens
		completionTokens += resp.CompletionTokens
		a.cfg.Callbacks.fire(func() { a.cfg.Callbacks.OnLLMCallEnd(a.executionID, resp.PromptTokens, resp.CompletionTokens) })

		if len(resp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, tc := range resp.ToolCalls {
			switch tc.Name {
			case fillFormToolName:
				a.cfg.Callbacks.fire(func() { a.cfg.Callbacks.OnToolStart(a.executionID, tc.Name) })
				got, err := extractPatches(tc.Arguments)
				success := err == nil
				if success {
					patches = append(patches, got...)
				}
				a.cfg.Callbacks.fire(func() { a.cfg.Callbacks.OnToolEnd(a.executionID, tc.Name, success, len(got)) })
				messages = append(messages, llm.Message{Role: "tool", Content: toolAck(success), ToolCallID: tc.ID})
			case webSearchToolName:
				query := extractWebSearchQuery(tc.Arguments)
				a.cfg.Callbacks.fire(func() { a.cfg.Callbacks.OnWebSearch(a.executionID, query, 0) })
				messages = append(messages, llm.Message{Role: "tool", Content: `{"results":[]}`, ToolCallID: tc.ID})
			default:
				// Custom additional tools execute outside this harness
				//; acknowledge so the conversation doesn't
				// stall waiting on a tool result that never arrives.
				messages = append(messages, llm.Message{Role: "tool", Content: `{}`, ToolCallID: tc.ID})
			}
		}

		if len(patches) >= maxPatches {
			break
		}
	}

	if maxPatches > 0 && len(patches) > maxPatches {
		patches = patches[:maxPatches]
	}

	return Result{
		Patches: patches,
		Stats: &harness.TurnStats{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func (a *LiveAgent) logWire(ctx context.Context, label string, payload any) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return
	}
	slog.DebugContext(ctx, label, "execution_id", a.executionID, "wire", string(blob))
}

func toolAck(success bool) string {
	if success {
		return `{"ok":true}`
	}
	return `{"ok":false}`
}

// callWithRetry retries transient provider errors (429/503) with
// exponential backoff and jitter, up to cfg.MaxRetries. llm.IsRetryable
// classifies the error; configuration/validation errors are never
// retried.
func (a *LiveAgent) callWithRetry(ctx context.Context, req llm.AgentRequest) (*llm.AgentResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		resp, err := a.cfg.Model.ChatWithTools(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == a.cfg.MaxRetries || !llm.IsRetryable(ctx, err) {
			return nil, err
		}
		backoff := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff/2) + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return nil, fmt.Errorf("agent: exhausted retries: %w", lastErr)
}
