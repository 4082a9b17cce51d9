// Package harness implements the serial and parallel harnesses: the
// step/apply state machine that drives one fill from issue inspection
// through patch application, turn by turn.
package harness

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"markform.app/fill/internal/apply"
	"markform.app/fill/internal/form"
	"markform.app/fill/internal/inspect"
)

// State is one of the serial harness's resting states. Stepping is the
// transient computation inside Step/Apply and never a resting value:
// callers only ever see init, wait, or complete.
type State string

const (
	StateInit     State = "init"
	StateWait     State = "wait"
	StateComplete State = "complete"
)

// Config bounds one serial harness run. MaxTurns is the harness-internal
// name for the externally-named maxTurnsTotal;
// internal/fillengine is responsible for that name mapping.
type Config struct {
	MaxTurns          int
	MaxPatchesPerTurn int
	MaxIssuesPerTurn  int
	MaxFieldsPerTurn  int // 0 = unbounded
	MaxGroupsPerTurn  int // 0 = unbounded
	TargetRoles       []string
	FillMode          string // "continue" | "overwrite"
}

func (c Config) withDefaults() Config {
	if c.MaxPatchesPerTurn <= 0 {
		c.MaxPatchesPerTurn = 20
	}
	if c.MaxIssuesPerTurn <= 0 {
		c.MaxIssuesPerTurn = 20
	}
	if len(c.TargetRoles) == 0 {
		c.TargetRoles = []string{"agent"}
	}
	if c.FillMode == "" {
		c.FillMode = "continue"
	}
	return c
}

// StepResult is returned by both Step and Apply: the issues the agent
// should address this turn, plus progress/structure context.
type StepResult struct {
	Issues            []form.Issue
	StepBudget        int
	ProgressSummary   inspect.ProgressSummary
	StructureSummary  inspect.StructureSummary
	IsComplete        bool
	TurnNumber        int
}

// TurnStats carries optional LLM usage stats an agent reports; threaded
// through to SessionTurn verbatim. internal/agent is the producer.
type TurnStats struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type InspectSnapshot struct {
	Issues []form.Issue
}

type ApplySnapshot struct {
	Patches []form.Patch
}

type AfterSnapshot struct {
	RequiredIssueCount int
	MarkdownSha256     string
	AnsweredFieldCount int
	SkippedFieldCount  int
}

// SessionTurn is the per-turn audit record the serial harness accumulates.
type SessionTurn struct {
	Turn    int
	Inspect InspectSnapshot
	Apply   ApplySnapshot
	After   AfterSnapshot
	LLM     *TurnStats
}

// Serial is the step/apply state machine. Zero value is not usable; build with
// NewSerial.
type Serial struct {
	form  *form.ParsedForm
	codec form.Codec
	cfg   Config

	state      State
	turnNumber int
	turns      []SessionTurn
}

// NewSerial builds a serial harness over f. codec is used only to compute
// markdownSha256 after each apply; it performs no other I/O here.
func NewSerial(f *form.ParsedForm, codec form.Codec, cfg Config) *Serial {
	return &Serial{form: f, codec: codec, cfg: cfg.withDefaults(), state: StateInit}
}

func (s *Serial) State() State          { return s.state }
func (s *Serial) TurnNumber() int       { return s.turnNumber }
func (s *Serial) Turns() []SessionTurn  { return s.turns }

// HasReachedMaxTurns reports true iff the last allowed turn has
// actually been completed. At
// turnNumber == maxTurns while still in StateWait, one more apply is
// owed, so this returns false until that apply lands.
func (s *Serial) HasReachedMaxTurns() bool {
	if s.cfg.MaxTurns <= 0 {
		return false
	}
	return s.turnNumber >= s.cfg.MaxTurns && s.state != StateWait
}

// Step runs the first inspection of a fill. Valid only from StateInit. If
// fillMode == "overwrite", synthetic clear_field patches are applied for
// every target-role field before the first inspection.
func (s *Serial) Step() (StepResult, error) {
	if s.state != StateInit {
		return StepResult{}, fmt.Errorf("harness: step() called in state %q, expected init", s.state)
	}
	if s.cfg.FillMode == "overwrite" {
		s.clearTargetFields()
	}

	s.turnNumber = 1
	res := inspect.Inspect(s.form, inspect.Options{TargetRoles: s.cfg.TargetRoles})
	issues := s.scopedIssues(res.Issues)

	if len(issues) == 0 {
		s.state = StateComplete
	} else {
		s.state = StateWait
	}

	return s.stepResult(issues, res), nil
}

// Apply applies patches proposed for the current turn, records a
// SessionTurn, re-inspects, and returns the next StepResult. Valid only
// from StateWait. len(patches) > maxPatchesPerTurn is a programming error
// (the harness never hands out more budget than that) and panics rather
// than producing a structured rejection.
func (s *Serial) Apply(patches []form.Patch, shownIssues []form.Issue, llm *TurnStats) (StepResult, form.ApplyResult, error) {
	if s.state != StateWait {
		return StepResult{}, form.ApplyResult{}, fmt.Errorf("harness: apply() called in state %q, expected wait", s.state)
	}
	if len(patches) > s.cfg.MaxPatchesPerTurn {
		panic(fmt.Sprintf("harness: apply() received %d patches, exceeds maxPatchesPerTurn=%d", len(patches), s.cfg.MaxPatchesPerTurn))
	}

	result := apply.Apply(s.form, patches)

	md, err := s.codec.Serialize(s.form)
	if err != nil {
		return StepResult{}, result, fmt.Errorf("harness: serialize for hash: %w", err)
	}
	sum := sha256.Sum256([]byte(md))

	reinspected := inspect.Inspect(s.form, inspect.Options{TargetRoles: s.cfg.TargetRoles})

	s.turns = append(s.turns, SessionTurn{
		Turn:    s.turnNumber,
		Inspect: InspectSnapshot{Issues: shownIssues},
		Apply:   ApplySnapshot{Patches: patches},
		After: AfterSnapshot{
			RequiredIssueCount: countRequired(reinspected.Issues),
			MarkdownSha256:     hex.EncodeToString(sum[:]),
			AnsweredFieldCount: reinspected.ProgressSummary.AnsweredFields,
			SkippedFieldCount:  reinspected.ProgressSummary.SkippedFields,
		},
		LLM: llm,
	})

	issues := s.scopedIssues(reinspected.Issues)

	if len(issues) == 0 || s.HasReachedMaxTurnsAt(s.turnNumber) {
		s.state = StateComplete
	} else {
		s.turnNumber++
		s.state = StateWait
	}

	return s.stepResult(issues, reinspected), result, nil
}

// HasReachedMaxTurnsAt reports whether turnNumber is the last allowed turn,
// independent of the wait/complete distinction HasReachedMaxTurns adds —
// used internally right after an apply, when the "apply owed" caveat no
// longer applies because the apply just happened.
func (s *Serial) HasReachedMaxTurnsAt(turnNumber int) bool {
	return s.cfg.MaxTurns > 0 && turnNumber >= s.cfg.MaxTurns
}

func (s *Serial) stepResult(issues []form.Issue, res inspect.Result) StepResult {
	budget := s.cfg.MaxPatchesPerTurn
	if len(issues) < budget {
		budget = len(issues)
	}
	return StepResult{
		Issues:           issues,
		StepBudget:       budget,
		ProgressSummary:  res.ProgressSummary,
		StructureSummary: res.StructureSummary,
		IsComplete:       res.IsComplete,
		TurnNumber:       s.turnNumber,
	}
}

// scopedIssues applies filterIssuesByScope then caps to maxIssuesPerTurn.
func (s *Serial) scopedIssues(issues []form.Issue) []form.Issue {
	filtered := filterIssuesByScope(s.form, issues, s.cfg.MaxFieldsPerTurn, s.cfg.MaxGroupsPerTurn)
	if s.cfg.MaxIssuesPerTurn > 0 && len(filtered) > s.cfg.MaxIssuesPerTurn {
		filtered = filtered[:s.cfg.MaxIssuesPerTurn]
	}
	return filtered
}

func (s *Serial) clearTargetFields() {
	fields := s.form.FieldsForRoles(s.cfg.TargetRoles)
	patches := make([]form.Patch, 0, len(fields))
	for _, f := range fields {
		patches = append(patches, form.Patch{Op: form.OpClearField, FieldID: f.ID})
	}
	apply.Apply(s.form, patches)
}

func countRequired(issues []form.Issue) int {
	n := 0
	for _, iss := range issues {
		if iss.Severity == form.SeverityRequired {
			n++
		}
	}
	return n
}

// filterIssuesByScope bounds how many distinct fields/groups an agent is
// handed per turn. Form-scoped issues always pass. Field/option/cell-
// scoped issues are admitted only while the running count of distinct
// fields (and their owning groups) stays under the configured limits.
// A limit of 0 means unbounded.
func filterIssuesByScope(f *form.ParsedForm, issues []form.Issue, maxFields, maxGroups int) []form.Issue {
	fieldSeen := make(map[string]bool)
	groupSeen := make(map[string]bool)
	out := make([]form.Issue, 0, len(issues))

	for _, iss := range issues {
		switch iss.Scope {
		case form.ScopeForm:
			out = append(out, iss)
			continue
		case form.ScopeGroup:
			if maxGroups > 0 && !groupSeen[iss.Ref] && len(groupSeen) >= maxGroups {
				continue
			}
			groupSeen[iss.Ref] = true
			out = append(out, iss)
			continue
		}

		fieldID := baseFieldID(iss.Ref)
		groupID := ""
		if _, grp, ok := f.FindField(fieldID); ok && grp != nil {
			groupID = grp.ID
		}

		if maxFields > 0 && !fieldSeen[fieldID] && len(fieldSeen) >= maxFields {
			continue
		}
		if groupID != "" && maxGroups > 0 && !groupSeen[groupID] && len(groupSeen) >= maxGroups {
			continue
		}

		fieldSeen[fieldID] = true
		if groupID != "" {
			groupSeen[groupID] = true
		}
		out = append(out, iss)
	}

	return out
}

// baseFieldID strips an option/cell suffix ("fieldId.optionId") down to
// the owning field id.
func baseFieldID(ref string) string {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i]
		}
	}
	return ref
}
