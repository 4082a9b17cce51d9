package agent

import (
	"context"
	"fmt"

	"markform.app/fill/internal/coerce"
	"markform.app/fill/internal/form"
)

// MockAgent answers every FillFormTool call from a pre-filled, completed
// ParsedForm, by converting that form's own field values back into set
// patches for whatever fields the turn's issues reference. Optional
// fields the source form leaves empty are skipped. It never reports
// usage stats.
type MockAgent struct {
	// Source holds the fully-filled answer key.
	Source *form.ParsedForm
}

// NewMockAgent builds a MockAgent that answers from a completed form.
func NewMockAgent(source *form.ParsedForm) *MockAgent {
	return &MockAgent{Source: source}
}

func (m *MockAgent) FillFormTool(_ context.Context, issues []form.Issue, f *form.ParsedForm, maxPatches int, _ []form.PatchRejection) (Result, error) {
	seen := make(map[string]bool)
	var patches []form.Patch

	for _, iss := range issues {
		if len(patches) >= maxPatches {
			break
		}
		fieldID := baseFieldID(iss.Ref)
		if seen[fieldID] {
			continue
		}
		seen[fieldID] = true

		field, _, ok := f.FindField(fieldID)
		if !ok {
			continue
		}

		resp, ok := m.Source.ResponsesByFieldID[fieldID]
		if !ok || resp.Value == nil {
			if !field.Required {
				patches = append(patches, form.Patch{Op: form.OpSkipField, FieldID: fieldID})
			}
			continue
		}

		patches = append(patches, coerce.ValueToSetPatch(*field, *resp.Value))
	}

	return Result{Patches: patches}, nil
}

// RejectionMockAgent deliberately submits one kind-mismatched patch on its
// first call, then on every subsequent call answers correctly from Source
// like MockAgent. Exercises internal/fillengine's rejection-feedback loop
// without needing a live model.
type RejectionMockAgent struct {
	Source     *form.ParsedForm
	BadField   string // field ID to target with a malformed patch on turn 1
	called     bool
}

func NewRejectionMockAgent(source *form.ParsedForm, badField string) *RejectionMockAgent {
	return &RejectionMockAgent{Source: source, BadField: badField}
}

func (m *RejectionMockAgent) FillFormTool(ctx context.Context, issues []form.Issue, f *form.ParsedForm, maxPatches int, previousRejections []form.PatchRejection) (Result, error) {
	if !m.called {
		m.called = true
		if _, _, ok := f.FindField(m.BadField); ok {
			return Result{Patches: []form.Patch{badPatchFor(m.BadField)}}, nil
		}
	}

	delegate := &MockAgent{Source: m.Source}
	return delegate.FillFormTool(ctx, issues, f, maxPatches, previousRejections)
}

// badPatchFor builds a patch carrying the wrong op for almost any field
// kind (a set_single_select against a field that is very unlikely to be a
// single_select), which apply.Apply rejects with a kind-mismatch reason.
func badPatchFor(fieldID string) form.Patch {
	raw := fmt.Sprintf(`{"op":%q,"fieldId":%q,"selected":"__mock_bad_option__"}`, form.OpSetSingleSelect, fieldID)
	var p form.Patch
	_ = p.UnmarshalJSON([]byte(raw))
	return p
}
