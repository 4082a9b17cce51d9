package form

import (
	"encoding/json"
	"fmt"
)

// PatchOp tags the Patch discriminated union.
type PatchOp string

const (
	OpSetString        PatchOp = "set_string"
	OpSetNumber        PatchOp = "set_number"
	OpSetStringList    PatchOp = "set_string_list"
	OpSetSingleSelect  PatchOp = "set_single_select"
	OpSetMultiSelect   PatchOp = "set_multi_select"
	OpSetCheckboxes    PatchOp = "set_checkboxes"
	OpSetURL           PatchOp = "set_url"
	OpSetURLList       PatchOp = "set_url_list"
	OpSetDate          PatchOp = "set_date"
	OpSetYear          PatchOp = "set_year"
	OpSetTable         PatchOp = "set_table"
	OpAppendTable      PatchOp = "append_table"
	OpDeleteTable      PatchOp = "delete_table"
	OpAppendStringList PatchOp = "append_string_list"
	OpDeleteStringList PatchOp = "delete_string_list"
	OpAppendURLList    PatchOp = "append_url_list"
	OpDeleteURLList    PatchOp = "delete_url_list"
	OpClearField       PatchOp = "clear_field"
	OpSkipField        PatchOp = "skip_field"
	OpAbortField       PatchOp = "abort_field"
	OpAddNote          PatchOp = "add_note"
	OpRemoveNote       PatchOp = "remove_note"
)

// Patch is one proposed mutation. Data carries the op-specific payload
// and is interpreted by ParsePatchData.
type Patch struct {
	Op      PatchOp         `json:"op"`
	FieldID string          `json:"fieldId,omitempty"`
	Ref     string          `json:"ref,omitempty"` // add_note/remove_note
	Data    json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the envelope fields typed while stashing the rest of
// the object (including fieldId/ref, which some payload structs also read)
// as raw data for op-specific decoding.
func (p *Patch) UnmarshalJSON(b []byte) error {
	type envelope struct {
		Op      PatchOp `json:"op"`
		FieldID string  `json:"fieldId,omitempty"`
		Ref     string  `json:"ref,omitempty"`
	}
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return fmt.Errorf("unmarshal patch envelope: %w", err)
	}
	p.Op = e.Op
	p.FieldID = e.FieldID
	p.Ref = e.Ref
	p.Data = append(json.RawMessage(nil), b...)
	return nil
}

// ParsePatchData decodes a patch's op-specific payload into T.
func ParsePatchData[T any](p Patch) (T, error) {
	var out T
	if len(p.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(p.Data, &out); err != nil {
		return out, fmt.Errorf("parse patch data for op %q: %w", p.Op, err)
	}
	return out, nil
}

// Payload structs for ParsePatchData[T]. Scalar set_* ops use *T fields so
// an explicit null is distinguishable from an absent field.

type SetStringData struct {
	Value *string `json:"value"`
}

type SetNumberData struct {
	Value *float64 `json:"value"`
}

type SetURLData struct {
	Value *string `json:"value"`
}

type SetDateData struct {
	Value *string `json:"value"`
}

type SetYearData struct {
	Value *int `json:"value"`
}

// SetListData covers set_string_list/set_url_list. A legacy `value`
// payload is accepted and surfaced as a coercion warning by the applier,
// not rejected here.
type SetListData struct {
	Items []string `json:"items"`
	Value any      `json:"value,omitempty"`
}

type SetSingleSelectData struct {
	Selected *string `json:"selected"`
}

type SetMultiSelectData struct {
	Selected []string `json:"selected"`
}

type SetCheckboxesData struct {
	Values map[string]string `json:"values"`
}

type SetTableData struct {
	Rows []map[string]any `json:"rows"`
}

type FieldReasonData struct {
	Reason string `json:"reason,omitempty"`
}

type AddNoteData struct {
	Text   string `json:"text"`
	NoteID string `json:"noteId,omitempty"`
}

type RemoveNoteData struct {
	NoteID string `json:"noteId"`
}

// PatchRejection records a patch that failed validation.
type PatchRejection struct {
	FieldID        string
	PatchOp        PatchOp
	Reason         string
	FieldKind      FieldKind
	ExpectedFormat string
	ColumnIDs      []string
}

// PatchWarning records a loss-free reinterpretation applied during
// coercion.
type PatchWarning struct {
	FieldID string
	Message string
}

// ApplyResult is the outcome of applying one batch of patches.
type ApplyResult struct {
	Applied  []Patch
	Rejected []PatchRejection
	Warnings []PatchWarning
}
