// Package apply implements the patch applier: validating and applying a
// batch of patches against a form, one patch at a time, with rejections
// and warnings instead of throws for anything the agent got wrong.
package apply

import (
	"fmt"

	"markform.app/fill/internal/coerce"
	"markform.app/fill/internal/form"
)

// Apply applies patches to f in order, mutating f.ResponsesByFieldID and
// f.Notes in place. Every patch either applies or is rejected; rejection
// never corrupts state.
func Apply(f *form.ParsedForm, patches []form.Patch) form.ApplyResult {
	var result form.ApplyResult
	for _, p := range patches {
		applyOne(f, p, &result)
	}
	return result
}

func reject(result *form.ApplyResult, p form.Patch, reason string, kind form.FieldKind, expectedFormat string, columnIDs []string) {
	result.Rejected = append(result.Rejected, form.PatchRejection{
		FieldID:        p.FieldID,
		PatchOp:        p.Op,
		Reason:         reason,
		FieldKind:      kind,
		ExpectedFormat: expectedFormat,
		ColumnIDs:      columnIDs,
	})
}

func applyOne(f *form.ParsedForm, p form.Patch, result *form.ApplyResult) {
	switch p.Op {
	case form.OpAddNote:
		applyAddNote(f, p, result)
		return
	case form.OpRemoveNote:
		applyRemoveNote(f, p, result)
		return
	}

	field, _, ok := f.FindField(p.FieldID)
	if !ok {
		reject(result, p, "unknown_field", "", "", nil)
		return
	}

	switch p.Op {
	case form.OpClearField:
		f.ResponsesByFieldID[p.FieldID] = form.Response{State: form.StateEmpty}
		result.Applied = append(result.Applied, p)
	case form.OpSkipField:
		prev := f.ResponsesByFieldID[p.FieldID]
		f.ResponsesByFieldID[p.FieldID] = form.Response{State: form.StateSkipped, Value: prev.Value}
		result.Applied = append(result.Applied, p)
	case form.OpAbortField:
		f.ResponsesByFieldID[p.FieldID] = form.Response{State: form.StateAborted}
		result.Applied = append(result.Applied, p)
	case form.OpSetString, form.OpSetNumber, form.OpSetURL, form.OpSetDate, form.OpSetYear,
		form.OpSetStringList, form.OpSetURLList, form.OpSetSingleSelect, form.OpSetMultiSelect,
		form.OpSetCheckboxes, form.OpSetTable:
		applySet(f, *field, p, result)
	case form.OpAppendStringList, form.OpAppendURLList:
		applyAppendList(f, *field, p, result)
	case form.OpDeleteStringList, form.OpDeleteURLList:
		applyDeleteList(f, *field, p, result)
	case form.OpAppendTable:
		applyAppendTable(f, *field, p, result)
	case form.OpDeleteTable:
		applyDeleteTable(f, *field, p, result)
	default:
		reject(result, p, fmt.Sprintf("unrecognized patch op %q", p.Op), field.Kind, "", nil)
	}
}

func opKind(op form.PatchOp) form.FieldKind {
	switch op {
	case form.OpSetString:
		return form.KindString
	case form.OpSetNumber:
		return form.KindNumber
	case form.OpSetURL:
		return form.KindURL
	case form.OpSetDate:
		return form.KindDate
	case form.OpSetYear:
		return form.KindYear
	case form.OpSetStringList, form.OpAppendStringList, form.OpDeleteStringList:
		return form.KindStringList
	case form.OpSetURLList, form.OpAppendURLList, form.OpDeleteURLList:
		return form.KindURLList
	case form.OpSetSingleSelect:
		return form.KindSingleSelect
	case form.OpSetMultiSelect:
		return form.KindMultiSelect
	case form.OpSetCheckboxes:
		return form.KindCheckboxes
	case form.OpSetTable, form.OpAppendTable, form.OpDeleteTable:
		return form.KindTable
	default:
		return ""
	}
}

func expectedFormatFor(kind form.FieldKind) string {
	switch kind {
	case form.KindString:
		return `{"op":"set_string","fieldId":"...","value":"..."}`
	case form.KindNumber:
		return `{"op":"set_number","fieldId":"...","value":0}`
	case form.KindURL:
		return `{"op":"set_url","fieldId":"...","value":"https://..."}`
	case form.KindDate:
		return `{"op":"set_date","fieldId":"...","value":"YYYY-MM-DD"}`
	case form.KindYear:
		return `{"op":"set_year","fieldId":"...","value":2024}`
	case form.KindStringList:
		return `{"op":"set_string_list","fieldId":"...","items":["..."]}`
	case form.KindURLList:
		return `{"op":"set_url_list","fieldId":"...","items":["https://..."]}`
	case form.KindSingleSelect:
		return `{"op":"set_single_select","fieldId":"...","selected":"optionId"}`
	case form.KindMultiSelect:
		return `{"op":"set_multi_select","fieldId":"...","selected":["optionId"]}`
	case form.KindCheckboxes:
		return `{"op":"set_checkboxes","fieldId":"...","values":{"optionId":"state"}}`
	case form.KindTable:
		return `{"op":"set_table","fieldId":"...","rows":[{"columnId":"..."}]}`
	default:
		return ""
	}
}

// applySet validates op/field kind match, re-runs coercion, enforces
// constraints, and on success transitions the field to "answered".
func applySet(f *form.ParsedForm, field form.Field, p form.Patch, result *form.ApplyResult) {
	wantKind := opKind(p.Op)
	if wantKind != field.Kind {
		var columnIDs []string
		if field.Kind == form.KindTable {
			columnIDs = columnIDsOf(field)
		}
		reject(result, p, "kind_mismatch", field.Kind, expectedFormatFor(field.Kind), columnIDs)
		return
	}

	raw, legacyWarning := extractSetPayload(p)
	value, warn, cerr := coerce.Value(field, raw)
	if cerr != nil {
		reject(result, p, cerr.Error(), field.Kind, expectedFormatFor(field.Kind), nil)
		return
	}
	if err := enforceConstraints(field, value); err != "" {
		reject(result, p, err, field.Kind, expectedFormatFor(field.Kind), nil)
		return
	}

	if value.StringValue == nil && value.NumberValue == nil && value.URLValue == nil &&
		value.DateValue == nil && value.YearValue == nil && value.Items == nil &&
		value.Selected == nil && value.SelectedSet == nil && value.Checkboxes == nil && value.Rows == nil {
		f.ResponsesByFieldID[field.ID] = form.Response{State: form.StateEmpty}
	} else {
		v := value
		f.ResponsesByFieldID[field.ID] = form.Response{State: form.StateAnswered, Value: &v}
	}

	if legacyWarning != "" {
		result.Warnings = append(result.Warnings, form.PatchWarning{FieldID: field.ID, Message: legacyWarning})
	}
	if warn != nil {
		result.Warnings = append(result.Warnings, form.PatchWarning{FieldID: field.ID, Message: warn.Message})
	}
	result.Applied = append(result.Applied, p)
}

// extractSetPayload decodes a set_* patch's raw value into the shape
// coerce.Value expects. A set_string_list/set_url_list payload carrying
// legacy `value` instead of `items` is reinterpreted, with a warning,
// rather than rejected.
func extractSetPayload(p form.Patch) (any, string) {
	switch p.Op {
	case form.OpSetString, form.OpSetURL, form.OpSetDate:
		d, _ := form.ParsePatchData[form.SetStringData](p)
		if d.Value == nil {
			return nil, ""
		}
		return *d.Value, ""
	case form.OpSetNumber:
		d, _ := form.ParsePatchData[form.SetNumberData](p)
		if d.Value == nil {
			return nil, ""
		}
		return *d.Value, ""
	case form.OpSetYear:
		d, _ := form.ParsePatchData[form.SetYearData](p)
		if d.Value == nil {
			return nil, ""
		}
		return *d.Value, ""
	case form.OpSetStringList, form.OpSetURLList:
		d, _ := form.ParsePatchData[form.SetListData](p)
		if len(d.Items) > 0 || d.Value == nil {
			return anySliceOf(d.Items), ""
		}
		return d.Value, fmt.Sprintf("legacy `value` field interpreted as `items` for field %q", p.FieldID)
	case form.OpSetSingleSelect:
		d, _ := form.ParsePatchData[form.SetSingleSelectData](p)
		if d.Selected == nil {
			return nil, ""
		}
		return *d.Selected, ""
	case form.OpSetMultiSelect:
		d, _ := form.ParsePatchData[form.SetMultiSelectData](p)
		return anySliceOf(d.Selected), ""
	case form.OpSetCheckboxes:
		d, _ := form.ParsePatchData[form.SetCheckboxesData](p)
		return d.Values, ""
	case form.OpSetTable:
		d, _ := form.ParsePatchData[form.SetTableData](p)
		rows := make([]any, len(d.Rows))
		for i, r := range d.Rows {
			rows[i] = r
		}
		return rows, ""
	default:
		return nil, ""
	}
}

func anySliceOf(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func columnIDsOf(f form.Field) []string {
	ids := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		ids[i] = c.ID
	}
	return ids
}

// enforceConstraints checks the constraints that are not already enforced
// by coerce.Value (option membership and date range are handled there):
// string length/pattern, number/year range, list item bounds.
func enforceConstraints(f form.Field, v form.FieldValue) string {
	switch f.Kind {
	case form.KindString:
		if v.StringValue == nil {
			return ""
		}
		s := *v.StringValue
		if f.MinLength != nil && len(s) < *f.MinLength {
			return fmt.Sprintf("field %q: length %d is below minLength %d", f.ID, len(s), *f.MinLength)
		}
		if f.MaxLength != nil && len(s) > *f.MaxLength {
			return fmt.Sprintf("field %q: length %d exceeds maxLength %d", f.ID, len(s), *f.MaxLength)
		}
		if f.Pattern != "" && !matchPattern(f.Pattern, s) {
			return fmt.Sprintf("field %q: value does not match pattern %q", f.ID, f.Pattern)
		}
	case form.KindNumber:
		if v.NumberValue == nil {
			return ""
		}
		n := *v.NumberValue
		if f.Integer && n != float64(int64(n)) {
			return fmt.Sprintf("field %q: %v is not an integer", f.ID, n)
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("field %q: %v is below min %v", f.ID, n, *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("field %q: %v exceeds max %v", f.ID, n, *f.Max)
		}
	case form.KindStringList, form.KindURLList:
		n := len(v.Items)
		if f.MinItems != nil && n < *f.MinItems {
			return fmt.Sprintf("field %q: %d items is below minItems %d", f.ID, n, *f.MinItems)
		}
		if f.MaxItems != nil && n > *f.MaxItems {
			return fmt.Sprintf("field %q: %d items exceeds maxItems %d", f.ID, n, *f.MaxItems)
		}
	}
	return ""
}

func matchPattern(pattern, s string) bool {
	re, err := compileCache(pattern)
	if err != nil {
		return true // an invalid pattern on the schema is a schema bug, not a patch rejection
	}
	return re.MatchString(s)
}
