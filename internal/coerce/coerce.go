// Package coerce normalizes loose input values (from LLM patch payloads or
// caller-supplied input context) into typed form.FieldValue instances,
// emitting warnings for loss-free reinterpretations and errors for anything
// that cannot be honestly mapped.
package coerce

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"markform.app/fill/internal/form"
)

// Warning is a non-fatal note that a loss-free reinterpretation happened.
type Warning struct {
	Message string
}

// Error wraps a coercion failure with the detail the applier/orchestrator
// need to build a PatchRejection or abort input-context application.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Value coerces a single raw value against a field's kind. It returns the
// normalized FieldValue, an optional warning, and an error if the raw value
// cannot be honestly interpreted as the field's kind.
func Value(f form.Field, raw any) (form.FieldValue, *Warning, *Error) {
	switch f.Kind {
	case form.KindString:
		return coerceString(f, raw)
	case form.KindNumber:
		return coerceNumber(f, raw)
	case form.KindStringList:
		return coerceStringList(f, raw, form.KindStringList)
	case form.KindURLList:
		return coerceStringList(f, raw, form.KindURLList)
	case form.KindURL:
		return coerceURL(f, raw)
	case form.KindSingleSelect:
		return coerceSingleSelect(f, raw)
	case form.KindMultiSelect:
		return coerceMultiSelect(f, raw)
	case form.KindCheckboxes:
		return coerceCheckboxes(f, raw)
	case form.KindDate:
		return coerceDate(f, raw)
	case form.KindYear:
		return coerceYear(f, raw)
	case form.KindTable:
		return coerceTable(f, raw)
	default:
		return form.FieldValue{}, nil, errf("unsupported field kind %q", f.Kind)
	}
}

func coerceString(f form.Field, raw any) (form.FieldValue, *Warning, *Error) {
	if raw == nil {
		return form.FieldValue{Kind: form.KindString, StringValue: nil}, nil, nil
	}
	switch v := raw.(type) {
	case string:
		return form.FieldValue{Kind: form.KindString, StringValue: &v}, nil, nil
	case float64:
		s := strconv.FormatFloat(v, 'g', -1, 64)
		return form.FieldValue{Kind: form.KindString, StringValue: &s}, &Warning{Message: fmt.Sprintf("coerced number to string for field %q", f.ID)}, nil
	case bool:
		s := strconv.FormatBool(v)
		return form.FieldValue{Kind: form.KindString, StringValue: &s}, &Warning{Message: fmt.Sprintf("coerced boolean to string for field %q", f.ID)}, nil
	default:
		return form.FieldValue{}, nil, errf("field %q expects a string, got %T", f.ID, raw)
	}
}

func coerceNumber(f form.Field, raw any) (form.FieldValue, *Warning, *Error) {
	if raw == nil {
		return form.FieldValue{Kind: form.KindNumber, NumberValue: nil}, nil, nil
	}
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return form.FieldValue{}, nil, errf("field %q: %v is not a finite number", f.ID, v)
		}
		return form.FieldValue{Kind: form.KindNumber, NumberValue: &v}, nil, nil
	case int:
		f64 := float64(v)
		return form.FieldValue{Kind: form.KindNumber, NumberValue: &f64}, nil, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return form.FieldValue{}, nil, errf("field %q: empty string is not a number", f.ID)
		}
		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return form.FieldValue{}, nil, errf("field %q: %q is not a finite number", f.ID, v)
		}
		return form.FieldValue{Kind: form.KindNumber, NumberValue: &n}, &Warning{Message: fmt.Sprintf("parsed numeric string for field %q", f.ID)}, nil
	default:
		return form.FieldValue{}, nil, errf("field %q expects a number, got %T", f.ID, raw)
	}
}

func coerceStringList(f form.Field, raw any, kind form.FieldKind) (form.FieldValue, *Warning, *Error) {
	var items []string
	var warn *Warning

	switch v := raw.(type) {
	case []string:
		items = v
	case []any:
		items = make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return form.FieldValue{}, nil, errf("field %q: list element %v is not a string", f.ID, e)
			}
			items = append(items, s)
		}
	case string:
		items = []string{v}
		warn = &Warning{Message: fmt.Sprintf("wrapped single string into a one-element array for field %q", f.ID)}
	default:
		return form.FieldValue{}, nil, errf("field %q expects an array of strings, got %T", f.ID, raw)
	}

	if kind == form.KindURLList {
		for _, item := range items {
			if !isAbsoluteURL(item) {
				return form.FieldValue{}, nil, errf("field %q: %q is not an absolute URL", f.ID, item)
			}
		}
	}

	return form.FieldValue{Kind: kind, Items: items}, warn, nil
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs() && u.Host != ""
}

func coerceURL(f form.Field, raw any) (form.FieldValue, *Warning, *Error) {
	if raw == nil {
		return form.FieldValue{Kind: form.KindURL, URLValue: nil}, nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return form.FieldValue{}, nil, errf("field %q expects a URL string, got %T", f.ID, raw)
	}
	if !isAbsoluteURL(s) {
		return form.FieldValue{}, nil, errf("field %q: %q is not an absolute URL", f.ID, s)
	}
	return form.FieldValue{Kind: form.KindURL, URLValue: &s}, nil, nil
}

func coerceSingleSelect(f form.Field, raw any) (form.FieldValue, *Warning, *Error) {
	if raw == nil {
		return form.FieldValue{Kind: form.KindSingleSelect, Selected: nil}, nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return form.FieldValue{}, nil, errf("field %q expects an option id string, got %T", f.ID, raw)
	}
	if !hasOption(f, s) {
		return form.FieldValue{}, nil, errf("field %q: %q is not a valid option (valid: %s)", f.ID, s, validOptionIDs(f))
	}
	return form.FieldValue{Kind: form.KindSingleSelect, Selected: &s}, nil, nil
}

func coerceMultiSelect(f form.Field, raw any) (form.FieldValue, *Warning, *Error) {
	var selected []string
	var warn *Warning

	switch v := raw.(type) {
	case string:
		selected = []string{v}
		warn = &Warning{Message: fmt.Sprintf("wrapped single option id into a one-element array for field %q", f.ID)}
	case []string:
		selected = v
	case []any:
		selected = make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return form.FieldValue{}, nil, errf("field %q: selection element %v is not a string", f.ID, e)
			}
			selected = append(selected, s)
		}
	default:
		return form.FieldValue{}, nil, errf("field %q expects an array of option ids, got %T", f.ID, raw)
	}

	for _, s := range selected {
		if !hasOption(f, s) {
			return form.FieldValue{}, nil, errf("field %q: %q is not a valid option (valid: %s)", f.ID, s, validOptionIDs(f))
		}
	}
	return form.FieldValue{Kind: form.KindMultiSelect, SelectedSet: selected}, warn, nil
}

func hasOption(f form.Field, id string) bool {
	for _, o := range f.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

func validOptionIDs(f form.Field) string {
	ids := make([]string, len(f.Options))
	for i, o := range f.Options {
		ids[i] = o.ID
	}
	return strings.Join(ids, ", ")
}

func coerceCheckboxes(f form.Field, raw any) (form.FieldValue, *Warning, *Error) {
	m, ok := raw.(map[string]any)
	if !ok {
		if m2, ok2 := raw.(map[string]string); ok2 {
			out := make(map[string]string, len(m2))
			for k, v := range m2 {
				out[k] = v
			}
			return checkValuesAgainstMode(f, out)
		}
		return form.FieldValue{}, nil, errf("field %q expects a mapping of optionId to state, got %T", f.ID, raw)
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return form.FieldValue{}, nil, errf("field %q: checkbox state for %q is not a string", f.ID, k)
		}
		out[k] = s
	}
	return checkValuesAgainstMode(f, out)
}

func checkValuesAgainstMode(f form.Field, values map[string]string) (form.FieldValue, *Warning, *Error) {
	alphabet, ok := form.CheckboxAlphabets[f.CheckboxMode]
	if !ok {
		return form.FieldValue{}, nil, errf("field %q has unrecognized checkbox mode %q", f.ID, f.CheckboxMode)
	}
	for optID, state := range values {
		if !hasOption(f, optID) {
			return form.FieldValue{}, nil, errf("field %q: %q is not a valid checkbox option", f.ID, optID)
		}
		if !alphabet[state] {
			return form.FieldValue{}, nil, errf("field %q: %q is not valid in %s mode", f.ID, state, f.CheckboxMode)
		}
	}
	return form.FieldValue{Kind: form.KindCheckboxes, Checkboxes: values}, nil, nil
}

const dateLayout = "2006-01-02"

func coerceDate(f form.Field, raw any) (form.FieldValue, *Warning, *Error) {
	if raw == nil {
		return form.FieldValue{Kind: form.KindDate, DateValue: nil}, nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return form.FieldValue{}, nil, errf("field %q expects an ISO-8601 date string, got %T", f.ID, raw)
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return form.FieldValue{}, nil, errf("field %q: %q is not an ISO-8601 date", f.ID, s)
	}
	if f.MinDate != "" {
		if min, err := time.Parse(dateLayout, f.MinDate); err == nil && t.Before(min) {
			return form.FieldValue{}, nil, errf("field %q: %s is before minDate %s", f.ID, s, f.MinDate)
		}
	}
	if f.MaxDate != "" {
		if max, err := time.Parse(dateLayout, f.MaxDate); err == nil && t.After(max) {
			return form.FieldValue{}, nil, errf("field %q: %s is after maxDate %s", f.ID, s, f.MaxDate)
		}
	}
	return form.FieldValue{Kind: form.KindDate, DateValue: &s}, nil, nil
}

func coerceYear(f form.Field, raw any) (form.FieldValue, *Warning, *Error) {
	if raw == nil {
		return form.FieldValue{Kind: form.KindYear, YearValue: nil}, nil, nil
	}
	var y int
	switch v := raw.(type) {
	case float64:
		y = int(v)
	case int:
		y = v
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return form.FieldValue{}, nil, errf("field %q: %q is not an integer year", f.ID, v)
		}
		y = parsed
	default:
		return form.FieldValue{}, nil, errf("field %q expects an integer year, got %T", f.ID, raw)
	}
	if f.Min != nil && float64(y) < *f.Min {
		return form.FieldValue{}, nil, errf("field %q: year %d is below min %v", f.ID, y, *f.Min)
	}
	if f.Max != nil && float64(y) > *f.Max {
		return form.FieldValue{}, nil, errf("field %q: year %d is above max %v", f.ID, y, *f.Max)
	}
	return form.FieldValue{Kind: form.KindYear, YearValue: &y}, nil, nil
}

func coerceTable(f form.Field, raw any) (form.FieldValue, *Warning, *Error) {
	rawRows, ok := raw.([]any)
	if !ok {
		if rr, ok2 := raw.([]map[string]any); ok2 {
			return coerceTableRows(f, rr)
		}
		return form.FieldValue{}, nil, errf("field %q expects an array of row objects, got %T", f.ID, raw)
	}
	rows := make([]map[string]any, 0, len(rawRows))
	for _, r := range rawRows {
		rowMap, ok := r.(map[string]any)
		if !ok {
			return form.FieldValue{}, nil, errf("field %q: row %v is not an object", f.ID, r)
		}
		rows = append(rows, rowMap)
	}
	return coerceTableRows(f, rows)
}

func coerceTableRows(f form.Field, rawRows []map[string]any) (form.FieldValue, *Warning, *Error) {
	var warn *Warning
	rows := make([]form.TableRow, 0, len(rawRows))
	for _, rawRow := range rawRows {
		row := make(form.TableRow, len(f.Columns))
		for _, col := range f.Columns {
			cellRaw, present := rawRow[col.ID]
			if !present {
				if col.Required {
					return form.FieldValue{}, nil, errf("field %q: row missing required column %q", f.ID, col.ID)
				}
				continue
			}
			cellField := form.Field{ID: f.ID + "." + col.ID, Kind: col.Kind, Options: f.Options, CheckboxMode: f.CheckboxMode}
			cv, w, err := Value(cellField, cellRaw)
			if err != nil {
				return form.FieldValue{}, nil, errf("field %q column %q: %s", f.ID, col.ID, err.Message)
			}
			if w != nil {
				warn = w
			}
			row[col.ID] = cv
		}
		rows = append(rows, row)
	}
	return form.FieldValue{Kind: form.KindTable, Rows: rows}, warn, nil
}

// InputContextResult is the outcome of coercing a whole input-context
// mapping against a form.
type InputContextResult struct {
	Patches  []form.Patch
	Warnings []form.PatchWarning
	Errors   []error
}

// InputContext coerces a raw field-id -> value mapping into patches.
// Unknown field ids are errors.
func InputContext(f *form.ParsedForm, mapping map[string]any) InputContextResult {
	var result InputContextResult
	for fieldID, raw := range mapping {
		field, _, ok := f.FindField(fieldID)
		if !ok {
			result.Errors = append(result.Errors, fmt.Errorf("input context: unknown field id %q", fieldID))
			continue
		}
		value, warn, err := Value(*field, raw)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("input context field %q: %w", fieldID, err))
			continue
		}
		if warn != nil {
			result.Warnings = append(result.Warnings, form.PatchWarning{FieldID: fieldID, Message: warn.Message})
		}
		result.Patches = append(result.Patches, valueToSetPatch(*field, value))
	}
	return result
}

// ValueToSetPatch converts an already-typed field value back into the set
// patch its field kind uses. Exported for internal/agent's MockAgent,
// which answers turns by replaying an answer-key form's values as patches.
func ValueToSetPatch(f form.Field, v form.FieldValue) form.Patch {
	return valueToSetPatch(f, v)
}

func valueToSetPatch(f form.Field, v form.FieldValue) form.Patch {
	var data []byte
	op := kindToSetOp(f.Kind)
	switch f.Kind {
	case form.KindString:
		data, _ = json.Marshal(form.SetStringData{Value: v.StringValue})
	case form.KindNumber:
		data, _ = json.Marshal(form.SetNumberData{Value: v.NumberValue})
	case form.KindURL:
		data, _ = json.Marshal(form.SetURLData{Value: v.URLValue})
	case form.KindDate:
		data, _ = json.Marshal(form.SetDateData{Value: v.DateValue})
	case form.KindYear:
		data, _ = json.Marshal(form.SetYearData{Value: v.YearValue})
	case form.KindStringList, form.KindURLList:
		data, _ = json.Marshal(form.SetListData{Items: v.Items})
	case form.KindSingleSelect:
		data, _ = json.Marshal(form.SetSingleSelectData{Selected: v.Selected})
	case form.KindMultiSelect:
		data, _ = json.Marshal(form.SetMultiSelectData{Selected: v.SelectedSet})
	case form.KindCheckboxes:
		data, _ = json.Marshal(form.SetCheckboxesData{Values: v.Checkboxes})
	case form.KindTable:
		data, _ = json.Marshal(form.SetTableData{Rows: tableRowsToRaw(v.Rows)})
	}
	return form.Patch{Op: op, FieldID: f.ID, Data: data}
}

// RawValue converts a typed field value back into the loosely-typed shape
// it was coerced from, for export surfaces (FillResult.Values, the CLI's
// YAML/JSON writers). Scalar kinds come back dereferenced; a nil scalar
// comes back as an untyped nil.
func RawValue(v form.FieldValue) any {
	switch v.Kind {
	case form.KindString:
		return derefString(v.StringValue)
	case form.KindURL:
		return derefString(v.URLValue)
	case form.KindDate:
		return derefString(v.DateValue)
	case form.KindNumber:
		if v.NumberValue == nil {
			return nil
		}
		return *v.NumberValue
	case form.KindYear:
		if v.YearValue == nil {
			return nil
		}
		return *v.YearValue
	case form.KindStringList, form.KindURLList:
		return v.Items
	case form.KindSingleSelect:
		return derefString(v.Selected)
	case form.KindMultiSelect:
		return v.SelectedSet
	case form.KindCheckboxes:
		return v.Checkboxes
	case form.KindTable:
		return tableRowsToRaw(v.Rows)
	default:
		return nil
	}
}

func derefString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func tableRowsToRaw(rows []form.TableRow) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		m := make(map[string]any, len(row))
		for col, cell := range row {
			m[col] = RawValue(cell)
		}
		out[i] = m
	}
	return out
}

func kindToSetOp(k form.FieldKind) form.PatchOp {
	switch k {
	case form.KindString:
		return form.OpSetString
	case form.KindNumber:
		return form.OpSetNumber
	case form.KindURL:
		return form.OpSetURL
	case form.KindDate:
		return form.OpSetDate
	case form.KindYear:
		return form.OpSetYear
	case form.KindStringList:
		return form.OpSetStringList
	case form.KindURLList:
		return form.OpSetURLList
	case form.KindSingleSelect:
		return form.OpSetSingleSelect
	case form.KindMultiSelect:
		return form.OpSetMultiSelect
	case form.KindCheckboxes:
		return form.OpSetCheckboxes
	case form.KindTable:
		return form.OpSetTable
	default:
		return ""
	}
}
