package apply

import (
	"markform.app/fill/internal/coerce"
	"markform.app/fill/internal/form"
)

// applyAppendList implements append_string_list/append_url_list: requires
// the field to be in "answered" state or start from an empty collection.
func applyAppendList(f *form.ParsedForm, field form.Field, p form.Patch, result *form.ApplyResult) {
	wantKind := opKind(p.Op)
	if wantKind != field.Kind {
		reject(result, p, "kind_mismatch", field.Kind, expectedFormatFor(field.Kind), nil)
		return
	}
	d, _ := form.ParsePatchData[form.SetListData](p)

	existing := currentItems(f, field.ID)
	mergedRaw := anySliceOf(append(append([]string(nil), existing...), d.Items...))

	value, _, cerr := coerce.Value(field, mergedRaw)
	if cerr != nil {
		reject(result, p, cerr.Error(), field.Kind, expectedFormatFor(field.Kind), nil)
		return
	}
	if err := enforceConstraints(field, value); err != "" {
		reject(result, p, err, field.Kind, expectedFormatFor(field.Kind), nil)
		return
	}

	v := value
	f.ResponsesByFieldID[field.ID] = form.Response{State: form.StateAnswered, Value: &v}
	result.Applied = append(result.Applied, p)
}

func currentItems(f *form.ParsedForm, fieldID string) []string {
	resp, ok := f.ResponsesByFieldID[fieldID]
	if !ok || resp.Value == nil {
		return nil
	}
	return resp.Value.Items
}

// applyDeleteList implements delete_string_list/delete_url_list: removes
// the given items from the field's current list.
func applyDeleteList(f *form.ParsedForm, field form.Field, p form.Patch, result *form.ApplyResult) {
	wantKind := opKind(p.Op)
	if wantKind != field.Kind {
		reject(result, p, "kind_mismatch", field.Kind, expectedFormatFor(field.Kind), nil)
		return
	}
	d, _ := form.ParsePatchData[form.SetListData](p)
	toRemove := make(map[string]bool, len(d.Items))
	for _, item := range d.Items {
		toRemove[item] = true
	}

	existing := currentItems(f, field.ID)
	remaining := make([]string, 0, len(existing))
	for _, item := range existing {
		if !toRemove[item] {
			remaining = append(remaining, item)
		}
	}

	value := form.FieldValue{Kind: field.Kind, Items: remaining}
	v := value
	if len(remaining) == 0 {
		f.ResponsesByFieldID[field.ID] = form.Response{State: form.StateEmpty}
	} else {
		f.ResponsesByFieldID[field.ID] = form.Response{State: form.StateAnswered, Value: &v}
	}
	result.Applied = append(result.Applied, p)
}

// applyAppendTable implements append_table: appends one or more rows to a
// table field's current rows.
func applyAppendTable(f *form.ParsedForm, field form.Field, p form.Patch, result *form.ApplyResult) {
	if field.Kind != form.KindTable {
		reject(result, p, "kind_mismatch", field.Kind, expectedFormatFor(field.Kind), columnIDsOf(field))
		return
	}
	d, _ := form.ParsePatchData[form.SetTableData](p)
	rowsRaw := make([]any, len(d.Rows))
	for i, r := range d.Rows {
		rowsRaw[i] = r
	}

	existing := currentRows(f, field.ID)
	valueRaw := append(rowsToRaw(existing), rowsRaw...)

	tableValue, warn, cerr := coerce.Value(field, valueRaw)
	if cerr != nil {
		reject(result, p, cerr.Error(), field.Kind, expectedFormatFor(field.Kind), columnIDsOf(field))
		return
	}
	if err := enforceConstraints(field, tableValue); err != "" {
		reject(result, p, err, field.Kind, expectedFormatFor(field.Kind), columnIDsOf(field))
		return
	}
	if warn != nil {
		result.Warnings = append(result.Warnings, form.PatchWarning{FieldID: field.ID, Message: warn.Message})
	}
	v := tableValue
	f.ResponsesByFieldID[field.ID] = form.Response{State: form.StateAnswered, Value: &v}
	result.Applied = append(result.Applied, p)
}

// applyDeleteTable implements delete_table: removes rows by zero-based
// index, supplied via the same rows payload shape (each row object must
// carry an "_index" key) to keep the wire shape uniform with append/set.
func applyDeleteTable(f *form.ParsedForm, field form.Field, p form.Patch, result *form.ApplyResult) {
	if field.Kind != form.KindTable {
		reject(result, p, "kind_mismatch", field.Kind, expectedFormatFor(field.Kind), columnIDsOf(field))
		return
	}
	d, _ := form.ParsePatchData[form.SetTableData](p)
	toDelete := make(map[int]bool, len(d.Rows))
	for _, r := range d.Rows {
		if idx, ok := r["_index"]; ok {
			switch v := idx.(type) {
			case float64:
				toDelete[int(v)] = true
			case int:
				toDelete[v] = true
			}
		}
	}

	existing := currentRows(f, field.ID)
	remaining := make([]form.TableRow, 0, len(existing))
	for i, row := range existing {
		if !toDelete[i] {
			remaining = append(remaining, row)
		}
	}

	if len(remaining) == 0 {
		f.ResponsesByFieldID[field.ID] = form.Response{State: form.StateEmpty}
	} else {
		v := form.FieldValue{Kind: form.KindTable, Rows: remaining}
		f.ResponsesByFieldID[field.ID] = form.Response{State: form.StateAnswered, Value: &v}
	}
	result.Applied = append(result.Applied, p)
}

func currentRows(f *form.ParsedForm, fieldID string) []form.TableRow {
	resp, ok := f.ResponsesByFieldID[fieldID]
	if !ok || resp.Value == nil {
		return nil
	}
	return resp.Value.Rows
}

// rowsToRaw converts already-typed table rows back into the loosely-typed
// shape coerce.Value accepts, so append_table can coerce existing+new rows
// together through the same code path as set_table.
func rowsToRaw(rows []form.TableRow) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		m := make(map[string]any, len(row))
		for col, cell := range row {
			m[col] = cellToRawValue(cell)
		}
		out[i] = m
	}
	return out
}

func cellToRawValue(v form.FieldValue) any {
	return coerce.RawValue(v)
}
