package apply

import (
	"fmt"

	"markform.app/fill/common/id"
	"markform.app/fill/internal/form"
)

// applyAddNote appends a note to f.Notes. The ref must resolve to a known
// form/group/field id; a patch that doesn't supply a noteId gets a
// generated one.
func applyAddNote(f *form.ParsedForm, p form.Patch, result *form.ApplyResult) {
	d, err := form.ParsePatchData[form.AddNoteData](p)
	if err != nil {
		reject(result, p, fmt.Sprintf("invalid add_note payload: %v", err), "", `{"op":"add_note","ref":"...","text":"..."}`, nil)
		return
	}
	if p.Ref == "" {
		reject(result, p, "add_note requires a ref", "", `{"op":"add_note","ref":"...","text":"..."}`, nil)
		return
	}
	if _, ok := f.IDIndex[p.Ref]; !ok {
		reject(result, p, fmt.Sprintf("add_note ref %q does not resolve to any form, group, or field id", p.Ref), "", "", nil)
		return
	}
	if d.Text == "" {
		reject(result, p, "add_note requires non-empty text", "", `{"op":"add_note","ref":"...","text":"..."}`, nil)
		return
	}

	noteID := d.NoteID
	if noteID == "" {
		_ = id.Init(1)
		noteID = fmt.Sprintf("note-%d", id.New())
	}

	f.Notes = append(f.Notes, form.Note{
		ID:   noteID,
		Ref:  p.Ref,
		Role: "agent",
		Body: d.Text,
	})
	result.Applied = append(result.Applied, p)
}

// applyRemoveNote removes a note by id.
func applyRemoveNote(f *form.ParsedForm, p form.Patch, result *form.ApplyResult) {
	d, err := form.ParsePatchData[form.RemoveNoteData](p)
	if err != nil {
		reject(result, p, fmt.Sprintf("invalid remove_note payload: %v", err), "", `{"op":"remove_note","noteId":"..."}`, nil)
		return
	}
	if d.NoteID == "" {
		reject(result, p, "remove_note requires a noteId", "", `{"op":"remove_note","noteId":"..."}`, nil)
		return
	}

	for i, n := range f.Notes {
		if n.ID == d.NoteID {
			f.Notes = append(f.Notes[:i], f.Notes[i+1:]...)
			result.Applied = append(result.Applied, p)
			return
		}
	}
	reject(result, p, fmt.Sprintf("no note with id %q", d.NoteID), "", "", nil)
}
