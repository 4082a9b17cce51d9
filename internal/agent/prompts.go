package agent

import (
	"fmt"
	"strings"

	"markform.app/fill/internal/form"
)

const baseSystemPrompt = `You are filling in a structured form. You will be given a list of issues describing what still needs to be done. Use the fill_form tool to submit patches that resolve as many issues as you can in this turn. Never invent information you are not given or cannot find; prefer skip_field over guessing for optional fields you cannot answer.`

// buildSystemPrompt composes the base prompt, form-level instructions,
// role-specific instructions, per-field instructions for every field
// referenced by this turn's issues, and an optional caller addition.
func buildSystemPrompt(f *form.ParsedForm, issues []form.Issue, roleInstructions map[string]string, addition string) string {
	var b strings.Builder
	b.WriteString(baseSystemPrompt)

	if f.Schema.Description != "" {
		b.WriteString("\n\nForm instructions:\n")
		b.WriteString(f.Schema.Description)
	}

	for _, role := range targetRolesOf(f) {
		if instr, ok := roleInstructions[role]; ok && instr != "" {
			fmt.Fprintf(&b, "\n\nInstructions for role %q:\n%s", role, instr)
		}
	}

	fieldsSeen := make(map[string]bool)
	for _, iss := range issues {
		fieldID := baseFieldID(iss.Ref)
		if fieldsSeen[fieldID] {
			continue
		}
		fieldsSeen[fieldID] = true
		field, _, ok := f.FindField(fieldID)
		if !ok {
			continue
		}
		if instr := fieldInstructions(*field); instr != "" {
			b.WriteString("\n\n")
			b.WriteString(instr)
		}
	}

	if addition != "" {
		b.WriteString("\n\n")
		b.WriteString(addition)
	}

	return b.String()
}

func targetRolesOf(f *form.ParsedForm) []string {
	if len(f.Metadata.Roles) > 0 {
		return f.Metadata.Roles
	}
	return []string{"agent", "user"}
}

// fieldInstructions describes one field's shape so the model knows the
// exact patch op and, for constrained kinds, the valid values.
func fieldInstructions(field form.Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Field %q (%s, kind=%s)", field.ID, field.Label, field.Kind)
	if field.Required {
		b.WriteString(" [required]")
	}

	switch field.Kind {
	case form.KindSingleSelect, form.KindMultiSelect, form.KindCheckboxes:
		ids := make([]string, len(field.Options))
		for i, o := range field.Options {
			ids[i] = fmt.Sprintf("%s=%q", o.ID, o.Label)
		}
		fmt.Fprintf(&b, ": options [%s]", strings.Join(ids, ", "))
		if field.Kind == form.KindCheckboxes {
			alphabet := form.CheckboxAlphabets[field.CheckboxMode]
			states := make([]string, 0, len(alphabet))
			for s := range alphabet {
				states = append(states, s)
			}
			fmt.Fprintf(&b, "; valid states: %s", strings.Join(states, ", "))
			if field.MinDone != nil {
				fmt.Fprintf(&b, "; at least %d must be \"done\"", *field.MinDone)
			}
		}
	case form.KindTable:
		cols := make([]string, len(field.Columns))
		for i, c := range field.Columns {
			cols[i] = fmt.Sprintf("%s(%s)", c.ID, c.Kind)
		}
		fmt.Fprintf(&b, ": columns [%s]", strings.Join(cols, ", "))
	case form.KindString:
		if field.Pattern != "" {
			fmt.Fprintf(&b, "; must match pattern %s", field.Pattern)
		}
	}

	return b.String()
}

// buildContextPrompt enumerates this turn's issues with everything an
// agent needs to produce a correctly-shaped patch.
func buildContextPrompt(issues []form.Issue) string {
	var b strings.Builder
	b.WriteString("Issues to address this turn:\n")
	for i, iss := range issues {
		fmt.Fprintf(&b, "%d. [%s/%s] ref=%q kind=%s: %s\n",
			i+1, iss.Severity, iss.Scope, iss.Ref, iss.Kind, iss.Message)
	}
	return b.String()
}

// buildRejectionFeedback enumerates the previous turn's rejections with
// corrective hints, so the model can fix the exact mistake it made.
func buildRejectionFeedback(rejections []form.PatchRejection) string {
	var b strings.Builder
	b.WriteString("Your previous patches were rejected. Fix these before retrying:\n")
	for i, r := range rejections {
		fmt.Fprintf(&b, "%d. field=%q op=%s reason=%q fieldKind=%s expectedFormat=%q",
			i+1, r.FieldID, r.PatchOp, r.Reason, r.FieldKind, r.ExpectedFormat)
		if len(r.ColumnIDs) > 0 {
			fmt.Fprintf(&b, " columnIds=%v", r.ColumnIDs)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func baseFieldID(ref string) string {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i]
		}
	}
	return ref
}
