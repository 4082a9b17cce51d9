// Package inspect implements the inspector: a pure derivation of
// prioritized issues and progress counts from a form's current state.
// Nothing here mutates the form.
package inspect

import (
	"fmt"
	"sort"

	"markform.app/fill/internal/form"
)

// ProgressSummary counts fields by response state, restricted to the
// fields inspect() was asked to look at (targetRoles).
type ProgressSummary struct {
	TotalFields      int
	AnsweredFields   int
	SkippedFields    int
	AbortedFields    int
	EmptyFields      int
	RequiredTotal    int
	RequiredAnswered int
}

// StructureSummary is a cheap shape summary of the schema, independent of
// response state.
type StructureSummary struct {
	GroupCount int
	FieldCount int
	NoteCount  int
}

// Result is the full output of one inspect() call.
type Result struct {
	Issues           []form.Issue
	StructureSummary StructureSummary
	ProgressSummary  ProgressSummary
	IsComplete       bool
}

// Options configures which fields inspect() considers.
type Options struct {
	// TargetRoles defaults to ["agent"] when empty
	TargetRoles []string
}

// Inspect derives the prioritized issue list plus progress/structure
// summaries for f, restricted to fields whose role is in opts.TargetRoles.
func Inspect(f *form.ParsedForm, opts Options) Result {
	roles := opts.TargetRoles
	if len(roles) == 0 {
		roles = []string{"agent"}
	}
	roleSet := make(map[string]bool, len(roles))
	wildcard := false
	for _, r := range roles {
		if r == "*" {
			wildcard = true
		}
		roleSet[r] = true
	}
	inRole := func(fieldRole string) bool {
		return wildcard || roleSet[fieldRole]
	}

	var issues []form.Issue
	var progress ProgressSummary
	var structure StructureSummary
	structure.GroupCount = len(f.Schema.Groups)
	structure.NoteCount = len(f.Notes)

	for gi, g := range f.Schema.Groups {
		groupTouched := false
		for fi, field := range g.Fields {
			structure.FieldCount++
			if !inRole(field.RoleOrDefault()) {
				continue
			}

			progress.TotalFields++
			resp := f.ResponsesByFieldID[field.ID]

			if field.Required {
				progress.RequiredTotal++
			}

			switch resp.State {
			case form.StateAnswered:
				progress.AnsweredFields++
				if field.Required {
					progress.RequiredAnswered++
				}
				groupTouched = true
			case form.StateSkipped:
				progress.SkippedFields++
				groupTouched = true
			case form.StateAborted:
				progress.AbortedFields++
				groupTouched = true
				// abort_field suppresses inspector issues while aborted;
				// clear_field returns the field to empty and issues
				// resume.
				continue
			default:
				progress.EmptyFields++
			}

			issues = append(issues, fieldIssues(field, resp, gi, fi)...)
		}
		if !g.Implicit && len(g.Fields) > 0 && !groupTouched {
			issues = append(issues, form.Issue{
				Scope:    form.ScopeGroup,
				Ref:      g.ID,
				Message:  fmt.Sprintf("group %q has not been started", g.Title),
				Severity: form.SeverityInformational,
				Priority: 3,
				Kind:     "group",
			})
		}
	}

	issues = append(issues, orphanNoteIssues(f)...)

	sortIssues(issues, f)

	return Result{
		Issues:           issues,
		StructureSummary: structure,
		ProgressSummary:  progress,
		IsComplete:       !hasRequiredIssue(issues),
	}
}

func hasRequiredIssue(issues []form.Issue) bool {
	for _, iss := range issues {
		if iss.Severity == form.SeverityRequired {
			return true
		}
	}
	return false
}

// fieldIssues derives the issue(s) for one field given its current
// response.
func fieldIssues(field form.Field, resp form.Response, groupIndex, fieldIndex int) []form.Issue {
	var issues []form.Issue

	switch resp.State {
	case form.StateEmpty:
		if field.Required {
			issues = append(issues, form.Issue{
				Scope:    form.ScopeField,
				Ref:      field.ID,
				Message:  fmt.Sprintf("%q is required and not yet answered", field.Label),
				Severity: form.SeverityRequired,
				Priority: 1,
				Kind:     string(field.Kind),
			})
		} else {
			issues = append(issues, form.Issue{
				Scope:    form.ScopeField,
				Ref:      field.ID,
				Message:  fmt.Sprintf("%q is optional and not yet answered", field.Label),
				Severity: form.SeverityRecommended,
				Priority: 2,
				Kind:     string(field.Kind),
			})
		}
	case form.StateAnswered:
		issues = append(issues, constraintIssues(field, resp)...)
	}

	return issues
}

// constraintIssues flags an answered field whose value still violates a
// constraint the applier doesn't retroactively re-check (e.g. a value that
// was valid under a since-relaxed constraint, or a checkbox group that
// hasn't reached minDone).
func constraintIssues(field form.Field, resp form.Response) []form.Issue {
	if resp.Value == nil {
		return nil
	}
	v := *resp.Value

	switch field.Kind {
	case form.KindString:
		if v.StringValue == nil {
			return nil
		}
		s := *v.StringValue
		if field.MinLength != nil && len(s) < *field.MinLength {
			return requiredIssue(field, fmt.Sprintf("%q is below minLength %d", field.Label, *field.MinLength))
		}
		if field.MaxLength != nil && len(s) > *field.MaxLength {
			return requiredIssue(field, fmt.Sprintf("%q exceeds maxLength %d", field.Label, *field.MaxLength))
		}
	case form.KindNumber:
		if v.NumberValue == nil {
			return nil
		}
		n := *v.NumberValue
		if field.Min != nil && n < *field.Min {
			return requiredIssue(field, fmt.Sprintf("%q is below min %v", field.Label, *field.Min))
		}
		if field.Max != nil && n > *field.Max {
			return requiredIssue(field, fmt.Sprintf("%q exceeds max %v", field.Label, *field.Max))
		}
	case form.KindStringList, form.KindURLList:
		n := len(v.Items)
		if field.MinItems != nil && n < *field.MinItems {
			return requiredIssue(field, fmt.Sprintf("%q has %d items, below minItems %d", field.Label, n, *field.MinItems))
		}
		if field.MaxItems != nil && n > *field.MaxItems {
			return requiredIssue(field, fmt.Sprintf("%q has %d items, exceeds maxItems %d", field.Label, n, *field.MaxItems))
		}
	case form.KindDate:
		if v.DateValue == nil {
			return nil
		}
		if field.MinDate != "" && *v.DateValue < field.MinDate {
			return requiredIssue(field, fmt.Sprintf("%q is before minDate %s", field.Label, field.MinDate))
		}
		if field.MaxDate != "" && *v.DateValue > field.MaxDate {
			return requiredIssue(field, fmt.Sprintf("%q is after maxDate %s", field.Label, field.MaxDate))
		}
	case form.KindCheckboxes:
		return checkboxMinDoneIssues(field, v)
	}
	return nil
}

func requiredIssue(field form.Field, message string) []form.Issue {
	return []form.Issue{{
		Scope:    form.ScopeField,
		Ref:      field.ID,
		Message:  message,
		Severity: form.SeverityRequired,
		Priority: 1,
		Kind:     string(field.Kind),
	}}
}

// checkboxMinDoneIssues emits one option-scoped issue per still-`todo`
// option when the field hasn't reached MinDone.
func checkboxMinDoneIssues(field form.Field, v form.FieldValue) []form.Issue {
	if field.MinDone == nil {
		return nil
	}
	done := 0
	for _, state := range v.Checkboxes {
		if state == "done" {
			done++
		}
	}
	if done >= *field.MinDone {
		return nil
	}
	var issues []form.Issue
	for _, opt := range field.Options {
		state := v.Checkboxes[opt.ID]
		if state == "done" {
			continue
		}
		issues = append(issues, form.Issue{
			Scope:    form.ScopeOption,
			Ref:      field.ID + "." + opt.ID,
			Message:  fmt.Sprintf("%q needs at least %d done (has %d)", field.Label, *field.MinDone, done),
			Severity: form.SeverityRequired,
			Priority: 1,
			Kind:     string(field.Kind),
		})
	}
	return issues
}

// orphanNoteIssues flags notes whose ref doesn't resolve to any node in
// the schema (form-scoped housekeeping issue, informational).
func orphanNoteIssues(f *form.ParsedForm) []form.Issue {
	var issues []form.Issue
	for _, n := range f.Notes {
		if _, ok := f.IDIndex[n.Ref]; ok {
			continue
		}
		issues = append(issues, form.Issue{
			Scope:    form.ScopeForm,
			Ref:      f.Schema.ID,
			Message:  fmt.Sprintf("note %q references unknown id %q", n.ID, n.Ref),
			Severity: form.SeverityInformational,
			Priority: 3,
			Kind:     "note",
		})
	}
	return issues
}

// sortIssues orders by (priority asc, order asc, group index, field index,
// option index)
func sortIssues(issues []form.Issue, f *form.ParsedForm) {
	order := fieldOrderIndex(f)
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		oa, ob := orderFor(a, order), orderFor(b, order)
		if oa != ob {
			return oa < ob
		}
		pa, pb := positionFor(a, order), positionFor(b, order)
		if pa[0] != pb[0] {
			return pa[0] < pb[0]
		}
		return pa[1] < pb[1]
	})
}

type fieldPosition struct {
	order      int
	groupIndex int
	fieldIndex int
}

func fieldOrderIndex(f *form.ParsedForm) map[string]fieldPosition {
	idx := make(map[string]fieldPosition)
	for gi, g := range f.Schema.Groups {
		for fi, field := range g.Fields {
			idx[field.ID] = fieldPosition{order: field.Order, groupIndex: gi, fieldIndex: fi}
		}
	}
	return idx
}

func baseFieldID(ref string) string {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i]
		}
	}
	return ref
}

func orderFor(iss form.Issue, idx map[string]fieldPosition) int {
	if pos, ok := idx[baseFieldID(iss.Ref)]; ok {
		return pos.order
	}
	return 0
}

func positionFor(iss form.Issue, idx map[string]fieldPosition) [2]int {
	if pos, ok := idx[baseFieldID(iss.Ref)]; ok {
		return [2]int{pos.groupIndex, pos.fieldIndex}
	}
	return [2]int{-1, -1}
}
