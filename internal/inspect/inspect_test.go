package inspect_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"markform.app/fill/internal/form"
	"markform.app/fill/internal/inspect"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func schemaWithOneRequiredString() *form.ParsedForm {
	s := form.Schema{
		ID: "f1",
		Groups: []form.Group{
			{
				ID:    "g1",
				Title: "Basics",
				Fields: []form.Field{
					{ID: "name", Label: "Name", Kind: form.KindString, Required: true, Order: 1},
					{ID: "nickname", Label: "Nickname", Kind: form.KindString, Required: false, Order: 2},
				},
			},
		},
	}
	return form.NewParsedForm(s, form.Metadata{})
}

var _ = Describe("Inspect", func() {
	It("flags a required empty field with priority 1", func() {
		pf := schemaWithOneRequiredString()
		result := inspect.Inspect(pf, inspect.Options{TargetRoles: []string{"*"}})

		Expect(result.IsComplete).To(BeFalse())
		Expect(result.Issues).ToNot(BeEmpty())
		Expect(result.Issues[0].Ref).To(Equal("name"))
		Expect(result.Issues[0].Severity).To(Equal(form.SeverityRequired))
		Expect(result.Issues[0].Priority).To(Equal(1))
	})

	It("flags an optional empty field as recommended, sorted after required issues", func() {
		pf := schemaWithOneRequiredString()
		result := inspect.Inspect(pf, inspect.Options{TargetRoles: []string{"*"}})

		Expect(result.Issues).To(HaveLen(2))
		Expect(result.Issues[1].Ref).To(Equal("nickname"))
		Expect(result.Issues[1].Severity).To(Equal(form.SeverityRecommended))
	})

	It("is complete once the required field is answered, even with an optional field empty", func() {
		pf := schemaWithOneRequiredString()
		pf.ResponsesByFieldID["name"] = form.Response{
			State: form.StateAnswered,
			Value: &form.FieldValue{Kind: form.KindString, StringValue: strPtr("Ada")},
		}
		result := inspect.Inspect(pf, inspect.Options{TargetRoles: []string{"*"}})

		Expect(result.IsComplete).To(BeTrue())
		for _, iss := range result.Issues {
			Expect(iss.Severity).ToNot(Equal(form.SeverityRequired))
		}
	})

	It("suppresses issues for an aborted field", func() {
		pf := schemaWithOneRequiredString()
		pf.ResponsesByFieldID["name"] = form.Response{State: form.StateAborted}
		result := inspect.Inspect(pf, inspect.Options{TargetRoles: []string{"*"}})

		for _, iss := range result.Issues {
			Expect(iss.Ref).ToNot(Equal("name"))
		}
	})

	It("emits one option-scoped issue per remaining todo option when minDone is unmet", func() {
		s := form.Schema{
			ID: "f1",
			Groups: []form.Group{{
				ID: "g1",
				Fields: []form.Field{{
					ID:           "tasks",
					Label:        "Tasks",
					Kind:         form.KindCheckboxes,
					CheckboxMode: form.CheckboxModeSimple,
					MinDone:      intPtr(2),
					Options: []form.Option{
						{ID: "a", Label: "A"},
						{ID: "b", Label: "B"},
						{ID: "c", Label: "C"},
					},
				}},
			}},
		}
		pf := form.NewParsedForm(s, form.Metadata{})
		pf.ResponsesByFieldID["tasks"] = form.Response{
			State: form.StateAnswered,
			Value: &form.FieldValue{
				Kind:       form.KindCheckboxes,
				Checkboxes: map[string]string{"a": "done", "b": "todo", "c": "todo"},
			},
		}
		result := inspect.Inspect(pf, inspect.Options{TargetRoles: []string{"*"}})

		Expect(result.IsComplete).To(BeFalse())
		Expect(result.Issues).To(HaveLen(2))
		for _, iss := range result.Issues {
			Expect(iss.Scope).To(Equal(form.ScopeOption))
		}
	})

	It("flags an orphan note at form scope", func() {
		pf := schemaWithOneRequiredString()
		pf.ResponsesByFieldID["name"] = form.Response{
			State: form.StateAnswered,
			Value: &form.FieldValue{Kind: form.KindString, StringValue: strPtr("Ada")},
		}
		pf.Notes = append(pf.Notes, form.Note{ID: "n1", Ref: "does-not-exist", Body: "huh"})

		result := inspect.Inspect(pf, inspect.Options{TargetRoles: []string{"*"}})

		var found bool
		for _, iss := range result.Issues {
			if iss.Scope == form.ScopeForm && iss.Kind == "note" {
				found = true
			}
		}
		Expect(found).To(BeTrue())
	})
})
