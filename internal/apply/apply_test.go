package apply_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"markform.app/fill/internal/apply"
	"markform.app/fill/internal/form"
)

func intPtr(i int) *int         { return &i }
func numPtr(f float64) *float64 { return &f }

func testForm() *form.ParsedForm {
	s := form.Schema{
		ID: "f1",
		Groups: []form.Group{{
			ID: "g1",
			Fields: []form.Field{
				{ID: "title", Kind: form.KindString, Required: true, Role: "agent", MaxLength: intPtr(20)},
				{ID: "count", Kind: form.KindNumber, Role: "agent", Integer: true, Min: numPtr(0)},
				{ID: "tags", Kind: form.KindStringList, Role: "agent", MaxItems: intPtr(3)},
				{ID: "site", Kind: form.KindURL, Role: "agent"},
				{ID: "pick", Kind: form.KindSingleSelect, Role: "agent", Options: []form.Option{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}}},
				{ID: "tasks", Kind: form.KindCheckboxes, Role: "agent", CheckboxMode: form.CheckboxModeMulti, Options: []form.Option{{ID: "t1", Label: "T1"}, {ID: "t2", Label: "T2"}}},
				{ID: "crew", Kind: form.KindTable, Role: "agent", Columns: []form.Column{{ID: "name", Kind: form.KindString, Required: true}, {ID: "seat", Kind: form.KindNumber}}},
			},
		}},
	}
	return form.NewParsedForm(s, form.Metadata{})
}

func patch(raw string) form.Patch {
	var p form.Patch
	ExpectWithOffset(1, p.UnmarshalJSON([]byte(raw))).To(Succeed())
	return p
}

var _ = Describe("Apply", func() {
	It("partitions a batch into applied and rejected without corrupting state", func() {
		f := testForm()
		result := apply.Apply(f, []form.Patch{
			patch(`{"op":"set_string","fieldId":"title","value":"hello"}`),
			patch(`{"op":"set_number","fieldId":"missing","value":1}`),
			patch(`{"op":"set_number","fieldId":"title","value":1}`),
		})

		Expect(result.Applied).To(HaveLen(1))
		Expect(result.Rejected).To(HaveLen(2))
		Expect(f.ResponsesByFieldID["title"].State).To(Equal(form.StateAnswered))
		Expect(*f.ResponsesByFieldID["title"].Value.StringValue).To(Equal("hello"))
	})

	It("rejects unknown fields with the unknown_field reason", func() {
		f := testForm()
		result := apply.Apply(f, []form.Patch{patch(`{"op":"set_string","fieldId":"nope","value":"x"}`)})
		Expect(result.Rejected).To(HaveLen(1))
		Expect(result.Rejected[0].Reason).To(Equal("unknown_field"))
	})

	It("rejects a kind mismatch with corrective metadata", func() {
		f := testForm()
		result := apply.Apply(f, []form.Patch{patch(`{"op":"set_string","fieldId":"crew","value":"oops"}`)})

		Expect(result.Rejected).To(HaveLen(1))
		rej := result.Rejected[0]
		Expect(rej.Reason).To(Equal("kind_mismatch"))
		Expect(rej.FieldKind).To(Equal(form.KindTable))
		Expect(rej.ExpectedFormat).To(ContainSubstring("set_table"))
		Expect(rej.ColumnIDs).To(Equal([]string{"name", "seat"}))
	})

	It("enforces constraints as rejections", func() {
		f := testForm()
		result := apply.Apply(f, []form.Patch{
			patch(`{"op":"set_string","fieldId":"title","value":"this is far longer than twenty characters"}`),
			patch(`{"op":"set_number","fieldId":"count","value":-3}`),
			patch(`{"op":"set_number","fieldId":"count","value":1.5}`),
			patch(`{"op":"set_string_list","fieldId":"tags","items":["a","b","c","d"]}`),
		})
		Expect(result.Applied).To(BeEmpty())
		Expect(result.Rejected).To(HaveLen(4))
	})

	It("rejects checkbox states outside the mode's alphabet", func() {
		f := testForm()
		result := apply.Apply(f, []form.Patch{patch(`{"op":"set_checkboxes","fieldId":"tasks","values":{"t1":"yes"}}`)})
		Expect(result.Rejected).To(HaveLen(1))
		Expect(result.Rejected[0].Reason).To(ContainSubstring("multi"))

		ok := apply.Apply(f, []form.Patch{patch(`{"op":"set_checkboxes","fieldId":"tasks","values":{"t1":"done","t2":"active"}}`)})
		Expect(ok.Applied).To(HaveLen(1))
	})

	It("rejects an invalid option id and lists valid ones", func() {
		f := testForm()
		result := apply.Apply(f, []form.Patch{patch(`{"op":"set_single_select","fieldId":"pick","selected":"z"}`)})
		Expect(result.Rejected).To(HaveLen(1))
		Expect(result.Rejected[0].Reason).To(ContainSubstring("a, b"))
	})

	It("treats a legacy value field on set_string_list as items with a warning", func() {
		f := testForm()
		result := apply.Apply(f, []form.Patch{patch(`{"op":"set_string_list","fieldId":"tags","value":"solo"}`)})

		Expect(result.Applied).To(HaveLen(1))
		Expect(result.Warnings).NotTo(BeEmpty())
		Expect(result.Warnings[0].Message).To(ContainSubstring("legacy"))
		Expect(f.ResponsesByFieldID["tags"].Value.Items).To(Equal([]string{"solo"}))
	})

	It("is idempotent for repeated set patches", func() {
		f := testForm()
		p := patch(`{"op":"set_string","fieldId":"title","value":"same"}`)
		apply.Apply(f, []form.Patch{p})
		before := *f.ResponsesByFieldID["title"].Value
		apply.Apply(f, []form.Patch{p})
		Expect(*f.ResponsesByFieldID["title"].Value).To(Equal(before))
	})

	It("returns a cleared field to the untouched empty state", func() {
		f := testForm()
		apply.Apply(f, []form.Patch{patch(`{"op":"set_string","fieldId":"title","value":"x"}`)})
		apply.Apply(f, []form.Patch{patch(`{"op":"clear_field","fieldId":"title"}`)})
		Expect(f.ResponsesByFieldID["title"]).To(Equal(form.Response{State: form.StateEmpty}))
	})

	It("walks skip and abort state transitions", func() {
		f := testForm()
		apply.Apply(f, []form.Patch{patch(`{"op":"set_string","fieldId":"title","value":"kept"}`)})
		apply.Apply(f, []form.Patch{patch(`{"op":"skip_field","fieldId":"title","reason":"later"}`)})
		Expect(f.ResponsesByFieldID["title"].State).To(Equal(form.StateSkipped))
		Expect(f.ResponsesByFieldID["title"].Value).NotTo(BeNil())

		apply.Apply(f, []form.Patch{patch(`{"op":"abort_field","fieldId":"title"}`)})
		Expect(f.ResponsesByFieldID["title"].State).To(Equal(form.StateAborted))
		Expect(f.ResponsesByFieldID["title"].Value).To(BeNil())
	})

	It("appends and deletes list items", func() {
		f := testForm()
		apply.Apply(f, []form.Patch{patch(`{"op":"append_string_list","fieldId":"tags","items":["a","b"]}`)})
		apply.Apply(f, []form.Patch{patch(`{"op":"append_string_list","fieldId":"tags","items":["c"]}`)})
		Expect(f.ResponsesByFieldID["tags"].Value.Items).To(Equal([]string{"a", "b", "c"}))

		apply.Apply(f, []form.Patch{patch(`{"op":"delete_string_list","fieldId":"tags","items":["b"]}`)})
		Expect(f.ResponsesByFieldID["tags"].Value.Items).To(Equal([]string{"a", "c"}))

		result := apply.Apply(f, []form.Patch{patch(`{"op":"delete_string_list","fieldId":"tags","items":["a","c"]}`)})
		Expect(result.Applied).To(HaveLen(1))
		Expect(f.ResponsesByFieldID["tags"].State).To(Equal(form.StateEmpty))
	})

	It("appends and deletes table rows", func() {
		f := testForm()
		apply.Apply(f, []form.Patch{patch(`{"op":"set_table","fieldId":"crew","rows":[{"name":"Ada","seat":1}]}`)})
		apply.Apply(f, []form.Patch{patch(`{"op":"append_table","fieldId":"crew","rows":[{"name":"Grace","seat":2}]}`)})
		Expect(f.ResponsesByFieldID["crew"].Value.Rows).To(HaveLen(2))

		apply.Apply(f, []form.Patch{patch(`{"op":"delete_table","fieldId":"crew","rows":[{"_index":0}]}`)})
		rows := f.ResponsesByFieldID["crew"].Value.Rows
		Expect(rows).To(HaveLen(1))
		Expect(*rows[0]["name"].StringValue).To(Equal("Grace"))
	})

	It("rejects a table row missing a required column", func() {
		f := testForm()
		result := apply.Apply(f, []form.Patch{patch(`{"op":"set_table","fieldId":"crew","rows":[{"seat":3}]}`)})
		Expect(result.Rejected).To(HaveLen(1))
		Expect(result.Rejected[0].Reason).To(ContainSubstring("name"))
	})

	It("adds and removes notes by ref and id", func() {
		f := testForm()
		result := apply.Apply(f, []form.Patch{patch(`{"op":"add_note","ref":"title","text":"double-check spelling","noteId":"n1"}`)})
		Expect(result.Applied).To(HaveLen(1))
		Expect(f.Notes).To(HaveLen(1))
		Expect(f.Notes[0].Ref).To(Equal("title"))

		bad := apply.Apply(f, []form.Patch{patch(`{"op":"add_note","ref":"ghost","text":"x"}`)})
		Expect(bad.Rejected).To(HaveLen(1))

		removed := apply.Apply(f, []form.Patch{patch(`{"op":"remove_note","noteId":"n1"}`)})
		Expect(removed.Applied).To(HaveLen(1))
		Expect(f.Notes).To(BeEmpty())

		missing := apply.Apply(f, []form.Patch{patch(`{"op":"remove_note","noteId":"n1"}`)})
		Expect(missing.Rejected).To(HaveLen(1))
	})

	It("generates a note id when the patch omits one", func() {
		f := testForm()
		result := apply.Apply(f, []form.Patch{patch(`{"op":"add_note","ref":"g1","text":"group-level remark"}`)})
		Expect(result.Applied).To(HaveLen(1))
		Expect(f.Notes[0].ID).NotTo(BeEmpty())
	})
})
