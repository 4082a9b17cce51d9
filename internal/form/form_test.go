package form_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"markform.app/fill/internal/form"
)

func sampleSchema() form.Schema {
	return form.Schema{
		ID:    "survey",
		Title: "Survey",
		Groups: []form.Group{
			{ID: "basics", Fields: []form.Field{
				{ID: "name", Kind: form.KindString, Required: true},
				{ID: "site", Kind: form.KindURL},
			}},
			{ID: "extras", Fields: []form.Field{
				{ID: "notes", Kind: form.KindStringList, Role: "reviewer"},
			}},
		},
	}
}

var _ = Describe("NewParsedForm", func() {
	It("gives responsesByFieldId exactly the schema's field ids", func() {
		pf := form.NewParsedForm(sampleSchema(), form.Metadata{})
		Expect(pf.ResponsesByFieldID).To(HaveLen(3))
		for _, id := range []string{"name", "site", "notes"} {
			Expect(pf.ResponsesByFieldID).To(HaveKey(id))
			Expect(pf.ResponsesByFieldID[id].State).To(Equal(form.StateEmpty))
		}
	})

	It("builds an id index with parents for every non-form node", func() {
		pf := form.NewParsedForm(sampleSchema(), form.Metadata{})
		Expect(pf.IDIndex["survey"].NodeType).To(Equal(form.NodeForm))
		Expect(pf.IDIndex["basics"]).To(Equal(form.IndexEntry{NodeType: form.NodeGroup, ParentID: "survey"}))
		Expect(pf.IDIndex["name"]).To(Equal(form.IndexEntry{NodeType: form.NodeField, ParentID: "basics"}))
		Expect(pf.IDIndex["notes"]).To(Equal(form.IndexEntry{NodeType: form.NodeField, ParentID: "extras"}))
	})
})

var _ = Describe("Clone", func() {
	It("deep-copies responses so mutations don't leak back", func() {
		pf := form.NewParsedForm(sampleSchema(), form.Metadata{})
		v := "original"
		pf.ResponsesByFieldID["name"] = form.Response{State: form.StateAnswered, Value: &form.FieldValue{Kind: form.KindString, StringValue: &v}}

		clone := pf.Clone()
		changed := "changed"
		clone.ResponsesByFieldID["name"] = form.Response{State: form.StateAnswered, Value: &form.FieldValue{Kind: form.KindString, StringValue: &changed}}

		Expect(*pf.ResponsesByFieldID["name"].Value.StringValue).To(Equal("original"))
	})

	It("copies notes and the id index", func() {
		pf := form.NewParsedForm(sampleSchema(), form.Metadata{})
		pf.Notes = []form.Note{{ID: "n1", Ref: "name", Role: "user", Body: "check"}}

		clone := pf.Clone()
		clone.Notes = append(clone.Notes, form.Note{ID: "n2", Ref: "site"})
		Expect(pf.Notes).To(HaveLen(1))
		Expect(clone.IDIndex).To(Equal(pf.IDIndex))
	})
})

var _ = Describe("FieldsForRoles", func() {
	It("filters by role with user as the default", func() {
		pf := form.NewParsedForm(sampleSchema(), form.Metadata{})
		userFields := pf.FieldsForRoles([]string{"user"})
		Expect(userFields).To(HaveLen(2))

		reviewerFields := pf.FieldsForRoles([]string{"reviewer"})
		Expect(reviewerFields).To(HaveLen(1))
		Expect(reviewerFields[0].ID).To(Equal("notes"))
	})

	It("returns everything for the wildcard role", func() {
		pf := form.NewParsedForm(sampleSchema(), form.Metadata{})
		Expect(pf.FieldsForRoles([]string{"*"})).To(HaveLen(3))
	})
})

var _ = Describe("Patch JSON", func() {
	It("keeps the envelope typed and the payload raw", func() {
		var p form.Patch
		raw := `{"op":"set_string","fieldId":"name","value":"Ada"}`
		Expect(json.Unmarshal([]byte(raw), &p)).To(Succeed())
		Expect(p.Op).To(Equal(form.OpSetString))
		Expect(p.FieldID).To(Equal("name"))

		d, err := form.ParsePatchData[form.SetStringData](p)
		Expect(err).NotTo(HaveOccurred())
		Expect(*d.Value).To(Equal("Ada"))
	})

	It("distinguishes explicit null from an absent value", func() {
		var p form.Patch
		Expect(json.Unmarshal([]byte(`{"op":"set_string","fieldId":"name","value":null}`), &p)).To(Succeed())
		d, err := form.ParsePatchData[form.SetStringData](p)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Value).To(BeNil())
	})

	It("keeps legacy value alongside items for list patches", func() {
		var p form.Patch
		Expect(json.Unmarshal([]byte(`{"op":"set_string_list","fieldId":"notes","value":"solo"}`), &p)).To(Succeed())
		d, err := form.ParsePatchData[form.SetListData](p)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Items).To(BeEmpty())
		Expect(d.Value).To(Equal("solo"))
	})
})

var _ = Describe("Checkbox alphabets", func() {
	It("covers all three modes", func() {
		Expect(form.CheckboxAlphabets[form.CheckboxModeSimple]).To(HaveLen(2))
		Expect(form.CheckboxAlphabets[form.CheckboxModeMulti]).To(HaveLen(5))
		Expect(form.CheckboxAlphabets[form.CheckboxModeExplicit]).To(HaveLen(3))
		Expect(form.CheckboxAlphabets[form.CheckboxModeExplicit]["yes"]).To(BeTrue())
		Expect(form.CheckboxAlphabets[form.CheckboxModeMulti]["yes"]).To(BeFalse())
	})
})
