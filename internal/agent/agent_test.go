package agent_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"markform.app/fill/internal/agent"
	"markform.app/fill/internal/form"
)

func strPtr(s string) *string { return &s }

func oneFieldForm(withValue bool) *form.ParsedForm {
	s := form.Schema{
		ID: "f1",
		Groups: []form.Group{{
			ID: "g1",
			Fields: []form.Field{
				{ID: "name", Label: "Name", Kind: form.KindString, Required: true, Role: "agent"},
			},
		}},
	}
	pf := form.NewParsedForm(s, form.Metadata{})
	if withValue {
		pf.ResponsesByFieldID["name"] = form.Response{
			State: form.StateAnswered,
			Value: &form.FieldValue{Kind: form.KindString, StringValue: strPtr("Ada Lovelace")},
		}
	}
	return pf
}

var _ = Describe("MockAgent", func() {
	It("answers issues from a completed source form", func() {
		source := oneFieldForm(true)
		target := oneFieldForm(false)
		a := agent.NewMockAgent(source)

		issues := []form.Issue{{Scope: form.ScopeField, Ref: "name", Severity: form.SeverityRequired, Kind: "missing_required"}}
		res, err := a.FillFormTool(context.Background(), issues, target, 10, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Patches).To(HaveLen(1))
		Expect(res.Patches[0].Op).To(Equal(form.OpSetString))
		Expect(res.Patches[0].FieldID).To(Equal("name"))
		Expect(res.Stats).To(BeNil())
	})

	It("respects maxPatches", func() {
		source := oneFieldForm(true)
		target := oneFieldForm(false)
		a := agent.NewMockAgent(source)

		issues := []form.Issue{{Scope: form.ScopeField, Ref: "name", Severity: form.SeverityRequired}}
		res, err := a.FillFormTool(context.Background(), issues, target, 0, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Patches).To(BeEmpty())
	})

	It("emits no patch for a required field the source form leaves empty", func() {
		source := oneFieldForm(false)
		target := oneFieldForm(false)
		a := agent.NewMockAgent(source)

		issues := []form.Issue{{Scope: form.ScopeField, Ref: "name", Severity: form.SeverityRequired}}
		res, err := a.FillFormTool(context.Background(), issues, target, 10, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Patches).To(BeEmpty())
	})

	It("skips an optional field the source form leaves empty", func() {
		optionalForm := func() *form.ParsedForm {
			s := form.Schema{
				ID: "f1",
				Groups: []form.Group{{
					ID: "g1",
					Fields: []form.Field{
						{ID: "nickname", Label: "Nickname", Kind: form.KindString, Role: "agent"},
					},
				}},
			}
			return form.NewParsedForm(s, form.Metadata{})
		}
		a := agent.NewMockAgent(optionalForm())

		issues := []form.Issue{{Scope: form.ScopeField, Ref: "nickname", Severity: form.SeverityRecommended}}
		res, err := a.FillFormTool(context.Background(), issues, optionalForm(), 10, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Patches).To(HaveLen(1))
		Expect(res.Patches[0].Op).To(Equal(form.OpSkipField))
		Expect(res.Patches[0].FieldID).To(Equal("nickname"))
	})
})

var _ = Describe("RejectionMockAgent", func() {
	It("submits a deliberately malformed patch on the first call, then answers correctly", func() {
		source := oneFieldForm(true)
		target := oneFieldForm(false)
		a := agent.NewRejectionMockAgent(source, "name")

		issues := []form.Issue{{Scope: form.ScopeField, Ref: "name", Severity: form.SeverityRequired}}

		first, err := a.FillFormTool(context.Background(), issues, target, 10, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Patches).To(HaveLen(1))
		Expect(first.Patches[0].Op).To(Equal(form.OpSetSingleSelect))

		rejections := []form.PatchRejection{{FieldID: "name", PatchOp: form.OpSetSingleSelect, Reason: "kind mismatch"}}
		second, err := a.FillFormTool(context.Background(), issues, target, 10, rejections)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Patches).To(HaveLen(1))
		Expect(second.Patches[0].Op).To(Equal(form.OpSetString))
	})
})
