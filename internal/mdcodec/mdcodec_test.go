package mdcodec_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"markform.app/fill/internal/form"
	"markform.app/fill/internal/mdcodec"
)

const sampleDoc = `---
markform:
  spec: MF/0.1
  roles: [agent, user]
  runMode: fill
  harnessConfig:
    maxTurns: 5
    maxPatchesPerTurn: 10
---

{form id="trip" title="Trip Planner"}

{group id="basics" title="Basics"}

{field id="dest" kind="string" label="Destination" role="agent" required}

` + "```value\nLisbon\n```" + `

{field id="days" kind="number" label="Days" role="agent" integer required}

{field id="vibe" kind="single_select" label="Vibe" role="agent"}
{option id="calm" label="Calm"}
{option id="busy" label="Busy"}

{field id="packing" kind="checkboxes" label="Packing" role="agent" mode="simple" minDone="1"}
{option id="passport" label="Passport"}
{option id="charger" label="Charger"}

{note id="n1" ref="dest" role="user" body="somewhere warm please"}
`

var _ = Describe("Parse", func() {
	It("reads frontmatter, schema, values, and notes", func() {
		pf, err := mdcodec.New().Parse(sampleDoc)
		Expect(err).NotTo(HaveOccurred())

		Expect(pf.Schema.ID).To(Equal("trip"))
		Expect(pf.Schema.Title).To(Equal("Trip Planner"))
		Expect(pf.Metadata.Roles).To(Equal([]string{"agent", "user"}))
		Expect(pf.Metadata.RunMode).To(Equal("fill"))
		Expect(pf.Metadata.HarnessConfig).NotTo(BeNil())
		Expect(*pf.Metadata.HarnessConfig.MaxTurns).To(Equal(5))

		Expect(pf.Schema.Groups).To(HaveLen(1))
		Expect(pf.Schema.Groups[0].Fields).To(HaveLen(4))

		dest := pf.ResponsesByFieldID["dest"]
		Expect(dest.State).To(Equal(form.StateAnswered))
		Expect(*dest.Value.StringValue).To(Equal("Lisbon"))
		Expect(pf.ResponsesByFieldID["days"].State).To(Equal(form.StateEmpty))

		vibe, _, ok := pf.FindField("vibe")
		Expect(ok).To(BeTrue())
		Expect(vibe.Options).To(HaveLen(2))

		packing, _, ok := pf.FindField("packing")
		Expect(ok).To(BeTrue())
		Expect(packing.CheckboxMode).To(Equal(form.CheckboxModeSimple))
		Expect(*packing.MinDone).To(Equal(1))

		Expect(pf.Notes).To(HaveLen(1))
		Expect(pf.Notes[0].Body).To(Equal("somewhere warm please"))
	})

	It("rejects a value fence for an unknown shape", func() {
		_, err := mdcodec.New().Parse("{form id=\"f\"}\n{group id=\"g\"}\n{field id=\"n\" kind=\"number\"}\n```value\nnot-a-number\n```\n")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Serialize", func() {
	It("round-trips parse -> serialize -> parse", func() {
		codec := mdcodec.New()
		pf, err := codec.Parse(sampleDoc)
		Expect(err).NotTo(HaveOccurred())

		out, err := codec.Serialize(pf)
		Expect(err).NotTo(HaveOccurred())

		back, err := codec.Parse(out)
		Expect(err).NotTo(HaveOccurred())

		Expect(back.Schema).To(Equal(pf.Schema))
		Expect(back.Notes).To(Equal(pf.Notes))
		Expect(*back.ResponsesByFieldID["dest"].Value.StringValue).To(Equal("Lisbon"))
	})

	It("is deterministic across repeated serializations", func() {
		codec := mdcodec.New()
		pf, err := codec.Parse(sampleDoc)
		Expect(err).NotTo(HaveOccurred())

		first, err := codec.Serialize(pf)
		Expect(err).NotTo(HaveOccurred())
		second, err := codec.Serialize(pf)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))
	})

	It("marks skipped and aborted states on the field tag", func() {
		codec := mdcodec.New()
		pf, err := codec.Parse(sampleDoc)
		Expect(err).NotTo(HaveOccurred())

		pf.ResponsesByFieldID["days"] = form.Response{State: form.StateSkipped}
		pf.ResponsesByFieldID["vibe"] = form.Response{State: form.StateAborted}

		out, err := codec.Serialize(pf)
		Expect(err).NotTo(HaveOccurred())

		back, err := codec.Parse(out)
		Expect(err).NotTo(HaveOccurred())
		Expect(back.ResponsesByFieldID["days"].State).To(Equal(form.StateSkipped))
		Expect(back.ResponsesByFieldID["vibe"].State).To(Equal(form.StateAborted))
	})
})
