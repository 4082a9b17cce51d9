package plan_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"markform.app/fill/internal/form"
	"markform.app/fill/internal/plan"
)

var _ = Describe("Compute", func() {
	// A (order=0, no batch), B and C (order=1, parallelBatch="x"), D (order=2, no batch).
	schema := form.Schema{
		Groups: []form.Group{{
			Fields: []form.Field{
				{ID: "A", Order: 0},
				{ID: "B", Order: 1, ParallelBatch: "x"},
				{ID: "C", Order: 1, ParallelBatch: "x"},
				{ID: "D", Order: 2},
			},
		}},
	}

	It("produces the three order levels in ascending order", func() {
		p := plan.Compute(schema)
		Expect(p.OrderLevels).To(Equal([]int{0, 1, 2}))
		Expect(p.Levels).To(HaveLen(3))
	})

	It("groups B and C into a single parallel batch at order 1", func() {
		p := plan.Compute(schema)
		level1 := p.Levels[1]
		Expect(level1.Order).To(Equal(1))
		Expect(level1.LooseSerial).To(BeEmpty())
		Expect(level1.ParallelBatches).To(HaveLen(1))
		Expect(level1.ParallelBatches[0].BatchID).To(Equal("x"))
		Expect(level1.ParallelBatches[0].Items).To(ConsistOf(
			plan.Item{ItemType: plan.ItemField, ItemID: "B"},
			plan.Item{ItemType: plan.ItemField, ItemID: "C"},
		))
	})

	It("keeps unbatched fields as loose serial items", func() {
		p := plan.Compute(schema)
		Expect(p.Levels[0].LooseSerial).To(Equal([]plan.Item{{ItemType: plan.ItemField, ItemID: "A"}}))
		Expect(p.Levels[2].LooseSerial).To(Equal([]plan.Item{{ItemType: plan.ItemField, ItemID: "D"}}))
	})

	It("defaults fields with no explicit order to order 0", func() {
		s := form.Schema{Groups: []form.Group{{Fields: []form.Field{{ID: "Z"}}}}}
		p := plan.Compute(s)
		Expect(p.OrderLevels).To(Equal([]int{0}))
	})
})
