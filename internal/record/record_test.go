package record_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"markform.app/fill/internal/inspect"
	"markform.app/fill/internal/record"
)

var _ = Describe("Collector", func() {
	It("pairs turn_start/turn_complete and tool_start/tool_end by executionId", func() {
		c := record.NewCollector()
		cb := c.AsCallbacks()

		cb.OnTurnStart("0-serial", 1, 0, 2)
		cb.OnToolStart("0-serial", "web_search")
		cb.OnToolEnd("0-serial", "web_search", true, 3)
		cb.OnTurnComplete("0-serial", 1, 2, 0)

		rec := c.GetRecord(inspect.ProgressSummary{TotalFields: 2, EmptyFields: 0, RequiredTotal: 2, RequiredAnswered: 2})

		Expect(rec.Timeline).To(HaveLen(1))
		entry := rec.Timeline[0]
		Expect(entry.ExecutionID).To(Equal("0-serial"))
		Expect(entry.IssuesAddressed).To(Equal(2))
		Expect(entry.PatchesApplied).To(Equal(2))
		Expect(entry.ToolCalls).To(HaveLen(1))
		Expect(entry.ToolCalls[0].ToolName).To(Equal("web_search"))
		Expect(entry.ToolCalls[0].Success).To(BeTrue())

		Expect(rec.Tools).To(HaveLen(1))
		Expect(rec.Tools[0].CallCount).To(Equal(1))
		Expect(rec.Tools[0].SuccessRate).To(Equal(1.0))
		Expect(rec.Tools[0].Results.TotalResults).To(Equal(3))

		Expect(rec.Status).To(Equal(record.StatusCompleted))
	})

	It("derives partial status when required fields remain empty", func() {
		c := record.NewCollector()
		rec := c.GetRecord(inspect.ProgressSummary{TotalFields: 2, EmptyFields: 1, RequiredTotal: 2, RequiredAnswered: 1})
		Expect(rec.Status).To(Equal(record.StatusPartial))
	})

	It("honors an explicit SetStatus override", func() {
		c := record.NewCollector()
		c.SetStatus(record.StatusPartial)
		rec := c.GetRecord(inspect.ProgressSummary{EmptyFields: 0, RequiredTotal: 1, RequiredAnswered: 1})
		Expect(rec.Status).To(Equal(record.StatusPartial))
	})

	It("tracks distinct execution threads and order levels across parallel batches", func() {
		c := record.NewCollector()
		c.SetExecutionShape(true, intPtr(2))
		cb := c.AsCallbacks()

		cb.OnTurnStart("1-batch-x-0", 2, 1, 1)
		cb.OnTurnComplete("1-batch-x-0", 2, 1, 0)
		cb.OnTurnStart("1-batch-x-1", 2, 1, 1)
		cb.OnTurnComplete("1-batch-x-1", 2, 1, 0)

		rec := c.GetRecord(inspect.ProgressSummary{EmptyFields: 0, RequiredTotal: 0, RequiredAnswered: 0})
		Expect(rec.Execution.ExecutionThreads).To(ConsistOf("1-batch-x-0", "1-batch-x-1"))
		Expect(rec.Execution.OrderLevels).To(Equal([]int{1}))
		Expect(rec.Execution.ParallelEnabled).To(BeTrue())
		Expect(*rec.Execution.MaxParallelAgents).To(Equal(2))
	})
})

func intPtr(i int) *int { return &i }

var _ = Describe("StableProjection", func() {
	It("strips timing/timestamp fields but preserves identity and counts", func() {
		c := record.NewCollector()
		cb := c.AsCallbacks()
		cb.OnTurnStart("0-serial", 1, 0, 1)
		cb.OnTurnComplete("0-serial", 1, 1, 0)

		rec := c.GetRecord(inspect.ProgressSummary{EmptyFields: 0})
		stable := rec.Stable()

		Expect(stable.Timeline).To(HaveLen(1))
		Expect(stable.Timeline[0].ExecutionID).To(Equal("0-serial"))
		Expect(stable.Status).To(Equal(rec.Status))
	})
})

var _ = Describe("callback panic isolation", func() {
	It("swallows a panicking merged callback without losing the other", func() {
		c := record.NewCollector()
		caller := record.Callbacks{
			OnTurnStart: func(executionID string, turnNumber, order, issuesAddressed int) {
				panic("boom")
			},
		}
		merged := record.MergeCallbacks(caller, c.AsCallbacks())
		Expect(func() { merged.OnTurnStart("0-serial", 1, 0, 1) }).NotTo(Panic())

		rec := c.GetRecord(inspect.ProgressSummary{})
		Expect(rec.Timeline).To(HaveLen(1))
	})
})

var _ = Describe("percentile timing", func() {
	It("computes p50/p95 via linear interpolation over tool durations", func() {
		c := record.NewCollector()
		cb := c.AsCallbacks()
		cb.OnTurnStart("0-serial", 1, 0, 1)
		base := time.Now()
		_ = base
		for i := 0; i < 5; i++ {
			cb.OnToolStart("0-serial", "lookup")
			cb.OnToolEnd("0-serial", "lookup", true, 1)
		}
		cb.OnTurnComplete("0-serial", 1, 1, 0)

		rec := c.GetRecord(inspect.ProgressSummary{EmptyFields: 0})
		Expect(rec.Tools).To(HaveLen(1))
		Expect(rec.Tools[0].Timing.MinMs).To(BeNumerically(">=", 0))
		Expect(rec.Tools[0].Timing.P95Ms).To(BeNumerically(">=", rec.Tools[0].Timing.P50Ms))
	})
})
