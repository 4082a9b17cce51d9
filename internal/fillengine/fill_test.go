package fillengine_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"markform.app/fill/internal/agent"
	"markform.app/fill/internal/coerce"
	"markform.app/fill/internal/fillengine"
	"markform.app/fill/internal/form"
	"markform.app/fill/internal/record"
)

func strPtr(s string) *string     { return &s }
func numPtr(f float64) *float64   { return &f }
func intPtr(i int) *int           { return &i }

// nameAgeForm is a minimal form with two required agent fields.
func nameAgeForm() *form.ParsedForm {
	s := form.Schema{
		ID: "person",
		Groups: []form.Group{{
			ID: "main",
			Fields: []form.Field{
				{ID: "name", Label: "Name", Kind: form.KindString, Required: true, Role: "agent"},
				{ID: "age", Label: "Age", Kind: form.KindNumber, Required: true, Role: "agent", Integer: true, Min: numPtr(0), Max: numPtr(150)},
			},
		}},
	}
	return form.NewParsedForm(s, form.Metadata{})
}

func completedNameAge() *form.ParsedForm {
	pf := nameAgeForm()
	pf.ResponsesByFieldID["name"] = form.Response{State: form.StateAnswered, Value: &form.FieldValue{Kind: form.KindString, StringValue: strPtr("Alice")}}
	pf.ResponsesByFieldID["age"] = form.Response{State: form.StateAnswered, Value: &form.FieldValue{Kind: form.KindNumber, NumberValue: numPtr(30)}}
	return pf
}

// stepwiseAgent answers exactly one issue per turn from its source form,
// forcing multi-turn fills for the budget and cancellation specs.
type stepwiseAgent struct {
	source *form.ParsedForm
}

func (a *stepwiseAgent) FillFormTool(_ context.Context, issues []form.Issue, f *form.ParsedForm, maxPatches int, _ []form.PatchRejection) (agent.Result, error) {
	for _, iss := range issues {
		fieldID := iss.Ref
		for i := 0; i < len(fieldID); i++ {
			if fieldID[i] == '.' {
				fieldID = fieldID[:i]
				break
			}
		}
		resp, ok := a.source.ResponsesByFieldID[fieldID]
		if !ok || resp.Value == nil {
			continue
		}
		field, _, ok := f.FindField(fieldID)
		if !ok {
			continue
		}
		if maxPatches < 1 {
			break
		}
		return agent.Result{Patches: []form.Patch{coerce.ValueToSetPatch(*field, *resp.Value)}}, nil
	}
	return agent.Result{}, nil
}

var _ = Describe("Fill", func() {
	It("fills a two-field form in one turn with a mock agent", func() {
		result, err := fillengine.Fill(context.Background(), fillengine.Options{
			Form:       nameAgeForm(),
			TestAgent:  agent.NewMockAgent(completedNameAge()),
			RecordFill: true,
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Status.OK).To(BeTrue())
		Expect(result.Turns).To(Equal(1))
		Expect(result.TotalPatches).To(Equal(2))
		Expect(result.Values).To(HaveKeyWithValue("name", "Alice"))
		Expect(result.Values["age"]).To(BeNumerically("==", 30))
		Expect(result.Record).NotTo(BeNil())
		Expect(result.Record.Execution.TotalTurns).To(Equal(1))
		Expect(result.Record.FormProgress.AnsweredFields).To(Equal(2))
		Expect(result.Record.Status).To(Equal(record.StatusCompleted))
	})

	It("coerces a numeric string in the input context with a warning", func() {
		result, err := fillengine.Fill(context.Background(), fillengine.Options{
			Form:         nameAgeForm(),
			TestAgent:    agent.NewMockAgent(completedNameAge()),
			InputContext: map[string]any{"age": "42"},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Status.OK).To(BeTrue())
		Expect(result.Values["age"]).To(BeNumerically("==", 42))
		Expect(result.InputContextWarnings).NotTo(BeEmpty())
		Expect(result.InputContextWarnings[0].Message).To(ContainSubstring("age"))
		Expect(result.InputContextWarnings[0].Message).To(ContainSubstring("string"))
	})

	It("fails fast when the input context names an unknown field", func() {
		result, err := fillengine.Fill(context.Background(), fillengine.Options{
			Form:         nameAgeForm(),
			TestAgent:    agent.NewMockAgent(completedNameAge()),
			InputContext: map[string]any{"nope": "x"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status.OK).To(BeFalse())
		Expect(result.Status.Reason).To(Equal(fillengine.ReasonInputContext))
		Expect(result.Turns).To(BeZero())
	})

	It("recovers from a kind-mismatch rejection via feedback", func() {
		membersForm := func() *form.ParsedForm {
			s := form.Schema{
				ID: "team",
				Groups: []form.Group{{
					ID: "main",
					Fields: []form.Field{{
						ID: "members", Label: "Members", Kind: form.KindTable, Required: true, Role: "agent",
						Columns: []form.Column{
							{ID: "name", Kind: form.KindString, Required: true},
							{ID: "role", Kind: form.KindString},
						},
					}},
				}},
			}
			return form.NewParsedForm(s, form.Metadata{})
		}

		source := membersForm()
		source.ResponsesByFieldID["members"] = form.Response{
			State: form.StateAnswered,
			Value: &form.FieldValue{Kind: form.KindTable, Rows: []form.TableRow{{
				"name": {Kind: form.KindString, StringValue: strPtr("Ada")},
				"role": {Kind: form.KindString, StringValue: strPtr("lead")},
			}}},
		}

		result, err := fillengine.Fill(context.Background(), fillengine.Options{
			Form:       membersForm(),
			TestAgent:  agent.NewRejectionMockAgent(source, "members"),
			RecordFill: true,
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Status.OK).To(BeTrue())
		Expect(result.Turns).To(Equal(2))
		Expect(result.Record.Timeline).To(HaveLen(2))
		Expect(result.Record.Timeline[0].PatchesRejected).To(Equal(1))
		Expect(result.Record.Timeline[1].PatchesApplied).To(BeNumerically(">=", 1))
	})

	It("runs parallel batches on their own execution threads", func() {
		parallelForm := func() *form.ParsedForm {
			s := form.Schema{
				ID: "staged",
				Groups: []form.Group{{
					ID: "main",
					Fields: []form.Field{
						{ID: "a", Label: "A", Kind: form.KindString, Required: true, Role: "agent", Order: 0},
						{ID: "b", Label: "B", Kind: form.KindString, Required: true, Role: "agent", Order: 1, ParallelBatch: "x"},
						{ID: "c", Label: "C", Kind: form.KindString, Required: true, Role: "agent", Order: 1, ParallelBatch: "x"},
						{ID: "d", Label: "D", Kind: form.KindString, Required: true, Role: "agent", Order: 2},
					},
				}},
			}
			return form.NewParsedForm(s, form.Metadata{})
		}

		source := parallelForm()
		for _, fid := range []string{"a", "b", "c", "d"} {
			v := "filled-" + fid
			source.ResponsesByFieldID[fid] = form.Response{State: form.StateAnswered, Value: &form.FieldValue{Kind: form.KindString, StringValue: &v}}
		}

		result, err := fillengine.Fill(context.Background(), fillengine.Options{
			Form:              parallelForm(),
			TestAgent:         agent.NewMockAgent(source),
			EnableParallel:    true,
			MaxParallelAgents: 2,
			RecordFill:        true,
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Status.OK).To(BeTrue())
		Expect(result.Values).To(HaveLen(4))
		Expect(result.Record.Execution.OrderLevels).To(Equal([]int{0, 1, 2}))
		Expect(result.Record.Execution.ExecutionThreads).To(ContainElements("1-batch-x-0", "1-batch-x-1"))
		Expect(result.Record.Execution.ParallelEnabled).To(BeTrue())
	})

	It("returns cancelled at the pre-agent check after the first turn", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		result, err := fillengine.Fill(ctx, fillengine.Options{
			Form:      nameAgeForm(),
			TestAgent: &stepwiseAgent{source: completedNameAge()},
			Callbacks: record.Callbacks{
				OnTurnComplete: func(executionID string, turnNumber, patchesApplied, patchesRejected int) {
					cancel()
				},
			},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Status.OK).To(BeFalse())
		Expect(result.Status.Reason).To(Equal(fillengine.ReasonCancelled))
		Expect(result.Turns).To(Equal(1))
		Expect(result.RemainingIssues).NotTo(BeEmpty())
	})

	It("splits a fill across calls on maxTurnsThisCall", func() {
		bigForm := func() *form.ParsedForm {
			var fields []form.Field
			for _, fid := range []string{"f1", "f2", "f3", "f4", "f5"} {
				fields = append(fields, form.Field{ID: fid, Label: fid, Kind: form.KindString, Required: true, Role: "agent"})
			}
			return form.NewParsedForm(form.Schema{ID: "big", Groups: []form.Group{{ID: "main", Fields: fields}}}, form.Metadata{})
		}
		source := bigForm()
		for _, fid := range []string{"f1", "f2", "f3", "f4", "f5"} {
			v := "v-" + fid
			source.ResponsesByFieldID[fid] = form.Response{State: form.StateAnswered, Value: &form.FieldValue{Kind: form.KindString, StringValue: &v}}
		}

		var mu sync.Mutex
		var turnNumbers []int
		collectTurns := record.Callbacks{
			OnTurnStart: func(executionID string, turnNumber, order, issuesAddressed int) {
				mu.Lock()
				turnNumbers = append(turnNumbers, turnNumber)
				mu.Unlock()
			},
		}

		first, err := fillengine.Fill(context.Background(), fillengine.Options{
			Form:             bigForm(),
			TestAgent:        &stepwiseAgent{source: source},
			MaxTurnsTotal:    10,
			MaxTurnsThisCall: 3,
			Callbacks:        collectTurns,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Status.OK).To(BeFalse())
		Expect(first.Status.Reason).To(Equal(fillengine.ReasonBatchLimit))
		Expect(first.Turns).To(Equal(3))
		Expect(turnNumbers).To(Equal([]int{1, 2, 3}))

		turnNumbers = nil
		second, err := fillengine.Fill(context.Background(), fillengine.Options{
			FormText:           first.Markdown,
			TestAgent:          &stepwiseAgent{source: source},
			MaxTurnsTotal:      10,
			StartingTurnNumber: 3,
			Callbacks:          collectTurns,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Status.OK).To(BeTrue())
		Expect(second.Turns).To(Equal(2))
		Expect(turnNumbers[0]).To(Equal(4))
	})

	It("stops with max_turns when the budget runs out before completion", func() {
		result, err := fillengine.Fill(context.Background(), fillengine.Options{
			Form:          nameAgeForm(),
			TestAgent:     &stepwiseAgent{source: completedNameAge()},
			MaxTurnsTotal: 1,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status.OK).To(BeFalse())
		Expect(result.Status.Reason).To(Equal(fillengine.ReasonMaxTurns))
		Expect(result.Turns).To(Equal(1))
		Expect(result.RemainingIssues).NotTo(BeEmpty())
	})

	It("returns a configuration error for an unknown provider without calling any model", func() {
		result, err := fillengine.Fill(context.Background(), fillengine.Options{
			Form:  nameAgeForm(),
			Model: "nosuch/model-1",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status.OK).To(BeFalse())
		Expect(result.Status.Reason).To(Equal(fillengine.ReasonConfiguration))

		var cfgErr agent.ConfigurationError
		Expect(result.Status.Err).To(BeAssignableToTypeOf(cfgErr))
	})

	It("honors the form's harnessConfig when the caller leaves budgets unset", func() {
		pf := nameAgeForm()
		pf.Metadata.HarnessConfig = &form.HarnessConfigOverride{MaxTurns: intPtr(1)}

		result, err := fillengine.Fill(context.Background(), fillengine.Options{
			Form:      pf,
			TestAgent: &stepwiseAgent{source: completedNameAge()},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status.Reason).To(Equal(fillengine.ReasonMaxTurns))
		Expect(result.Turns).To(Equal(1))
	})

	It("clears target fields first in overwrite mode", func() {
		pf := nameAgeForm()
		stale := "Stale"
		pf.ResponsesByFieldID["name"] = form.Response{State: form.StateAnswered, Value: &form.FieldValue{Kind: form.KindString, StringValue: &stale}}

		result, err := fillengine.Fill(context.Background(), fillengine.Options{
			Form:      pf,
			TestAgent: agent.NewMockAgent(completedNameAge()),
			FillMode:  "overwrite",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status.OK).To(BeTrue())
		Expect(result.Values["name"]).To(Equal("Alice"))
	})
})
