// Package plan implements the execution planner: a pure computation
// of order levels and parallel batches from a schema's field ordering and
// parallelBatch hints. Nothing here touches response state.
package plan

import (
	"sort"

	"markform.app/fill/internal/form"
)

// ItemType tags what an Item refers to.
type ItemType string

const (
	ItemField ItemType = "field"
	ItemGroup ItemType = "group"
)

// Item is one schema node scheduled within a level.
type Item struct {
	ItemType ItemType
	ItemID   string
}

// ParallelBatch is a named set of items eligible to run concurrently at one
// order level.
type ParallelBatch struct {
	BatchID string
	Items   []Item
}

// Level is one order level: loose serial items plus zero or more parallel
// batches, all at the same integer order.
type Level struct {
	Order           int
	LooseSerial     []Item
	ParallelBatches []ParallelBatch
}

// Plan is the full execution plan for a schema: strictly sequential order
// levels, each internally split into serial items and parallel batches.
// It is pure and recomputed from the schema, never cached.
type Plan struct {
	OrderLevels []int
	Levels      []Level
}

type levelBuilder struct {
	serial     []Item
	batches    map[string][]Item
	batchOrder []string
}

// Compute derives a Plan from a schema's fields. Fields with no explicit
// order take 0; items in the same parallelBatch at the same order may run
// concurrently, items at different orders must not.
func Compute(s form.Schema) Plan {
	levelMap := make(map[int]*levelBuilder)
	var orderValues []int

	for _, g := range s.Groups {
		for _, f := range g.Fields {
			lb, ok := levelMap[f.Order]
			if !ok {
				lb = &levelBuilder{batches: make(map[string][]Item)}
				levelMap[f.Order] = lb
				orderValues = append(orderValues, f.Order)
			}
			item := Item{ItemType: ItemField, ItemID: f.ID}
			if f.ParallelBatch == "" {
				lb.serial = append(lb.serial, item)
				continue
			}
			if _, seen := lb.batches[f.ParallelBatch]; !seen {
				lb.batchOrder = append(lb.batchOrder, f.ParallelBatch)
			}
			lb.batches[f.ParallelBatch] = append(lb.batches[f.ParallelBatch], item)
		}
	}

	sort.Ints(orderValues)

	levels := make([]Level, 0, len(orderValues))
	for _, order := range orderValues {
		lb := levelMap[order]
		batches := make([]ParallelBatch, 0, len(lb.batchOrder))
		for _, batchID := range lb.batchOrder {
			batches = append(batches, ParallelBatch{BatchID: batchID, Items: lb.batches[batchID]})
		}
		levels = append(levels, Level{
			Order:           order,
			LooseSerial:     lb.serial,
			ParallelBatches: batches,
		})
	}

	return Plan{OrderLevels: orderValues, Levels: levels}
}

// FieldIDs flattens a set of items to their field ids. Group items (not
// currently produced by Compute, since form.Schema carries order hints only
// on fields) would expand to every field id in that group; kept here so the
// scoping rule in internal/harness has one place to resolve either shape.
func FieldIDs(items []Item, s form.Schema) []string {
	var ids []string
	for _, it := range items {
		switch it.ItemType {
		case ItemField:
			ids = append(ids, it.ItemID)
		case ItemGroup:
			for _, g := range s.Groups {
				if g.ID != it.ItemID {
					continue
				}
				for _, f := range g.Fields {
					ids = append(ids, f.ID)
				}
			}
		}
	}
	return ids
}
