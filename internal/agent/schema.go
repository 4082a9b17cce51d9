package agent

import (
	"encoding/json"
	"fmt"

	"markform.app/fill/common/llm"
	"markform.app/fill/internal/form"
)

const fillFormToolName = "fill_form"

// patchArgs is a flattened shape covering every patch op's payload fields
// at once, used only to generate the fill_form tool's JSON Schema.
// Actual parsing goes through form.Patch.UnmarshalJSON directly, which
// reads op/fieldId/ref from the envelope and keeps the rest as Data —
// this struct never round-trips a real patch, it only shapes the schema
// the model sees.
type patchArgs struct {
	Op       string            `json:"op" jsonschema:"required"`
	FieldID  string            `json:"fieldId,omitempty"`
	Ref      string            `json:"ref,omitempty"`
	Value    any               `json:"value,omitempty"`
	Items    []string          `json:"items,omitempty"`
	Selected any               `json:"selected,omitempty"`
	Values   map[string]string `json:"values,omitempty"`
	Rows     []map[string]any  `json:"rows,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Text     string            `json:"text,omitempty"`
	NoteID   string            `json:"noteId,omitempty"`
}

type fillFormArgs struct {
	Patches []patchArgs `json:"patches" jsonschema:"required"`
}

// fillFormTool builds the fill_form tool definition, schema generated via
// llm.GenerateSchemaFrom (invopop/jsonschema).
func fillFormTool() llm.Tool {
	return llm.Tool{
		Name:        fillFormToolName,
		Description: "Submit a batch of patches that resolve as many of the given issues as possible.",
		Parameters:  llm.GenerateSchemaFrom(fillFormArgs{}),
	}
}

// webSearchQueryArgs shapes the optional web_search tool's arguments.
type webSearchQueryArgs struct {
	Query string `json:"query" jsonschema:"required"`
}

const webSearchToolName = "web_search"

// webSearchTool is attached only when the caller opts in
// (fillengine.Options.EnableWebSearch == true) — a required
// boolean specifically to prevent accidental tool exposure. The search
// itself is an external collaborator; this harness only records intent
// and token/result bookkeeping through the OnWebSearch callback.
func webSearchTool() llm.Tool {
	return llm.Tool{
		Name:        webSearchToolName,
		Description: "Search the web for information needed to answer a field you cannot otherwise determine.",
		Parameters:  llm.GenerateSchemaFrom(webSearchQueryArgs{}),
	}
}

// rawPatchBatch is the minimal envelope needed to split a fill_form tool
// call's arguments back into individual form.Patch values without losing
// each patch's op-specific payload.
type rawPatchBatch struct {
	Patches []json.RawMessage `json:"patches"`
}

// extractPatches parses one fill_form tool call's JSON arguments into
// patches, handing each patch object to form.Patch.UnmarshalJSON so the
// op-specific payload is preserved as Data for ParsePatchData[T] later.
func extractPatches(arguments string) ([]form.Patch, error) {
	var batch rawPatchBatch
	if err := json.Unmarshal([]byte(arguments), &batch); err != nil {
		return nil, fmt.Errorf("agent: parse fill_form arguments: %w", err)
	}
	patches := make([]form.Patch, 0, len(batch.Patches))
	for _, raw := range batch.Patches {
		var p form.Patch
		if err := p.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("agent: parse patch: %w", err)
		}
		patches = append(patches, p)
	}
	return patches, nil
}

func extractWebSearchQuery(arguments string) string {
	var args webSearchQueryArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return ""
	}
	return args.Query
}
