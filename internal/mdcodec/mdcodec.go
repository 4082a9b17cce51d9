// Package mdcodec is the reference markform codec: YAML frontmatter plus
// tag markers, covering the literal forms used by this repo's tests and
// the CLI's example forms. It is a deliberate stand-in for the full wire
// grammar, which is an external collaborator (the core only consumes
// form.Codec); the HTML-comment tag variant and the table cell grammar
// are not implemented here.
package mdcodec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"markform.app/fill/internal/coerce"
	"markform.app/fill/internal/form"
)

// Codec implements form.Codec over the frontmatter-plus-tag grammar.
type Codec struct{}

// New returns the reference codec.
func New() *Codec { return &Codec{} }

type frontmatter struct {
	Markform struct {
		Spec             string            `yaml:"spec"`
		Roles            []string          `yaml:"roles"`
		RoleInstructions map[string]string `yaml:"roleInstructions"`
		RunMode          string            `yaml:"runMode"`
		HarnessConfig    *struct {
			MaxTurns          *int `yaml:"maxTurns"`
			MaxPatchesPerTurn *int `yaml:"maxPatchesPerTurn"`
			MaxIssuesPerTurn  *int `yaml:"maxIssuesPerTurn"`
		} `yaml:"harnessConfig"`
	} `yaml:"markform"`
}

// Parse reads a markform document into a ParsedForm.
func (c *Codec) Parse(text string) (*form.ParsedForm, error) {
	fmText, body, err := splitFrontmatter(text)
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if fmText != "" {
		if err := yaml.Unmarshal([]byte(fmText), &fm); err != nil {
			return nil, fmt.Errorf("mdcodec: parse frontmatter: %w", err)
		}
	}

	bp := &bodyParser{
		lines:     strings.Split(body, "\n"),
		rawValues: map[string]any{},
		states:    map[string]form.ResponseState{},
	}
	schema, notes, rawValues, states, err := bp.run()
	if err != nil {
		return nil, err
	}

	meta := form.Metadata{
		Roles:            fm.Markform.Roles,
		RoleInstructions: fm.Markform.RoleInstructions,
		RunMode:          fm.Markform.RunMode,
	}
	if fm.Markform.HarnessConfig != nil {
		meta.HarnessConfig = &form.HarnessConfigOverride{
			MaxTurns:          fm.Markform.HarnessConfig.MaxTurns,
			MaxPatchesPerTurn: fm.Markform.HarnessConfig.MaxPatchesPerTurn,
			MaxIssuesPerTurn:  fm.Markform.HarnessConfig.MaxIssuesPerTurn,
		}
	}

	pf := form.NewParsedForm(schema, meta)
	pf.Notes = notes

	for fieldID, raw := range rawValues {
		if raw == nil {
			continue
		}
		field, _, ok := pf.FindField(fieldID)
		if !ok {
			return nil, fmt.Errorf("mdcodec: value block for unknown field %q", fieldID)
		}
		value, _, cerr := coerce.Value(*field, raw)
		if cerr != nil {
			return nil, fmt.Errorf("mdcodec: field %q value: %s", fieldID, cerr.Message)
		}
		v := value
		pf.ResponsesByFieldID[fieldID] = form.Response{State: form.StateAnswered, Value: &v}
	}
	for fieldID, state := range states {
		if _, _, ok := pf.FindField(fieldID); !ok {
			return nil, fmt.Errorf("mdcodec: state marker for unknown field %q", fieldID)
		}
		resp := pf.ResponsesByFieldID[fieldID]
		resp.State = state
		if state != form.StateAnswered && state != form.StateSkipped {
			resp.Value = nil
		}
		pf.ResponsesByFieldID[fieldID] = resp
	}

	return pf, nil
}

func splitFrontmatter(text string) (fm, body string, err error) {
	if !strings.HasPrefix(text, "---\n") {
		return "", text, nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", fmt.Errorf("mdcodec: unterminated frontmatter")
	}
	fm = rest[:end]
	body = rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return fm, body, nil
}

// bodyParser walks the body line by line, tracking the current group and
// the current field so value fences and option lines attach to the right
// node.
type bodyParser struct {
	lines []string
	pos   int

	schema    form.Schema
	notes     []form.Note
	rawValues map[string]any
	states    map[string]form.ResponseState

	curGroup *form.Group
	curField *form.Field
}

func (bp *bodyParser) flushField() {
	if bp.curField == nil {
		return
	}
	if bp.curGroup == nil {
		bp.curGroup = &form.Group{ID: bp.schema.ID + "-main", Implicit: true}
	}
	bp.curGroup.Fields = append(bp.curGroup.Fields, *bp.curField)
	bp.curField = nil
}

func (bp *bodyParser) flushGroup() {
	bp.flushField()
	if bp.curGroup == nil {
		return
	}
	bp.schema.Groups = append(bp.schema.Groups, *bp.curGroup)
	bp.curGroup = nil
}

func (bp *bodyParser) run() (form.Schema, []form.Note, map[string]any, map[string]form.ResponseState, error) {
	for bp.pos < len(bp.lines) {
		line := strings.TrimRight(bp.lines[bp.pos], "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "{form "):
			attrs, err := parseAttrs(trimmed, "form")
			if err != nil {
				return form.Schema{}, nil, nil, nil, err
			}
			bp.schema.ID = attrs.str("id")
			bp.schema.Title = attrs.str("title")
			bp.schema.Description = attrs.str("description")
		case strings.HasPrefix(trimmed, "{group "):
			bp.flushGroup()
			attrs, err := parseAttrs(trimmed, "group")
			if err != nil {
				return form.Schema{}, nil, nil, nil, err
			}
			bp.curGroup = &form.Group{ID: attrs.str("id"), Title: attrs.str("title"), Implicit: attrs.flag("implicit")}
		case strings.HasPrefix(trimmed, "{field "):
			bp.flushField()
			field, state, err := parseFieldTag(trimmed)
			if err != nil {
				return form.Schema{}, nil, nil, nil, err
			}
			bp.curField = field
			if state != "" {
				bp.states[field.ID] = state
			}
		case strings.HasPrefix(trimmed, "{option "):
			if bp.curField == nil {
				return form.Schema{}, nil, nil, nil, fmt.Errorf("mdcodec: option tag outside a field")
			}
			attrs, err := parseAttrs(trimmed, "option")
			if err != nil {
				return form.Schema{}, nil, nil, nil, err
			}
			bp.curField.Options = append(bp.curField.Options, form.Option{ID: attrs.str("id"), Label: attrs.str("label")})
		case strings.HasPrefix(trimmed, "{column "):
			if bp.curField == nil {
				return form.Schema{}, nil, nil, nil, fmt.Errorf("mdcodec: column tag outside a field")
			}
			attrs, err := parseAttrs(trimmed, "column")
			if err != nil {
				return form.Schema{}, nil, nil, nil, err
			}
			bp.curField.Columns = append(bp.curField.Columns, form.Column{
				ID:       attrs.str("id"),
				Label:    attrs.str("label"),
				Kind:     form.FieldKind(attrs.strDefault("kind", "string")),
				Required: attrs.flag("required"),
			})
		case strings.HasPrefix(trimmed, "{note "):
			attrs, err := parseAttrs(trimmed, "note")
			if err != nil {
				return form.Schema{}, nil, nil, nil, err
			}
			bp.notes = append(bp.notes, form.Note{
				ID:   attrs.str("id"),
				Ref:  attrs.str("ref"),
				Role: attrs.strDefault("role", "user"),
				Body: attrs.str("body"),
			})
		case trimmed == "```value":
			if bp.curField == nil {
				return form.Schema{}, nil, nil, nil, fmt.Errorf("mdcodec: value fence outside a field")
			}
			raw, consumed, err := bp.readFence()
			if err != nil {
				return form.Schema{}, nil, nil, nil, err
			}
			bp.rawValues[bp.curField.ID] = raw
			bp.pos += consumed
		}
		bp.pos++
	}
	bp.flushGroup()
	return bp.schema, bp.notes, bp.rawValues, bp.states, nil
}

// readFence reads the YAML payload of a ```value fence starting at bp.pos
// (the opening fence line). Returns the decoded value and how many extra
// lines were consumed beyond the opening fence.
func (bp *bodyParser) readFence() (any, int, error) {
	var payload []string
	for i := bp.pos + 1; i < len(bp.lines); i++ {
		if strings.TrimSpace(bp.lines[i]) == "```" {
			var raw any
			if err := yaml.Unmarshal([]byte(strings.Join(payload, "\n")), &raw); err != nil {
				return nil, 0, fmt.Errorf("mdcodec: field %q value payload: %w", bp.curField.ID, err)
			}
			return normalizeYAML(raw), i - bp.pos, nil
		}
		payload = append(payload, bp.lines[i])
	}
	return nil, 0, fmt.Errorf("mdcodec: unterminated value fence for field %q", bp.curField.ID)
}

// normalizeYAML copies yaml.v3's map[string]any/[]any decoding into fresh
// maps and slices; scalars pass through unchanged (YAML ints arrive as
// int, which coerce.Value accepts alongside float64).
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeYAML(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeYAML(e)
		}
		return out
	default:
		return v
	}
}

type attrMap map[string]string

func (a attrMap) str(key string) string { return a[key] }

func (a attrMap) strDefault(key, fallback string) string {
	if v, ok := a[key]; ok {
		return v
	}
	return fallback
}

func (a attrMap) flag(key string) bool {
	v, ok := a[key]
	return ok && (v == "" || v == "true")
}

func (a attrMap) intPtr(key string) *int {
	v, ok := a[key]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func (a attrMap) floatPtr(key string) *float64 {
	v, ok := a[key]
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// parseAttrs reads `{tag key="value" key2="v2" flag}` into a map. Flags
// (bare words) map to "".
func parseAttrs(line, tag string) (attrMap, error) {
	inner := strings.TrimSpace(line)
	if !strings.HasPrefix(inner, "{"+tag) || !strings.HasSuffix(inner, "}") {
		return nil, fmt.Errorf("mdcodec: malformed %s tag: %s", tag, line)
	}
	inner = strings.TrimSpace(inner[len(tag)+1 : len(inner)-1])

	attrs := attrMap{}
	for len(inner) > 0 {
		eq := -1
		for i := 0; i < len(inner); i++ {
			if inner[i] == '=' {
				eq = i
				break
			}
			if inner[i] == ' ' {
				break
			}
		}
		if eq < 0 {
			sp := strings.IndexByte(inner, ' ')
			if sp < 0 {
				attrs[inner] = ""
				break
			}
			attrs[inner[:sp]] = ""
			inner = strings.TrimSpace(inner[sp+1:])
			continue
		}
		key := inner[:eq]
		rest := inner[eq+1:]
		if !strings.HasPrefix(rest, `"`) {
			return nil, fmt.Errorf("mdcodec: attribute %q in %s tag must be quoted", key, tag)
		}
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return nil, fmt.Errorf("mdcodec: unterminated attribute %q in %s tag", key, tag)
		}
		attrs[key] = rest[1 : 1+end]
		inner = strings.TrimSpace(rest[end+2:])
	}
	return attrs, nil
}

func parseFieldTag(line string) (*form.Field, form.ResponseState, error) {
	attrs, err := parseAttrs(line, "field")
	if err != nil {
		return nil, "", err
	}

	f := &form.Field{
		ID:            attrs.str("id"),
		Label:         attrs.str("label"),
		Kind:          form.FieldKind(attrs.strDefault("kind", "string")),
		Role:          attrs.str("role"),
		Required:      attrs.flag("required"),
		ParallelBatch: attrs.str("batch"),
		Pattern:       attrs.str("pattern"),
		MinLength:     attrs.intPtr("minLength"),
		MaxLength:     attrs.intPtr("maxLength"),
		Min:           attrs.floatPtr("min"),
		Max:           attrs.floatPtr("max"),
		Integer:       attrs.flag("integer"),
		MinItems:      attrs.intPtr("minItems"),
		MaxItems:      attrs.intPtr("maxItems"),
		MinDone:       attrs.intPtr("minDone"),
		MinDate:       attrs.str("minDate"),
		MaxDate:       attrs.str("maxDate"),
	}
	if order := attrs.intPtr("order"); order != nil {
		f.Order = *order
	}
	if mode := attrs.str("mode"); mode != "" {
		f.CheckboxMode = form.CheckboxMode(mode)
	} else if f.Kind == form.KindCheckboxes {
		f.CheckboxMode = form.CheckboxModeSimple
	}

	var state form.ResponseState
	switch attrs.str("state") {
	case "skipped":
		state = form.StateSkipped
	case "aborted":
		state = form.StateAborted
	}
	return f, state, nil
}

// Serialize re-emits a ParsedForm as markform text. Output is
// deterministic for a given form state, which the harness relies on for
// markdownSha256 reproducibility.
func (c *Codec) Serialize(f *form.ParsedForm) (string, error) {
	var b strings.Builder

	b.WriteString("---\n")
	b.WriteString("markform:\n")
	b.WriteString("  spec: MF/0.1\n")
	if len(f.Metadata.Roles) > 0 {
		b.WriteString("  roles: [" + strings.Join(f.Metadata.Roles, ", ") + "]\n")
	}
	if f.Metadata.RunMode != "" {
		b.WriteString("  runMode: " + f.Metadata.RunMode + "\n")
	}
	if len(f.Metadata.RoleInstructions) > 0 {
		b.WriteString("  roleInstructions:\n")
		roles := make([]string, 0, len(f.Metadata.RoleInstructions))
		for r := range f.Metadata.RoleInstructions {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		for _, r := range roles {
			fmt.Fprintf(&b, "    %s: %q\n", r, f.Metadata.RoleInstructions[r])
		}
	}
	if hc := f.Metadata.HarnessConfig; hc != nil {
		b.WriteString("  harnessConfig:\n")
		if hc.MaxTurns != nil {
			fmt.Fprintf(&b, "    maxTurns: %d\n", *hc.MaxTurns)
		}
		if hc.MaxPatchesPerTurn != nil {
			fmt.Fprintf(&b, "    maxPatchesPerTurn: %d\n", *hc.MaxPatchesPerTurn)
		}
		if hc.MaxIssuesPerTurn != nil {
			fmt.Fprintf(&b, "    maxIssuesPerTurn: %d\n", *hc.MaxIssuesPerTurn)
		}
	}
	b.WriteString("---\n\n")

	writeTag(&b, "form", tagAttrs{
		{"id", f.Schema.ID, true},
		{"title", f.Schema.Title, f.Schema.Title != ""},
		{"description", f.Schema.Description, f.Schema.Description != ""},
	}, nil)
	b.WriteString("\n")

	for _, g := range f.Schema.Groups {
		var flags []string
		if g.Implicit {
			flags = append(flags, "implicit")
		}
		writeTag(&b, "group", tagAttrs{
			{"id", g.ID, true},
			{"title", g.Title, g.Title != ""},
		}, flags)
		b.WriteString("\n")

		for _, field := range g.Fields {
			if err := writeField(&b, f, field); err != nil {
				return "", err
			}
		}
	}

	for _, n := range f.Notes {
		writeTag(&b, "note", tagAttrs{
			{"id", n.ID, true},
			{"ref", n.Ref, true},
			{"role", n.Role, n.Role != ""},
			{"body", n.Body, true},
		}, nil)
		b.WriteString("\n")
	}

	return b.String(), nil
}

type tagAttr struct {
	key     string
	value   string
	include bool
}

type tagAttrs []tagAttr

func writeTag(b *strings.Builder, tag string, attrs tagAttrs, flags []string) {
	b.WriteString("{" + tag)
	for _, a := range attrs {
		if a.include {
			fmt.Fprintf(b, " %s=%q", a.key, a.value)
		}
	}
	for _, fl := range flags {
		b.WriteString(" " + fl)
	}
	b.WriteString("}\n")
}

func writeField(b *strings.Builder, pf *form.ParsedForm, field form.Field) error {
	resp := pf.ResponsesByFieldID[field.ID]

	attrs := tagAttrs{
		{"id", field.ID, true},
		{"kind", string(field.Kind), true},
		{"label", field.Label, field.Label != ""},
		{"role", field.Role, field.Role != ""},
		{"pattern", field.Pattern, field.Pattern != ""},
		{"minDate", field.MinDate, field.MinDate != ""},
		{"maxDate", field.MaxDate, field.MaxDate != ""},
		{"batch", field.ParallelBatch, field.ParallelBatch != ""},
	}
	if field.Kind == form.KindCheckboxes {
		attrs = append(attrs, tagAttr{"mode", string(field.CheckboxMode), true})
	}
	if field.Order != 0 {
		attrs = append(attrs, tagAttr{"order", strconv.Itoa(field.Order), true})
	}
	attrs = appendIntAttr(attrs, "minLength", field.MinLength)
	attrs = appendIntAttr(attrs, "maxLength", field.MaxLength)
	attrs = appendIntAttr(attrs, "minItems", field.MinItems)
	attrs = appendIntAttr(attrs, "maxItems", field.MaxItems)
	attrs = appendIntAttr(attrs, "minDone", field.MinDone)
	attrs = appendFloatAttr(attrs, "min", field.Min)
	attrs = appendFloatAttr(attrs, "max", field.Max)

	switch resp.State {
	case form.StateSkipped:
		attrs = append(attrs, tagAttr{"state", "skipped", true})
	case form.StateAborted:
		attrs = append(attrs, tagAttr{"state", "aborted", true})
	}

	var flags []string
	if field.Required {
		flags = append(flags, "required")
	}
	if field.Integer {
		flags = append(flags, "integer")
	}

	writeTag(b, "field", attrs, flags)

	for _, opt := range field.Options {
		writeTag(b, "option", tagAttrs{{"id", opt.ID, true}, {"label", opt.Label, opt.Label != ""}}, nil)
	}
	for _, col := range field.Columns {
		var colFlags []string
		if col.Required {
			colFlags = append(colFlags, "required")
		}
		writeTag(b, "column", tagAttrs{
			{"id", col.ID, true},
			{"kind", string(col.Kind), true},
			{"label", col.Label, col.Label != ""},
		}, colFlags)
	}

	if resp.State == form.StateAnswered && resp.Value != nil {
		payload, err := yaml.Marshal(coerce.RawValue(*resp.Value))
		if err != nil {
			return fmt.Errorf("mdcodec: serialize field %q value: %w", field.ID, err)
		}
		b.WriteString("```value\n")
		b.Write(payload)
		b.WriteString("```\n")
	}
	b.WriteString("\n")
	return nil
}

func appendIntAttr(attrs tagAttrs, key string, p *int) tagAttrs {
	if p == nil {
		return attrs
	}
	return append(attrs, tagAttr{key, strconv.Itoa(*p), true})
}

func appendFloatAttr(attrs tagAttrs, key string, p *float64) tagAttrs {
	if p == nil {
		return attrs
	}
	return append(attrs, tagAttr{key, strconv.FormatFloat(*p, 'g', -1, 64), true})
}
