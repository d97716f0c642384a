package compiler

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/smilemakc/workforge/internal/domain"
)

// SchemaEntry describes one worker-side input field as reported by the
// schema catalog client: either a primitive with bounds/default, or
// an enumeration whose Choices is the allowed value set.
type SchemaEntry struct {
	Kind    string // "INT", "FLOAT", "BOOLEAN", "STRING", "COMBO"
	Default any
	Min     *float64
	Max     *float64
	Choices []any
}

// ClassSchema is one class_type's full input schema.
type ClassSchema struct {
	Required map[string]SchemaEntry
	Optional map[string]SchemaEntry
}

// Catalog maps class_type to its schema, as returned by a worker's
// /object_info endpoint.
type Catalog map[string]ClassSchema

func (c Catalog) lookup(classType, field string) (SchemaEntry, bool) {
	cs, ok := c[classType]
	if !ok {
		return SchemaEntry{}, false
	}
	if e, ok := cs.Required[field]; ok {
		return e, true
	}
	e, ok := cs.Optional[field]
	return e, ok
}

// lowerNode lowers one active node: it walks the
// node's declared input ports in order, recovering a named input field
// for each — linked ports become a *domain.LinkRef to their resolved
// source, widget ports consume the next positional widgets_values entry —
// then layers the binder's field-level overrides on top, and finally
// coerces/defaults every remaining value against catalog if one is
// available.
func lowerNode(n *domain.UINode, idx *graphIndex, r *resolver, b *bindings, catalog Catalog) (domain.PromptNode, error) {
	out := domain.PromptNode{ClassType: n.ClassType, Inputs: make(map[string]any)}

	if n.FieldInputs != nil {
		for k, v := range n.FieldInputs {
			out.Inputs[k] = v
		}
	} else {
		widgets := reconcileSeedModeTokens(n, effectiveWidgets(n, b.widgetWrites[n.ID]), catalog)
		widgetCursor := 0
		for _, port := range n.Inputs {
			if port.Name == "" {
				continue
			}
			if port.Link != nil {
				link := idx.linkByID[*port.Link]
				if link == nil {
					return domain.PromptNode{}, domain.NewDomainError(domain.ErrCodeInvalidGraph,
						fmt.Sprintf("node %q port %q references missing link", n.ID, port.Name), nil)
				}
				srcNode, err := idx.node(link.SrcID)
				if err != nil {
					return domain.PromptNode{}, err
				}
				resolved, err := r.resolveNode(srcNode, link.SrcSlot, port.Type)
				if err != nil {
					return domain.PromptNode{}, err
				}
				out.Inputs[port.Name] = &domain.LinkRef{SrcID: resolved.NodeID, SrcSlot: resolved.Slot}
				continue
			}
			if widgetCursor < len(widgets) {
				out.Inputs[port.Name] = widgets[widgetCursor]
				widgetCursor++
			}
		}
	}

	for key, value := range b.fieldWrites {
		if key.NodeID != n.ID {
			continue
		}
		out.Inputs[key.Field] = value
	}

	if catalog != nil {
		coerceAgainstCatalog(&out, catalog)
	}
	normalizeExtraPNGInfo(&out)

	return out, nil
}

// reconcileSeedModeTokens reconciles UI-only widget tokens: when the
// catalog is available and widgets_values has
// exactly one more entry than the node's widget ports, a seed_mode token
// adjacent to the seed port is dropped before positional consumption.
func reconcileSeedModeTokens(n *domain.UINode, widgets []any, catalog Catalog) []any {
	if catalog == nil {
		return widgets
	}
	widgetPorts := make([]domain.UIPort, 0, len(n.Inputs))
	for _, p := range n.Inputs {
		if p.Link == nil {
			widgetPorts = append(widgetPorts, p)
		}
	}
	if len(widgets) != len(widgetPorts)+1 {
		return widgets
	}
	seedIdx, modeIdx, ok := findSeedModePair(widgets)
	if !ok || seedIdx >= len(widgetPorts) || widgetPorts[seedIdx].Name != "seed" {
		return widgets
	}
	out := make([]any, 0, len(widgets)-1)
	for i, v := range widgets {
		if i == modeIdx {
			continue
		}
		out = append(out, v)
	}
	return out
}

// coerceAgainstCatalog applies schema coercion: for every non-linked
// input, match COMBO values exactly, match path-like values by basename,
// parse primitives, and fall back to the schema default on any failure.
func coerceAgainstCatalog(n *domain.PromptNode, catalog Catalog) {
	for field, value := range n.Inputs {
		if _, isLink := value.(*domain.LinkRef); isLink {
			continue
		}
		entry, ok := catalog.lookup(n.ClassType, field)
		if !ok {
			continue
		}
		n.Inputs[field] = coerceToSchema(value, entry)
	}
}

func coerceToSchema(value any, entry SchemaEntry) any {
	switch entry.Kind {
	case "COMBO":
		for _, c := range entry.Choices {
			if fmt.Sprintf("%v", c) == fmt.Sprintf("%v", value) {
				return c
			}
		}
		if s, ok := value.(string); ok && looksLikePath(s) {
			base := path.Base(s)
			for _, c := range entry.Choices {
				if fmt.Sprintf("%v", c) == base {
					return c
				}
			}
		}
		return entry.Default
	case "INT":
		if n, ok := asInt(value); ok {
			return n
		}
		return entry.Default
	case "FLOAT":
		if f, ok := asFloat(value); ok {
			return f
		}
		return entry.Default
	case "BOOLEAN":
		if b, ok := value.(bool); ok {
			return b
		}
		if s, ok := value.(string); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
		}
		return entry.Default
	case "STRING":
		if s, ok := value.(string); ok {
			return s
		}
		return entry.Default
	default:
		return value
	}
}

func looksLikePath(s string) bool {
	return strings.ContainsAny(s, "/\\")
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// normalizeExtraPNGInfo folds a one-element extra_pnginfo list down to its
// single dict element.
func normalizeExtraPNGInfo(n *domain.PromptNode) {
	v, ok := n.Inputs["extra_pnginfo"]
	if !ok {
		return
	}
	if list, ok := v.([]any); ok && len(list) == 1 {
		n.Inputs["extra_pnginfo"] = list[0]
	}
}
