package domain

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes a UIGraph from the authoring tool's wire format:
// links are six-element arrays, not objects.
func (g *UIGraph) UnmarshalJSON(data []byte) error {
	var wire struct {
		Nodes        []json.RawMessage   `json:"nodes"`
		Links        [][]json.RawMessage `json:"links"`
		ExtraPNGInfo any                 `json:"extra_pnginfo,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	g.ExtraPNGInfo = wire.ExtraPNGInfo

	g.Nodes = make([]UINode, 0, len(wire.Nodes))
	for _, raw := range wire.Nodes {
		var n UINode
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("decoding ui node: %w", err)
		}
		g.Nodes = append(g.Nodes, n)
	}

	g.Links = make([]UILink, 0, len(wire.Links))
	for _, tuple := range wire.Links {
		if len(tuple) < 6 {
			return fmt.Errorf("link tuple has %d elements, want 6", len(tuple))
		}
		var l UILink
		if err := json.Unmarshal(tuple[0], &l.ID); err != nil {
			return err
		}
		if err := decodeLinkEndpoint(tuple[1], &l.SrcID); err != nil {
			return err
		}
		if err := json.Unmarshal(tuple[2], &l.SrcSlot); err != nil {
			return err
		}
		if err := decodeLinkEndpoint(tuple[3], &l.DstID); err != nil {
			return err
		}
		if err := json.Unmarshal(tuple[4], &l.DstSlot); err != nil {
			return err
		}
		if err := json.Unmarshal(tuple[5], &l.Type); err != nil {
			return err
		}
		g.Links = append(g.Links, l)
	}
	return nil
}

// decodeLinkEndpoint accepts either a JSON string or a JSON number for a
// node id — authoring tools are inconsistent about quoting numeric ids.
func decodeLinkEndpoint(raw json.RawMessage, out *string) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*out = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("decoding link endpoint: %w", err)
	}
	*out = n.String()
	return nil
}

// MarshalJSON re-encodes a UIGraph back to the tuple-link wire format.
func (g UIGraph) MarshalJSON() ([]byte, error) {
	links := make([][6]any, 0, len(g.Links))
	for _, l := range g.Links {
		links = append(links, [6]any{l.ID, l.SrcID, l.SrcSlot, l.DstID, l.DstSlot, l.Type})
	}
	return json.Marshal(struct {
		Nodes        []UINode `json:"nodes"`
		Links        [][6]any `json:"links"`
		ExtraPNGInfo any      `json:"extra_pnginfo,omitempty"`
	}{Nodes: g.Nodes, Links: links, ExtraPNGInfo: g.ExtraPNGInfo})
}

// UnmarshalJSON decodes a UINode, accepting both "type" and "class_type"
// for the class name, and both a positional port list and a named
// field→value map for inputs.
func (n *UINode) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID            any             `json:"id"`
		Type          string          `json:"type"`
		ClassType     string          `json:"class_type"`
		Mode          int             `json:"mode"`
		Inputs        json.RawMessage `json:"inputs,omitempty"`
		WidgetsValues []any           `json:"widgets_values,omitempty"`
		Outputs       []UIOutputSlot  `json:"outputs,omitempty"`
		Properties    map[string]any  `json:"properties,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	switch v := wire.ID.(type) {
	case string:
		n.ID = v
	case float64:
		n.ID = json.Number(fmt.Sprintf("%v", v)).String()
	default:
		if wire.ID != nil {
			b, _ := json.Marshal(wire.ID)
			n.ID = string(b)
		}
	}

	n.ClassType = wire.ClassType
	if n.ClassType == "" {
		n.ClassType = wire.Type
	}
	n.Mode = NodeMode(wire.Mode)
	n.WidgetsValues = wire.WidgetsValues
	n.Outputs = wire.Outputs
	n.Properties = wire.Properties

	if len(wire.Inputs) == 0 {
		return nil
	}
	// inputs is either `[port, port, ...]` or `{field: value, ...}`.
	var asList []UIPort
	if err := json.Unmarshal(wire.Inputs, &asList); err == nil {
		n.Inputs = asList
		return nil
	}
	var asMap map[string]any
	if err := json.Unmarshal(wire.Inputs, &asMap); err != nil {
		return fmt.Errorf("node %v: inputs is neither a port list nor a field map: %w", n.ID, err)
	}
	n.FieldInputs = asMap
	return nil
}
