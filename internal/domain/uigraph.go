package domain

// UIGraph is the authoring representation of a workflow: a node/link graph
// with positional widget values. It is the persisted form of
// WorkflowDefinition.UIGraph and the compiler's raw input.
type UIGraph struct {
	Nodes        []UINode `json:"nodes"`
	Links        []UILink `json:"links"`
	ExtraPNGInfo any      `json:"extra_pnginfo,omitempty"`
}

// UILink is the six-tuple wire encoding of one edge: link id, source node
// and output slot, destination node and input slot, and a declared port
// type used for bypass type-matching.
type UILink struct {
	ID      int    `json:"-"`
	SrcID   string `json:"-"`
	SrcSlot int    `json:"-"`
	DstID   string `json:"-"`
	DstSlot int    `json:"-"`
	Type    string `json:"-"`
}

// UIPort is one entry of a node's input port list. A port is either a
// linked port (Link references an incoming UILink by id) or a widget port,
// whose value the compiler takes positionally from the owning node's
// WidgetsValues. WidgetIndex is not decoded from JSON and nothing sets it.
type UIPort struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Link        *int   `json:"link,omitempty"`
	WidgetIndex *int   `json:"-"`
}

// UIOutputSlot is one entry of a node's output port list.
type UIOutputSlot struct {
	Type  string `json:"type"`
	Links []int  `json:"links,omitempty"`
}

// UINode is one node in the authoring graph. ClassType carries the worker
// node class (e.g. "KSampler", "SaveImage"); some authoring tools emit it
// under the key "type" instead.
type UINode struct {
	ID            string         `json:"id"`
	ClassType     string         `json:"class_type"`
	Mode          NodeMode       `json:"mode"`
	Inputs        []UIPort       `json:"inputs,omitempty"`
	FieldInputs   map[string]any `json:"field_inputs,omitempty"`
	WidgetsValues []any          `json:"widgets_values,omitempty"`
	Outputs       []UIOutputSlot `json:"outputs,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// UsesPositionalInputs reports whether this node's Inputs is a positional
// port list rather than a named field→value map.
func (n UINode) UsesPositionalInputs() bool {
	return len(n.Inputs) > 0 || n.FieldInputs == nil
}

// uiOnlyClassTypes are node classes that exist purely for the authoring
// canvas and never appear in the executable prompt-graph: notes, reroute
// points, primitive value holders and visual groups. No comparator class
// is listed, so a comparator node is not dropped by this check.
var uiOnlyClassTypes = map[string]bool{
	"Note":          true,
	"MarkdownNote":  true,
	"Reroute":       true,
	"PrimitiveNode": true,
	"Group":         true,
}

// IsUIOnlyClassType reports whether classType is a class the compiler must
// drop from the executable graph regardless of mode or reachability.
func IsUIOnlyClassType(classType string) bool {
	return uiOnlyClassTypes[classType]
}

// terminalClassTypes are the designated output node classes the compiler's
// reachability BFS starts from.
var terminalClassTypes = map[string]bool{
	"SaveImage":    true,
	"PreviewImage": true,
}

// IsTerminalClassType reports whether classType is an output node class
// that anchors the reachability walk.
func IsTerminalClassType(classType string) bool {
	return terminalClassTypes[classType]
}

// switchClassTypes are node classes resolved by first-connected-input
// priority rather than executed.
var switchClassTypes = map[string]bool{
	"AnySwitch": true,
}

// IsSwitchClassType reports whether classType is a pass-through switch.
func IsSwitchClassType(classType string) bool {
	return switchClassTypes[classType]
}
