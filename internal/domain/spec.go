package domain

// Spec is the declarative description of a workflow's user-facing inputs
// and how they bind into the authoring UI graph. It is versioned
// independently of WorkflowDefinition; the compiler only understands
// SpecVersion.
const SpecVersion = "2.0"

// Binding is the link between a Spec input/output and a location in the
// UI graph. Field is either a positional "widget_N" slot or a named input
// field. Map, when present, overrides the supplied value per mode.
type Binding struct {
	NodeID string         `json:"node_id"`
	Field  string         `json:"field"`
	Map    map[string]any `json:"map,omitempty"`
}

// Mode is one entry of Spec.Modes.
type Mode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// SpecMeta carries the human-facing description of a Spec.
type SpecMeta struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// TextInput is a prose input bound into the UI graph.
type TextInput struct {
	Key      string  `json:"key"`
	Label    string  `json:"label"`
	Required bool    `json:"required"`
	Default  string  `json:"default,omitempty"`
	Binding  Binding `json:"binding"`
}

// ParamInput is a typed, optionally enumerated, input.
type ParamInput struct {
	Key     string    `json:"key"`
	Label   string    `json:"label"`
	Type    ParamType `json:"type"`
	Default any       `json:"default,omitempty"`
	Choices []any     `json:"choices,omitempty"`
	View    ParamView `json:"view"`
	Name    string    `json:"name,omitempty"`
	Binding Binding   `json:"binding"`
}

// ImageInput is a binary input gated to a subset of modes.
type ImageInput struct {
	Key     string   `json:"key"`
	Label   string   `json:"label"`
	Modes   []string `json:"modes,omitempty"`
	Binding Binding  `json:"binding"`
}

// MaskInput is a single optional mask input coupled to one ImageInput by key.
type MaskInput struct {
	Key       string   `json:"key"`
	Label     string   `json:"label"`
	DependsOn string   `json:"depends_on"`
	Modes     []string `json:"modes,omitempty"`
	Binding   Binding  `json:"binding"`
}

// SpecInputs is the full set of user-facing inputs a Spec declares.
type SpecInputs struct {
	Text   []TextInput  `json:"text,omitempty"`
	Params []ParamInput `json:"params,omitempty"`
	Images []ImageInput `json:"images,omitempty"`
	Mask   *MaskInput   `json:"mask,omitempty"`
}

// OutputBinding names where the final artifact list is read from.
type OutputBinding struct {
	Key     string  `json:"key"`
	Type    string  `json:"type"`
	Binding Binding `json:"binding"`
}

// Spec is the parsed, validated form of a WorkflowDefinition's declarative
// input/output description.
type Spec struct {
	Meta    SpecMeta        `json:"meta"`
	Modes   []Mode          `json:"modes"`
	Inputs  SpecInputs      `json:"inputs"`
	Outputs []OutputBinding `json:"outputs,omitempty"`
}

// DefaultModeID returns the single implicit mode id when exactly one mode
// is declared, and "" otherwise.
func (s Spec) DefaultModeID() string {
	if len(s.Modes) == 1 {
		return s.Modes[0].ID
	}
	return ""
}

// HasMode reports whether id names one of the Spec's declared modes.
func (s Spec) HasMode(id string) bool {
	for _, m := range s.Modes {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ImageKeys returns the set of keys declared under inputs.images, used to
// validate a MaskInput.DependsOn reference.
func (s Spec) ImageKeys() map[string]bool {
	keys := make(map[string]bool, len(s.Inputs.Images))
	for _, img := range s.Inputs.Images {
		keys[img.Key] = true
	}
	return keys
}

// Validate checks the structural invariants a Spec must satisfy before it
// can be attached to a WorkflowDefinition. It does not validate the
// Spec against a UI graph — that is the compiler's job.
func (s Spec) Validate() error {
	if len(s.Modes) == 0 {
		return NewDomainError(ErrCodeValidationFailed, "spec must declare at least one mode", nil)
	}
	if s.Inputs.Mask != nil {
		if s.Inputs.Mask.DependsOn == "" || !s.ImageKeys()[s.Inputs.Mask.DependsOn] {
			return NewDomainError(ErrCodeValidationFailed,
				"mask.depends_on must reference a declared images[*].key", nil)
		}
	}
	return nil
}
