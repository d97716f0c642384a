package compiler

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/smilemakc/workforge/internal/domain"
)

// fieldKey identifies one (node_id, field) write target.
type fieldKey struct {
	NodeID string
	Field  string
}

// bindings accumulates every value the compiler must write into the UI
// graph before it is lowered to a PromptGraph: positional widget
// overrides, named field overrides, and the (possibly mask-merged)
// uploaded file map.
type bindings struct {
	widgetWrites  map[string]map[int]any
	fieldWrites   map[fieldKey]any
	uploadedFiles map[string]string
	protected     map[fieldKey]bool
	maskMerge     *maskMergeRequest
	// fileBindings maps every uploaded-file key that still needs staging
	// to the binding its remote reference must ultimately patch.
	fileBindings map[string]domain.Binding
}

// maskMergeRequest records a pending mask-into-alpha merge the binder
// detected but deferred: performing it requires reading file bytes, which
// is an I/O suspension point the pure binding pass must not perform
// itself (see package compiler's orchestration in compiler.go).
type maskMergeRequest struct {
	ImageKey  string
	MaskKey   string
	ImagePath string
	MaskPath  string
	Binding   domain.Binding
}

func newBindings(uploadedFiles map[string]string) *bindings {
	out := make(map[string]string, len(uploadedFiles))
	for k, v := range uploadedFiles {
		out[k] = v
	}
	return &bindings{
		widgetWrites:  make(map[string]map[int]any),
		fieldWrites:   make(map[fieldKey]any),
		uploadedFiles: out,
		protected:     make(map[fieldKey]bool),
		fileBindings:  make(map[string]domain.Binding),
	}
}

func (b *bindings) write(binding domain.Binding, value any) error {
	key := fieldKey{NodeID: binding.NodeID, Field: binding.Field}
	if idx, ok := widgetIndex(binding.Field); ok {
		if b.widgetWrites[binding.NodeID] == nil {
			b.widgetWrites[binding.NodeID] = make(map[int]any)
		}
		b.widgetWrites[binding.NodeID][idx] = value
		return nil
	}
	if binding.NodeID == "" || binding.Field == "" {
		return domain.NewDomainError(domain.ErrCodeBindingNotFound, "binding missing node_id or field", nil)
	}
	b.fieldWrites[key] = value
	return nil
}

// widgetIndex parses a "widget_N" binding field, reporting ok=false for
// named (non-positional) fields.
func widgetIndex(field string) (int, bool) {
	const prefix = "widget_"
	if !strings.HasPrefix(field, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(field, prefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// resolveMapOverride returns (value, true) when binding.Map defines an
// override for the active mode.
func resolveMapOverride(binding domain.Binding, mode string) (any, bool) {
	if binding.Map == nil {
		return nil, false
	}
	v, ok := binding.Map[mode]
	return v, ok
}

// validateSpecBindings checks every binding the Spec declares against the
// indexed graph before any value is applied: the target node must exist,
// and a named (non-widget) field must name one of the node's declared
// input ports unless the node carries a field map, where new named inputs
// are legal.
func validateSpecBindings(spec domain.Spec, idx *graphIndex) error {
	check := func(key string, binding domain.Binding) error {
		n, ok := idx.nodeByID[binding.NodeID]
		if !ok {
			return domain.NewDomainError(domain.ErrCodeBindingNotFound,
				fmt.Sprintf("input %q binds to unknown node %q", key, binding.NodeID), nil)
		}
		if _, isWidget := widgetIndex(binding.Field); isWidget {
			return nil
		}
		if n.FieldInputs != nil {
			return nil
		}
		for _, p := range n.Inputs {
			if p.Name == binding.Field {
				return nil
			}
		}
		return domain.NewDomainError(domain.ErrCodeBindingNotFound,
			fmt.Sprintf("input %q binds to field %q, which node %q does not declare", key, binding.Field, binding.NodeID), nil)
	}

	for _, t := range spec.Inputs.Text {
		if err := check(t.Key, t.Binding); err != nil {
			return err
		}
	}
	for _, p := range spec.Inputs.Params {
		if err := check(p.Key, p.Binding); err != nil {
			return err
		}
	}
	for _, img := range spec.Inputs.Images {
		if err := check(img.Key, img.Binding); err != nil {
			return err
		}
	}
	if spec.Inputs.Mask != nil {
		if err := check(spec.Inputs.Mask.Key, spec.Inputs.Mask.Binding); err != nil {
			return err
		}
	}
	return nil
}

// applyBindings runs the compiler's binding-application pass: builds the protected
// set from text bindings, applies params (skipping protected targets,
// honoring mode overrides, choices validation, and defaults), applies
// image bindings (mode gating, upload substitution, mask coupling), then
// applies text last so it always wins.
func applyBindings(spec domain.Spec, textInputs map[string]string, paramInputs map[string]any, uploadedFiles map[string]string, mode string, rules *RuleEvaluator) (*bindings, error) {
	b := newBindings(uploadedFiles)

	for _, t := range spec.Inputs.Text {
		b.protected[fieldKey{NodeID: t.Binding.NodeID, Field: t.Binding.Field}] = true
	}

	if err := applyParams(b, spec, paramInputs, mode, rules); err != nil {
		return nil, err
	}
	if err := applyImagesAndMask(b, spec, mode, rules); err != nil {
		return nil, err
	}
	applyText(b, spec, textInputs)

	return b, nil
}

func applyParams(b *bindings, spec domain.Spec, paramInputs map[string]any, mode string, rules *RuleEvaluator) error {
	for _, p := range spec.Inputs.Params {
		key := fieldKey{NodeID: p.Binding.NodeID, Field: p.Binding.Field}
		if b.protected[key] {
			continue
		}

		value, supplied := paramInputs[p.Key]
		if !supplied || value == "" {
			value = p.Default
		}
		value = coerceParamType(value, p.Type, p.Default)

		if len(p.Choices) > 0 {
			allowed, err := rules.choiceAllowed(value, p.Choices)
			if err != nil {
				return err
			}
			if !allowed {
				value = p.Default
			}
		}

		if override, ok := resolveMapOverride(p.Binding, mode); ok {
			value = override
		}

		if err := b.write(p.Binding, value); err != nil {
			return err
		}
	}
	return nil
}

func coerceParamType(value any, t domain.ParamType, fallback any) any {
	switch t {
	case domain.ParamTypeInt:
		switch v := value.(type) {
		case int:
			return v
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return fallback
	case domain.ParamTypeFloat:
		switch v := value.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
		return fallback
	case domain.ParamTypeBool:
		switch v := value.(type) {
		case bool:
			return v
		case string:
			if bv, err := strconv.ParseBool(v); err == nil {
				return bv
			}
		}
		return fallback
	default:
		if s, ok := value.(string); ok {
			return s
		}
		if value == nil {
			return fallback
		}
		return fmt.Sprintf("%v", value)
	}
}

func applyImagesAndMask(b *bindings, spec domain.Spec, mode string, rules *RuleEvaluator) error {
	coupledImageKey := ""

	// Mask coupling (pre-upload): if the mask binding resolves to the same
	// (node_id, field) as the image it depends on, the actual alpha merge
	// is I/O-bound and deferred to the compiler's orchestration; here we
	// only detect the condition and skip writing either binding directly.
	if spec.Inputs.Mask != nil {
		for _, img := range spec.Inputs.Images {
			if img.Key != spec.Inputs.Mask.DependsOn {
				continue
			}
			sameTarget := img.Binding.NodeID == spec.Inputs.Mask.Binding.NodeID &&
				img.Binding.Field == spec.Inputs.Mask.Binding.Field
			if !sameTarget {
				continue
			}
			imagePath, hasImage := b.uploadedFiles[img.Key]
			maskPath, hasMask := b.uploadedFiles[spec.Inputs.Mask.Key]
			if hasImage && hasMask {
				b.maskMerge = &maskMergeRequest{
					ImageKey:  img.Key,
					MaskKey:   spec.Inputs.Mask.Key,
					ImagePath: imagePath,
					MaskPath:  maskPath,
					Binding:   img.Binding,
				}
				coupledImageKey = img.Key
			}
		}
	}

	for _, img := range spec.Inputs.Images {
		if img.Key == coupledImageKey {
			continue
		}
		visible, err := rules.modeVisible(img.Modes, mode)
		if err != nil {
			return err
		}
		if !visible {
			continue
		}
		path, ok := b.uploadedFiles[img.Key]
		if !ok {
			continue
		}
		if err := b.write(img.Binding, path); err != nil {
			return err
		}
		b.fileBindings[img.Key] = img.Binding
	}

	if coupledImageKey == "" && spec.Inputs.Mask != nil {
		m := spec.Inputs.Mask
		visible, err := rules.modeVisible(m.Modes, mode)
		if err != nil {
			return err
		}
		if visible {
			if path, ok := b.uploadedFiles[m.Key]; ok {
				if err := b.write(m.Binding, path); err != nil {
					return err
				}
				b.fileBindings[m.Key] = m.Binding
			}
		}
	}
	return nil
}

func applyText(b *bindings, spec domain.Spec, textInputs map[string]string) {
	for _, t := range spec.Inputs.Text {
		value, ok := textInputs[t.Key]
		if !ok || value == "" {
			value = t.Default
		}
		// Text always wins, protected or not — it IS the protected set.
		_ = b.write(t.Binding, value)
	}
}

// randomSeed63 returns a uniform seed in [0, 2^63) using the given
// source, so tests can supply a deterministic *rand.Rand.
func randomSeed63(rng *rand.Rand) int64 {
	return rng.Int63()
}

// applySeedRandomization applies the seed-mode rule for
// every RandomNoise/KSampler-family node in the graph: randomize draws a
// fresh 63-bit seed, fixed leaves the value untouched, increment/decrement
// adjust by one with a floor of zero.
func applySeedRandomization(idx *graphIndex, b *bindings, rng *rand.Rand) {
	for id, n := range idx.nodeByID {
		if !isSeedBearingClass(n.ClassType) {
			continue
		}
		values := effectiveWidgets(n, b.widgetWrites[id])
		seedIdx, modeIdx, ok := findSeedModePair(values)
		if !ok {
			continue
		}
		mode, _ := values[modeIdx].(string)
		seed := toInt64(values[seedIdx])

		var next int64
		switch domain.SeedMode(mode) {
		case domain.SeedModeRandomize:
			next = randomSeed63(rng)
		case domain.SeedModeIncrement:
			next = seed + 1
		case domain.SeedModeDecrement:
			next = seed - 1
			if next < 0 {
				next = 0
			}
		default: // fixed, or an unrecognized token: leave as-is
			next = seed
		}

		if b.widgetWrites[id] == nil {
			b.widgetWrites[id] = make(map[int]any)
		}
		b.widgetWrites[id][seedIdx] = next
	}
}

func isSeedBearingClass(classType string) bool {
	return classType == "RandomNoise" || strings.Contains(classType, "KSampler")
}

// effectiveWidgets returns n's WidgetsValues with overrides already
// applied, without mutating the node.
func effectiveWidgets(n *domain.UINode, overrides map[int]any) []any {
	out := make([]any, len(n.WidgetsValues))
	copy(out, n.WidgetsValues)
	for i, v := range overrides {
		for len(out) <= i {
			out = append(out, nil)
		}
		out[i] = v
	}
	return out
}

// findSeedModePair locates a seed_mode token adjacent to its seed value:
// immediately after it, per the authoring tool's usual layout.
func findSeedModePair(values []any) (seedIdx, modeIdx int, ok bool) {
	for i, v := range values {
		s, isStr := v.(string)
		if !isStr || !domain.SeedMode(s).IsValid() {
			continue
		}
		if i > 0 {
			return i - 1, i, true
		}
	}
	return 0, 0, false
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
