package compiler

import (
	"sort"

	"github.com/smilemakc/workforge/internal/domain"
)

// attentionKernelPatcherClasses are optimization nodes that must be
// bypass-unrolled even outside bypass mode: their presence in the
// executable graph would otherwise force every worker to support an
// optimization it may not have compiled in.
var attentionKernelPatcherClasses = map[string]bool{
	"PatchModelAddDownscale": true,
	"SelfAttentionGuidance":  true,
}

// adapterFieldsByClass names, for a handful of known model-loader
// classes, the field that should be dropped entirely when empty-ish
// rather than sent to the worker as an empty string.
var adapterFieldsByClass = map[string]string{
	"LoraLoader":       "lora_name",
	"ControlNetLoader": "control_net_name",
}

// Sanitize is the final pre-dispatch pass over an already-compiled graph.
// catalog, when non-nil, re-coerces every literal input against the
// chosen node's schema; a nil catalog is the catalog-free fallback path.
// It is idempotent: resubmitting an already-sanitized graph is a no-op.
func Sanitize(graph *domain.PromptGraph, rules *RuleEvaluator, catalog Catalog) error {
	unrollPassThroughLinks(graph)

	for id, n := range graph.Nodes {
		if attentionKernelPatcherClasses[n.ClassType] {
			delete(graph.Nodes, id)
			continue
		}

		if field, ok := adapterFieldsByClass[n.ClassType]; ok {
			if v, has := n.Inputs[field]; has {
				empty, err := rules.isEmptyish(v)
				if err != nil {
					return err
				}
				if empty {
					delete(n.Inputs, field)
				}
			}
		}

		if catalog != nil {
			coerceAgainstCatalog(&n, catalog)
		}
		normalizeExtraPNGInfo(&n)
		graph.Nodes[id] = n
	}

	return nil
}

// unrollPassThroughLinks rewires every consumer of an
// attention-kernel-patcher node to the patcher's own upstream source, so
// removing the patcher never leaves a consumer without its input. Links
// must be rewritten before the patcher nodes are deleted; a link that
// cannot be resolved to a surviving source (no connected upstream, or a
// reference to a node already gone) is dropped so dispatch fails loudly
// rather than sending a reference to a deleted node.
func unrollPassThroughLinks(graph *domain.PromptGraph) {
	for nodeID, n := range graph.Nodes {
		if attentionKernelPatcherClasses[n.ClassType] {
			continue
		}
		for field, v := range n.Inputs {
			ref, ok := v.(*domain.LinkRef)
			if !ok {
				continue
			}
			resolved := resolveThroughPatchers(graph, ref, map[string]bool{})
			switch {
			case resolved == nil:
				delete(n.Inputs, field)
			case resolved != ref:
				n.Inputs[field] = resolved
			}
		}
		graph.Nodes[nodeID] = n
	}
}

// resolveThroughPatchers walks a link through any chain of
// attention-kernel-patcher nodes to the first genuine source feeding
// them, picking each patcher's first connected input in field-name order.
// Returns nil when the chain dead-ends: the target node is missing, a
// patcher has no connected input, or the chain loops.
func resolveThroughPatchers(graph *domain.PromptGraph, ref *domain.LinkRef, seen map[string]bool) *domain.LinkRef {
	n, ok := graph.Nodes[ref.SrcID]
	if !ok {
		return nil
	}
	if !attentionKernelPatcherClasses[n.ClassType] {
		return ref
	}
	if seen[ref.SrcID] {
		return nil
	}
	seen[ref.SrcID] = true

	fields := make([]string, 0, len(n.Inputs))
	for f := range n.Inputs {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		up, ok := n.Inputs[f].(*domain.LinkRef)
		if !ok {
			continue
		}
		if resolved := resolveThroughPatchers(graph, up, seen); resolved != nil {
			return resolved
		}
	}
	return nil
}
