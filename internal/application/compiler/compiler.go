package compiler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smilemakc/workforge/internal/domain"
)

// CompileInput bundles everything the compiler needs to turn one
// WorkflowDefinition plus one submission's inputs into an executable
// prompt-graph.
type CompileInput struct {
	UIGraph       domain.UIGraph
	Spec          domain.Spec
	TextInputs    map[string]string
	ParamInputs   map[string]any
	UploadedFiles map[string]string // Spec input key -> local storage path
	Mode          string
	Catalog       Catalog // nil triggers the catalog-free fallback path
}

// CompileResult is the compiler's output: the executable graph, the
// (possibly mask-merged) file map that still needs staging, and the
// binding each staged key must patch once uploaded.
type CompileResult struct {
	Graph        *domain.PromptGraph
	Files        map[string]string
	FileBindings map[string]domain.Binding
}

// Compiler is the workflow spec compiler. It is a thin struct of
// collaborators — a rule evaluator for mode/choice gating and a file
// store for the single I/O-bound step, mask merging — around the pure
// compile pipeline in graph.go/binder.go/template.go.
type Compiler struct {
	rules *RuleEvaluator
	store FileStore
	rng   *rand.Rand
}

// NewCompiler constructs a Compiler. store may be nil for workflows whose
// Spec declares no mask input.
func NewCompiler(store FileStore) *Compiler {
	return &Compiler{
		rules: NewRuleEvaluator(),
		store: store,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Compile runs the full pipeline: indexing, active-node discovery,
// binding application (including the deferred mask merge), seed
// randomization, and per-node lowering into the executable graph.
func (c *Compiler) Compile(ctx context.Context, in CompileInput) (*CompileResult, error) {
	idx, err := newGraphIndex(in.UIGraph)
	if err != nil {
		return nil, err
	}

	mode := in.Mode
	if mode == "" {
		mode = in.Spec.DefaultModeID()
	}
	if len(in.Spec.Modes) > 0 && !in.Spec.HasMode(mode) {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidModeForKey,
			fmt.Sprintf("mode %q is not declared by this workflow", in.Mode), nil)
	}
	if err := validateSpecBindings(in.Spec, idx); err != nil {
		return nil, err
	}

	active, r, err := discoverActiveNodes(idx)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("total_nodes", len(in.UIGraph.Nodes)).Int("active_nodes", len(active)).Str("mode", mode).Msg("compiler discovered active nodes")

	b, err := applyBindings(in.Spec, in.TextInputs, in.ParamInputs, in.UploadedFiles, mode, c.rules)
	if err != nil {
		return nil, err
	}

	if b.maskMerge != nil {
		if c.store == nil {
			return nil, domain.NewDomainError(domain.ErrCodeInvalidInput, "workflow declares a mask input but no file store is configured", nil)
		}
		mergedPath, err := resolveMaskMerge(ctx, c.store, b.maskMerge)
		if err != nil {
			return nil, domain.NewDomainError(domain.ErrCodeInvalidInput, "failed to merge mask into image alpha channel", err)
		}
		req := b.maskMerge
		if err := b.write(req.Binding, mergedPath); err != nil {
			return nil, err
		}
		b.uploadedFiles[req.ImageKey] = mergedPath
		delete(b.uploadedFiles, req.MaskKey)
		b.fileBindings[req.ImageKey] = req.Binding
	}

	applySeedRandomization(idx, b, c.rng)

	graph := domain.NewPromptGraph()
	for id := range active {
		n, err := idx.node(id)
		if err != nil {
			return nil, err
		}
		if domain.IsUIOnlyClassType(n.ClassType) {
			continue
		}
		promptNode, err := lowerNode(n, idx, r, b, in.Catalog)
		if err != nil {
			return nil, err
		}
		graph.Nodes[id] = promptNode
	}

	if in.UIGraph.ExtraPNGInfo != nil {
		graph.ExtraPNGInfo = map[string]any{"extra_pnginfo": in.UIGraph.ExtraPNGInfo}
	}

	if err := validateLinks(graph, active); err != nil {
		return nil, err
	}

	log.Debug().Int("compiled_nodes", len(graph.Nodes)).Msg("compiler produced prompt graph")

	return &CompileResult{
		Graph:        graph,
		Files:        b.uploadedFiles,
		FileBindings: b.fileBindings,
	}, nil
}

// validateLinks verifies every LinkRef in the compiled graph points at a
// node that survived active-node discovery.
func validateLinks(graph *domain.PromptGraph, active map[string]bool) error {
	for nodeID, n := range graph.Nodes {
		for field, value := range n.Inputs {
			ref, ok := value.(*domain.LinkRef)
			if !ok {
				continue
			}
			if !active[ref.SrcID] {
				return domain.NewDomainError(domain.ErrCodeInvalidGraph,
					"node "+nodeID+" field "+field+" links to a node absent from the executable graph", nil)
			}
		}
	}
	return nil
}
