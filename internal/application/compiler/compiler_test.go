package compiler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/workforge/internal/domain"
)

func link(id int, srcID string, srcSlot int, dstID string, dstSlot int, typ string) domain.UILink {
	return domain.UILink{ID: id, SrcID: srcID, SrcSlot: srcSlot, DstID: dstID, DstSlot: dstSlot, Type: typ}
}

func port(name, typ string, linkID *int) domain.UIPort {
	return domain.UIPort{Name: name, Type: typ, Link: linkID}
}

func intp(i int) *int { return &i }

// --- simple text-to-image ---

func TestCompile_SimpleTextToImage(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "6", ClassType: "CLIPTextEncode", WidgetsValues: []any{"placeholder"}, Inputs: []domain.UIPort{
				port("text", "STRING", nil),
			}},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{
				port("images", "IMAGE", intp(1)),
			}},
		},
		Links: []domain.UILink{
			link(1, "6", 0, "9", 0, "IMAGE"),
		},
	}

	spec := domain.Spec{
		Modes: []domain.Mode{{ID: "default", Label: "Default"}},
		Inputs: domain.SpecInputs{
			Text: []domain.TextInput{
				{Key: "prompt_6", Binding: domain.Binding{NodeID: "6", Field: "widget_0"}},
			},
		},
	}

	c := NewCompiler(nil)
	res, err := c.Compile(context.Background(), CompileInput{
		UIGraph:    uiGraph,
		Spec:       spec,
		TextInputs: map[string]string{"prompt_6": "a red car"},
		Mode:       "default",
	})
	require.NoError(t, err)

	n, ok := res.Graph.Nodes["6"]
	require.True(t, ok)
	assert.Equal(t, "a red car", n.Inputs["text"])
	assert.Empty(t, res.Files)
}

// --- seed randomization ---

func TestCompile_SeedRandomize(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{
				ID:            "3",
				ClassType:     "KSampler",
				WidgetsValues: []any{42, "randomize", 20, 7.5, "euler", "normal", 1.0},
				Inputs: []domain.UIPort{
					port("seed", "INT", nil),
					port("seed_mode", "STRING", nil),
					port("steps", "INT", nil),
					port("cfg", "FLOAT", nil),
					port("sampler_name", "STRING", nil),
					port("scheduler", "STRING", nil),
					port("denoise", "FLOAT", nil),
				},
			},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
		},
		Links: []domain.UILink{link(1, "3", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{Modes: []domain.Mode{{ID: "default", Label: "Default"}}}

	c := NewCompiler(nil)
	res, err := c.Compile(context.Background(), CompileInput{
		UIGraph: uiGraph,
		Spec:    spec,
		Mode:    "default",
		// no catalog: seed_mode token isn't reconciled away, but since "seed_mode"
		// has its own named port here, it still surfaces under that field.
	})
	require.NoError(t, err)

	n := res.Graph.Nodes["3"]
	seed, ok := n.Inputs["seed"].(int64)
	require.True(t, ok, "seed should be an int64 after randomization")
	assert.NotEqual(t, int64(42), seed)
	assert.GreaterOrEqual(t, seed, int64(0))
}

func TestCompile_SeedFixed_Unchanged(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{
				ID:            "3",
				ClassType:     "KSampler",
				WidgetsValues: []any{42, "fixed"},
				Inputs: []domain.UIPort{
					port("seed", "INT", nil),
					port("seed_mode", "STRING", nil),
				},
			},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
		},
		Links: []domain.UILink{link(1, "3", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{Modes: []domain.Mode{{ID: "default", Label: "Default"}}}

	c := NewCompiler(nil)
	res, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: "default"})
	require.NoError(t, err)

	n := res.Graph.Nodes["3"]
	assert.Equal(t, int64(42), n.Inputs["seed"])
}

// --- bypass pass-through ---

func TestCompile_BypassPassThrough(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "A", ClassType: "CheckpointLoader"},
			{ID: "B", ClassType: "LoraLoader", Mode: domain.NodeModeBypass, Inputs: []domain.UIPort{
				port("model", "MODEL", intp(1)),
			}},
			{ID: "C", ClassType: "KSampler", Inputs: []domain.UIPort{
				port("model", "MODEL", intp(2)),
			}},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(3))}},
		},
		Links: []domain.UILink{
			link(1, "A", 0, "B", 0, "MODEL"),
			link(2, "B", 0, "C", 0, "MODEL"),
			link(3, "C", 0, "9", 0, "IMAGE"),
		},
	}
	spec := domain.Spec{Modes: []domain.Mode{{ID: "default", Label: "Default"}}}

	c := NewCompiler(nil)
	res, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: "default"})
	require.NoError(t, err)

	cNode := res.Graph.Nodes["C"]
	ref, ok := cNode.Inputs["model"].(*domain.LinkRef)
	require.True(t, ok)
	assert.Equal(t, "A", ref.SrcID)
	assert.Equal(t, 0, ref.SrcSlot)

	_, bPresent := res.Graph.Nodes["B"]
	assert.False(t, bPresent, "bypass node B must be absent from the executable graph")
}

// --- switch resolution ---

func TestCompile_SwitchResolution(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "X", ClassType: "CLIPTextEncode"},
			{ID: "SW", ClassType: "AnySwitch", Inputs: []domain.UIPort{
				port("any_01", "*", nil),
				port("any_02", "*", intp(1)),
			}},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(2))}},
		},
		Links: []domain.UILink{
			link(1, "X", 0, "SW", 1, "*"),
			link(2, "SW", 0, "9", 0, "IMAGE"),
		},
	}
	spec := domain.Spec{Modes: []domain.Mode{{ID: "default", Label: "Default"}}}

	c := NewCompiler(nil)
	res, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: "default"})
	require.NoError(t, err)

	save := res.Graph.Nodes["9"]
	ref, ok := save.Inputs["images"].(*domain.LinkRef)
	require.True(t, ok)
	assert.Equal(t, "X", ref.SrcID)

	_, swPresent := res.Graph.Nodes["SW"]
	assert.False(t, swPresent, "switch node must be absent from the executable graph")
}

// --- mask merged into alpha ---

type fakeFileStore struct {
	files map[string][]byte
}

func newFakeFileStore() *fakeFileStore { return &fakeFileStore{files: make(map[string][]byte)} }

func (f *fakeFileStore) Read(ctx context.Context, path string) ([]byte, error) {
	b, ok := f.files[path]
	if !ok {
		return nil, assertNotFoundErr(path)
	}
	return b, nil
}

func (f *fakeFileStore) Write(ctx context.Context, path string, data []byte) error {
	f.files[path] = data
	return nil
}

type notFoundErr struct{ path string }

func (e *notFoundErr) Error() string { return "not found: " + e.path }

func assertNotFoundErr(path string) error { return &notFoundErr{path: path} }

func TestCompile_MaskMergedIntoAlpha(t *testing.T) {
	store := newFakeFileStore()
	store.files["a.png"] = solidPNG(4, 4, 255, 0, 0, 255)
	store.files["m.png"] = solidPNG(4, 4, 0, 0, 0, 255) // black mask -> luminance 0 -> alpha 255

	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "204", ClassType: "LoadImage", Inputs: []domain.UIPort{port("image", "STRING", nil)}},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
		},
		Links: []domain.UILink{link(1, "204", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{
		Modes: []domain.Mode{{ID: "default", Label: "Default"}},
		Inputs: domain.SpecInputs{
			Images: []domain.ImageInput{
				{Key: "image_204", Binding: domain.Binding{NodeID: "204", Field: "widget_0"}},
			},
			Mask: &domain.MaskInput{
				Key:       "mask_204",
				DependsOn: "image_204",
				Binding:   domain.Binding{NodeID: "204", Field: "widget_0"},
			},
		},
	}

	c := NewCompiler(store)
	res, err := c.Compile(context.Background(), CompileInput{
		UIGraph: uiGraph,
		Spec:    spec,
		Mode:    "default",
		UploadedFiles: map[string]string{
			"image_204": "a.png",
			"mask_204":  "m.png",
		},
	})
	require.NoError(t, err)

	_, hasMaskKey := res.Files["mask_204"]
	assert.False(t, hasMaskKey, "standalone mask entry must be dropped")
	mergedPath, ok := res.Files["image_204"]
	require.True(t, ok)
	assert.NotEqual(t, "a.png", mergedPath)

	n := res.Graph.Nodes["204"]
	assert.Equal(t, mergedPath, n.Inputs["image"])
}

// --- protected text bindings ---

func TestCompile_TextBindingsNotOverwrittenByParams(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "6", ClassType: "CLIPTextEncode", WidgetsValues: []any{""}, Inputs: []domain.UIPort{
				port("text", "STRING", nil),
			}},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
		},
		Links: []domain.UILink{link(1, "6", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{
		Modes: []domain.Mode{{ID: "default", Label: "Default"}},
		Inputs: domain.SpecInputs{
			Text: []domain.TextInput{
				{Key: "prompt_6", Binding: domain.Binding{NodeID: "6", Field: "widget_0"}},
			},
			Params: []domain.ParamInput{
				{Key: "evil_param", Type: domain.ParamTypeText, Binding: domain.Binding{NodeID: "6", Field: "widget_0"}},
			},
		},
	}

	c := NewCompiler(nil)
	res, err := c.Compile(context.Background(), CompileInput{
		UIGraph:     uiGraph,
		Spec:        spec,
		TextInputs:  map[string]string{"prompt_6": "the real prompt"},
		ParamInputs: map[string]any{"evil_param": "should never appear"},
		Mode:        "default",
	})
	require.NoError(t, err)

	n := res.Graph.Nodes["6"]
	assert.Equal(t, "the real prompt", n.Inputs["text"])
}

// --- a cycle of bypass nodes must be rejected ---

func TestCompile_BypassCycle_RejectedAsInvalidGraph(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "A", ClassType: "LoraLoader", Mode: domain.NodeModeBypass, Inputs: []domain.UIPort{port("model", "MODEL", intp(2))}},
			{ID: "B", ClassType: "LoraLoader", Mode: domain.NodeModeBypass, Inputs: []domain.UIPort{port("model", "MODEL", intp(1))}},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(3))}},
		},
		Links: []domain.UILink{
			link(1, "A", 0, "B", 0, "MODEL"),
			link(2, "B", 0, "A", 0, "MODEL"),
			link(3, "A", 0, "9", 0, "IMAGE"),
		},
	}
	spec := domain.Spec{Modes: []domain.Mode{{ID: "default", Label: "Default"}}}

	c := NewCompiler(nil)
	_, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: "default"})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeInvalidGraph))
}

// --- BindingNotFound: a Spec binding must resolve into the graph ---

func TestCompile_UnknownBindingNode_RejectedAsBindingNotFound(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
			{ID: "6", ClassType: "CLIPTextEncode", WidgetsValues: []any{""}, Inputs: []domain.UIPort{port("text", "STRING", nil)}},
		},
		Links: []domain.UILink{link(1, "6", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{
		Modes: []domain.Mode{{ID: "default", Label: "Default"}},
		Inputs: domain.SpecInputs{
			Text: []domain.TextInput{
				{Key: "prompt", Binding: domain.Binding{NodeID: "404", Field: "widget_0"}},
			},
		},
	}

	c := NewCompiler(nil)
	_, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: "default"})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeBindingNotFound))
}

func TestCompile_UnknownBindingField_RejectedAsBindingNotFound(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
			{ID: "6", ClassType: "CLIPTextEncode", WidgetsValues: []any{""}, Inputs: []domain.UIPort{port("text", "STRING", nil)}},
		},
		Links: []domain.UILink{link(1, "6", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{
		Modes: []domain.Mode{{ID: "default", Label: "Default"}},
		Inputs: domain.SpecInputs{
			Text: []domain.TextInput{
				{Key: "prompt", Binding: domain.Binding{NodeID: "6", Field: "no_such_field"}},
			},
		},
	}

	c := NewCompiler(nil)
	_, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: "default"})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeBindingNotFound))
}

// --- InvalidModeForKey: the requested mode must be one the Spec declares ---

func TestCompile_UndeclaredMode_RejectedAsInvalidMode(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
			{ID: "6", ClassType: "CLIPTextEncode"},
		},
		Links: []domain.UILink{link(1, "6", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{Modes: []domain.Mode{{ID: "default", Label: "Default"}}}

	c := NewCompiler(nil)
	_, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: "turbo"})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeInvalidModeForKey))
}

func TestCompile_EmptyModeFallsBackToSingleDeclaredMode(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
			{ID: "6", ClassType: "CLIPTextEncode"},
		},
		Links: []domain.UILink{link(1, "6", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{Modes: []domain.Mode{{ID: "default", Label: "Default"}}}

	c := NewCompiler(nil)
	_, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: ""})
	require.NoError(t, err)
}

// --- muted node is dropped, not traversed ---

func TestCompile_MutedNode_Dropped(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "A", ClassType: "CLIPTextEncode"},
			{ID: "M", ClassType: "VAEDecode", Mode: domain.NodeModeMuted},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
		},
		Links: []domain.UILink{
			link(1, "A", 0, "9", 0, "IMAGE"),
		},
	}
	spec := domain.Spec{Modes: []domain.Mode{{ID: "default", Label: "Default"}}}

	c := NewCompiler(nil)
	res, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: "default"})
	require.NoError(t, err)
	_, present := res.Graph.Nodes["M"]
	assert.False(t, present)
}

// --- compiler determinism (modulo seed randomization) ---

func TestCompile_Deterministic(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "6", ClassType: "CLIPTextEncode", WidgetsValues: []any{""}, Inputs: []domain.UIPort{
				port("text", "STRING", nil),
			}},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
		},
		Links: []domain.UILink{link(1, "6", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{
		Modes: []domain.Mode{{ID: "default", Label: "Default"}},
		Inputs: domain.SpecInputs{
			Text: []domain.TextInput{{Key: "prompt_6", Binding: domain.Binding{NodeID: "6", Field: "widget_0"}}},
		},
	}
	in := CompileInput{UIGraph: uiGraph, Spec: spec, TextInputs: map[string]string{"prompt_6": "x"}, Mode: "default"}

	c := NewCompiler(nil)
	r1, err := c.Compile(context.Background(), in)
	require.NoError(t, err)
	r2, err := c.Compile(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, r1.Graph.Nodes["6"].Inputs["text"], r2.Graph.Nodes["6"].Inputs["text"])
}

// --- Widget slot alignment with growing-null padding ---

func TestCompile_WidgetBindingGrowsList(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "6", ClassType: "CLIPTextEncode", Inputs: []domain.UIPort{
				port("text", "STRING", nil),
				port("width", "INT", nil),
				port("steps", "INT", nil),
			}},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
		},
		Links: []domain.UILink{link(1, "6", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{
		Modes: []domain.Mode{{ID: "default", Label: "Default"}},
		Inputs: domain.SpecInputs{
			Params: []domain.ParamInput{
				{Key: "steps", Type: domain.ParamTypeInt, Default: 20, Binding: domain.Binding{NodeID: "6", Field: "widget_2"}},
			},
		},
	}
	c := NewCompiler(nil)
	res, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: "default"})
	require.NoError(t, err)

	// widgets_values starts empty: writing slot 2 pads slots 0 and 1 with nil.
	n := res.Graph.Nodes["6"]
	require.Contains(t, n.Inputs, "text")
	require.Contains(t, n.Inputs, "width")
	assert.Nil(t, n.Inputs["text"])
	assert.Nil(t, n.Inputs["width"])
	assert.Equal(t, 20, n.Inputs["steps"])
}

// --- Catalog-aware coercion: COMBO match by basename, default fallback ---

func TestCompile_CatalogCoercion_ComboByBasename(t *testing.T) {
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "4", ClassType: "CheckpointLoaderSimple", WidgetsValues: []any{"models/sdxl.safetensors"}, Inputs: []domain.UIPort{
				port("ckpt_name", "COMBO", nil),
			}},
			{ID: "9", ClassType: "SaveImage", Inputs: []domain.UIPort{port("images", "IMAGE", intp(1))}},
		},
		Links: []domain.UILink{link(1, "4", 0, "9", 0, "IMAGE")},
	}
	spec := domain.Spec{Modes: []domain.Mode{{ID: "default", Label: "Default"}}}

	catalog := Catalog{
		"CheckpointLoaderSimple": ClassSchema{
			Required: map[string]SchemaEntry{
				"ckpt_name": {Kind: "COMBO", Choices: []any{"sdxl.safetensors", "sd15.safetensors"}},
			},
		},
	}

	c := NewCompiler(nil)
	res, err := c.Compile(context.Background(), CompileInput{UIGraph: uiGraph, Spec: spec, Mode: "default", Catalog: catalog})
	require.NoError(t, err)

	n := res.Graph.Nodes["4"]
	assert.Equal(t, "sdxl.safetensors", n.Inputs["ckpt_name"])
}
