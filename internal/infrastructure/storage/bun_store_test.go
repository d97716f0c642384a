package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/workforge/internal/domain"
)

// prepared_workflow is persisted as jsonb and reloaded on every poll tick;
// a graph that round-trips through the wire shape must come back with its
// LinkRef inputs rehydrated, not left as decoded tuples.
func TestPromptGraphWire_RoundTripPreservesLinkRefs(t *testing.T) {
	graph := domain.NewPromptGraph()
	graph.Nodes["3"] = domain.PromptNode{ClassType: "KSampler", Inputs: map[string]any{
		"model": &domain.LinkRef{SrcID: "4", SrcSlot: 0},
		"seed":  int64(42),
	}}
	graph.Nodes["4"] = domain.PromptNode{ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{
		"ckpt_name": "sdxl.safetensors",
	}}
	graph.ExtraPNGInfo = map[string]any{"extra_pnginfo": map[string]any{"workflow": "w"}}

	data, err := marshalPromptGraph(graph)
	require.NoError(t, err)

	reloaded, err := unmarshalPromptGraph(data)
	require.NoError(t, err)
	require.NotNil(t, reloaded)

	sampler := reloaded.Nodes["3"]
	ref, ok := sampler.Inputs["model"].(*domain.LinkRef)
	require.True(t, ok, "a persisted link must come back as a *LinkRef")
	assert.Equal(t, "4", ref.SrcID)
	assert.Equal(t, 0, ref.SrcSlot)

	loader := reloaded.Nodes["4"]
	assert.Equal(t, "sdxl.safetensors", loader.Inputs["ckpt_name"])
}

func TestPromptGraphWire_NilAndEmpty(t *testing.T) {
	data, err := marshalPromptGraph(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	reloaded, err := unmarshalPromptGraph(nil)
	require.NoError(t, err)
	assert.Nil(t, reloaded)
}
