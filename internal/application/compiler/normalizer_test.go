package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smilemakc/workforge/internal/domain"
)

func TestNormalize_TopLevelImages(t *testing.T) {
	raw := map[string]any{
		"images": []any{
			map[string]any{"filename": "out.png", "subfolder": "", "type": "output"},
		},
	}
	result := Normalize(raw)
	assert.Equal(t, []domain.Artifact{{Filename: "out.png", Subfolder: "", Type: "output"}}, result.Images)
}

func TestNormalize_OutputsWrapper(t *testing.T) {
	raw := map[string]any{
		"outputs": map[string]any{
			"9": map[string]any{
				"images": []any{
					map[string]any{"filename": "a.png", "type": "output"},
					map[string]any{"filename": "b.png", "subfolder": "sub"},
				},
			},
		},
	}
	result := Normalize(raw)
	assert.Len(t, result.Images, 2)
	for _, a := range result.Images {
		assert.NotEmpty(t, a.Filename)
		assert.Equal(t, "output", a.Type) // b.png's missing type defaults to "output"
	}
}

func TestNormalize_BareNodeOutputMap(t *testing.T) {
	raw := map[string]any{
		"9": map[string]any{
			"images": []any{map[string]any{"filename": "c.png"}},
		},
	}
	result := Normalize(raw)
	assert.Equal(t, []domain.Artifact{{Filename: "c.png", Subfolder: "", Type: "output"}}, result.Images)
}

func TestNormalize_SkipsArtifactsWithoutFilename(t *testing.T) {
	raw := map[string]any{
		"images": []any{
			map[string]any{"subfolder": "x"}, // no filename: skipped
			map[string]any{"filename": "keep.png"},
		},
	}
	result := Normalize(raw)
	assert.Equal(t, []domain.Artifact{{Filename: "keep.png", Subfolder: "", Type: "output"}}, result.Images)
}

func TestNormalize_UnrecognizedShapeYieldsEmptyResult(t *testing.T) {
	raw := map[string]any{"status": "ok"}
	result := Normalize(raw)
	assert.Empty(t, result.Images)
}

// normalize(normalize(x)) == normalize(x) for all recognized shapes.
func TestNormalize_Idempotent(t *testing.T) {
	shapes := []map[string]any{
		{"images": []any{map[string]any{"filename": "a.png", "subfolder": "s", "type": "output"}}},
		{"outputs": map[string]any{"9": map[string]any{"images": []any{map[string]any{"filename": "b.png"}}}}},
		{"9": map[string]any{"images": []any{map[string]any{"filename": "c.png"}}}},
		{"status": "ok"}, // unrecognized shape, normalizes to empty
	}

	for _, raw := range shapes {
		once := Normalize(raw)
		twice := Normalize(ToRaw(once))
		assert.Equal(t, once, twice, "normalize must be idempotent via its own round-trip shape for %+v", raw)
	}
}
