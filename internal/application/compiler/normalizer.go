package compiler

import "github.com/smilemakc/workforge/internal/domain"

// Normalize is a pure function
// reducing any of the worker's three output shapes to a single UI-
// friendly artifact list. Unrecognized shapes are skipped rather than
// rejected, so normalize(normalize(x)) == normalize(x): a Result
// fed back in produces the same Result.
func Normalize(raw map[string]any) domain.Result {
	if images, ok := raw["images"]; ok {
		return domain.Result{Images: normalizeArtifactList(images)}
	}

	if outputs, ok := raw["outputs"].(map[string]any); ok {
		return domain.Result{Images: normalizeNodeOutputMap(outputs)}
	}

	// Fall through: the whole map may itself be a node_id -> {images:[...]}
	// map, with no "outputs" wrapper.
	return domain.Result{Images: normalizeNodeOutputMap(raw)}
}

// ToRaw re-serializes a Result into the "images" shape Normalize
// recognizes directly, so a previously normalized Result can be fed back
// through Normalize without loss.
func ToRaw(result domain.Result) map[string]any {
	images := make([]any, 0, len(result.Images))
	for _, a := range result.Images {
		images = append(images, map[string]any{
			"filename":  a.Filename,
			"subfolder": a.Subfolder,
			"type":      a.Type,
		})
	}
	return map[string]any{"images": images}
}

func normalizeNodeOutputMap(m map[string]any) []domain.Artifact {
	var out []domain.Artifact
	for _, v := range m {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		images, ok := entry["images"]
		if !ok {
			continue
		}
		out = append(out, normalizeArtifactList(images)...)
	}
	return out
}

func normalizeArtifactList(v any) []domain.Artifact {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []domain.Artifact
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		filename, _ := m["filename"].(string)
		if filename == "" {
			continue
		}
		subfolder, _ := m["subfolder"].(string)
		artifactType, _ := m["type"].(string)
		if artifactType == "" {
			artifactType = "output"
		}
		out = append(out, domain.Artifact{
			Filename:  filename,
			Subfolder: subfolder,
			Type:      artifactType,
		})
	}
	return out
}
