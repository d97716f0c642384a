package compiler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"path"
	"strings"

	"github.com/smilemakc/workforge/internal/domain"
	"github.com/smilemakc/workforge/internal/workererr"
)

// FileStore is the object-store abstraction the compiler's input staging
// reads local uploads from and writes merged mask artifacts to. Its
// concrete implementation (local disk, object storage) lives outside the
// core orchestration subsystem.
type FileStore interface {
	Read(ctx context.Context, storagePath string) ([]byte, error)
	Write(ctx context.Context, storagePath string, data []byte) error
}

// Uploader is the subset of the worker client the input-staging
// component needs: pushing local bytes to a chosen node and getting back
// a reference the prompt-graph can use.
type Uploader interface {
	UploadImage(ctx context.Context, nodeID string, name string, data []byte, subfolder string, overwrite bool) (remoteRef string, err error)
}

// resolveMaskMerge performs the I/O-bound half of mask coupling: reading
// the image and mask bytes, merging the mask's inverted luminance into
// the image's alpha channel (resizing the mask to the image's dimensions
// with nearest-neighbor sampling if they differ), writing the merged PNG
// back to the store, and returning its path. This is the compiler's only
// suspension point during Compile itself.
func resolveMaskMerge(ctx context.Context, store FileStore, req *maskMergeRequest) (string, error) {
	imgBytes, err := store.Read(ctx, req.ImagePath)
	if err != nil {
		return "", fmt.Errorf("reading base image %s: %w", req.ImagePath, err)
	}
	maskBytes, err := store.Read(ctx, req.MaskPath)
	if err != nil {
		return "", fmt.Errorf("reading mask %s: %w", req.MaskPath, err)
	}

	merged, err := mergeMaskAlpha(imgBytes, maskBytes)
	if err != nil {
		return "", err
	}

	mergedPath := mergedMaskPath(req.ImagePath)
	if err := store.Write(ctx, mergedPath, merged); err != nil {
		return "", fmt.Errorf("writing merged mask image %s: %w", mergedPath, err)
	}
	return mergedPath, nil
}

func mergedMaskPath(imagePath string) string {
	ext := path.Ext(imagePath)
	base := strings.TrimSuffix(imagePath, ext)
	return base + ".masked.png"
}

// mergeMaskAlpha decodes img and mask, resizes mask to img's bounds with
// nearest-neighbor sampling if needed, and returns a PNG whose alpha
// channel is 255 minus the mask's luminance at each pixel (so white mask
// pixels become transparent).
func mergeMaskAlpha(imgBytes, maskBytes []byte) ([]byte, error) {
	base, _, err := image.Decode(bytes.NewReader(imgBytes))
	if err != nil {
		return nil, fmt.Errorf("decoding base image: %w", err)
	}
	maskImg, _, err := image.Decode(bytes.NewReader(maskBytes))
	if err != nil {
		return nil, fmt.Errorf("decoding mask image: %w", err)
	}

	bounds := base.Bounds()
	out := image.NewNRGBA(bounds)
	draw.Draw(out, bounds, base, bounds.Min, draw.Src)

	maskBounds := maskImg.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		my := maskBounds.Min.Y + (y-bounds.Min.Y)*maskBounds.Dy()/bounds.Dy()
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			mx := maskBounds.Min.X + (x-bounds.Min.X)*maskBounds.Dx()/bounds.Dx()
			lum := color.GrayModel.Convert(maskImg.At(mx, my)).(color.Gray).Y
			alpha := uint8(255 - lum)
			c := out.NRGBAAt(x, y)
			c.A = alpha
			out.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encoding merged PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// StageFiles uploads every file in files
// to the chosen node under a deterministic name derived from its key,
// and returns the node-relative references the prompt-graph's bindings
// must be patched to. Failure to reach the node surfaces as
// *workererr.BackendUnavailable.
func StageFiles(ctx context.Context, uploader Uploader, nodeID string, files map[string]string, store FileStore) (map[string]string, error) {
	refs := make(map[string]string, len(files))
	for key, storagePath := range files {
		data, err := store.Read(ctx, storagePath)
		if err != nil {
			return nil, fmt.Errorf("reading staged file %s for key %s: %w", storagePath, key, err)
		}
		name := key + path.Ext(storagePath)
		ref, err := uploader.UploadImage(ctx, nodeID, name, data, "", true)
		if err != nil {
			return nil, &workererr.BackendUnavailable{NodeID: nodeID, Cause: err}
		}
		refs[key] = ref
	}
	return refs, nil
}

// PatchFileBindings rewrites graph's node inputs so each staged file key's
// binding target now holds its uploaded remote reference instead of the
// local storage path baked in at compile time.
func PatchFileBindings(graph *domain.PromptGraph, fileBindings map[string]domain.Binding, refs map[string]string) {
	for key, binding := range fileBindings {
		ref, ok := refs[key]
		if !ok {
			continue
		}
		n, ok := graph.Nodes[binding.NodeID]
		if !ok {
			continue
		}
		n.Inputs[binding.Field] = ref
		graph.Nodes[binding.NodeID] = n
	}
}
