package workerclient

import (
	"context"
	"sync"
	"time"

	"github.com/smilemakc/workforge/internal/application/compiler"
)

// catalogTTL is how long a worker's parsed /object_info response is
// trusted before SchemaCatalog re-fetches it.
const catalogTTL = 5 * time.Minute

type catalogEntry struct {
	catalog   compiler.Catalog
	fetchedAt time.Time
}

// SchemaCatalog is a per-base_url,
// TTL-cached view of a worker's /object_info response, parsed into the
// shape the compiler's coercion pass consumes. A failed fetch returns the
// worker client's error (*workererr.BackendUnavailable for an unreachable
// node, *workererr.BackendError for a non-2xx reply) so callers can fall
// back to compiling without catalog-based coercion rather than failing
// the submission.
type SchemaCatalog struct {
	mu      sync.Mutex
	clients map[string]*Client
	entries map[string]catalogEntry
}

// NewSchemaCatalog constructs an empty cache.
func NewSchemaCatalog() *SchemaCatalog {
	return &SchemaCatalog{
		clients: make(map[string]*Client),
		entries: make(map[string]catalogEntry),
	}
}

// Get returns the cached catalog for baseURL, fetching it if absent or
// stale. nodeID is only used to attribute a fetch failure.
func (s *SchemaCatalog) Get(ctx context.Context, nodeID, baseURL string) (compiler.Catalog, error) {
	s.mu.Lock()
	entry, ok := s.entries[baseURL]
	client, hasClient := s.clients[baseURL]
	if !hasClient {
		client = New(nodeID, baseURL)
		s.clients[baseURL] = client
	}
	s.mu.Unlock()

	if ok && time.Since(entry.fetchedAt) < catalogTTL {
		return entry.catalog, nil
	}

	raw, err := client.ObjectInfo(ctx)
	if err != nil {
		if ok {
			// Serve the stale entry rather than fail the compile outright;
			// the caller still sees the error for health/logging purposes.
			return entry.catalog, err
		}
		return nil, err
	}

	parsed := parseObjectInfo(raw)

	s.mu.Lock()
	s.entries[baseURL] = catalogEntry{catalog: parsed, fetchedAt: time.Now()}
	s.mu.Unlock()

	return parsed, nil
}

// Invalidate drops the cached entry for baseURL, forcing the next Get to
// re-fetch. No code in this module calls it.
func (s *SchemaCatalog) Invalidate(baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, baseURL)
}

// parseObjectInfo converts a worker's raw /object_info payload into a
// compiler.Catalog. Class entries that don't match the expected shape are
// skipped rather than rejected: a partially-understood catalog still lets
// coercion work for the classes it could parse.
func parseObjectInfo(raw map[string]any) compiler.Catalog {
	out := make(compiler.Catalog, len(raw))
	for classType, v := range raw {
		classDef, ok := v.(map[string]any)
		if !ok {
			continue
		}
		inputDef, ok := classDef["input"].(map[string]any)
		if !ok {
			continue
		}
		out[classType] = compiler.ClassSchema{
			Required: parseFieldGroup(inputDef["required"]),
			Optional: parseFieldGroup(inputDef["optional"]),
		}
	}
	return out
}

func parseFieldGroup(v any) map[string]compiler.SchemaEntry {
	group, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]compiler.SchemaEntry, len(group))
	for field, spec := range group {
		entry, ok := parseFieldSpec(spec)
		if !ok {
			continue
		}
		out[field] = entry
	}
	return out
}

// parseFieldSpec handles the two shapes a worker uses to describe one
// input field: ["INT", {default, min, max}] for primitives, or
// [[choice, choice, ...], {default}] for enumerations.
func parseFieldSpec(v any) (compiler.SchemaEntry, bool) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return compiler.SchemaEntry{}, false
	}

	var opts map[string]any
	if len(list) > 1 {
		opts, _ = list[1].(map[string]any)
	}

	if kind, ok := list[0].(string); ok {
		entry := compiler.SchemaEntry{Kind: kind}
		if opts != nil {
			entry.Default = opts["default"]
			entry.Min = asFloatPtr(opts["min"])
			entry.Max = asFloatPtr(opts["max"])
		}
		return entry, true
	}

	if choices, ok := list[0].([]any); ok {
		entry := compiler.SchemaEntry{Kind: "COMBO", Choices: choices}
		if opts != nil {
			entry.Default = opts["default"]
		} else if len(choices) > 0 {
			entry.Default = choices[0]
		}
		return entry, true
	}

	return compiler.SchemaEntry{}, false
}

func asFloatPtr(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}
