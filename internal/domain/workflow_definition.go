package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowDefinition is an aggregate root that represents one published
// image-generation workflow: its authoring UI graph and the Spec that
// describes how user-facing inputs bind into it.
type WorkflowDefinition interface {
	ID() uuid.UUID
	Slug() string
	Name() string
	Category() string
	Version() string
	IsActive() bool
	RequiresMask() bool
	UIGraph() UIGraph
	Spec() Spec
	CreatedAt() time.Time
	UpdatedAt() time.Time

	Activate()
	Deactivate()
	Replace(uiGraph UIGraph, spec Spec) error
}

type workflowDefinition struct {
	id           uuid.UUID
	slug         string
	name         string
	category     string
	version      string
	isActive     bool
	requiresMask bool
	uiGraph      UIGraph
	spec         Spec
	createdAt    time.Time
	updatedAt    time.Time
}

// NewWorkflowDefinition validates spec and constructs a new
// WorkflowDefinition with a freshly generated id.
func NewWorkflowDefinition(slug, name, category, version string, uiGraph UIGraph, spec Spec) (WorkflowDefinition, error) {
	return ReconstructWorkflowDefinition(uuid.New(), slug, name, category, version, true, uiGraph, spec, time.Now(), time.Now())
}

// ReconstructWorkflowDefinition rebuilds a WorkflowDefinition from
// persisted fields, re-validating the Spec/mask invariant on the way in.
func ReconstructWorkflowDefinition(
	id uuid.UUID,
	slug, name, category, version string,
	isActive bool,
	uiGraph UIGraph,
	spec Spec,
	createdAt, updatedAt time.Time,
) (WorkflowDefinition, error) {
	if slug == "" {
		return nil, NewDomainError(ErrCodeValidationFailed, "slug must not be empty", nil)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &workflowDefinition{
		id:           id,
		slug:         slug,
		name:         name,
		category:     category,
		version:      version,
		isActive:     isActive,
		requiresMask: spec.Inputs.Mask != nil,
		uiGraph:      uiGraph,
		spec:         spec,
		createdAt:    createdAt,
		updatedAt:    updatedAt,
	}, nil
}

func (w *workflowDefinition) ID() uuid.UUID          { return w.id }
func (w *workflowDefinition) Slug() string           { return w.slug }
func (w *workflowDefinition) Name() string           { return w.name }
func (w *workflowDefinition) Category() string       { return w.category }
func (w *workflowDefinition) Version() string        { return w.version }
func (w *workflowDefinition) IsActive() bool         { return w.isActive }
func (w *workflowDefinition) RequiresMask() bool     { return w.requiresMask }
func (w *workflowDefinition) UIGraph() UIGraph       { return w.uiGraph }
func (w *workflowDefinition) Spec() Spec             { return w.spec }
func (w *workflowDefinition) CreatedAt() time.Time   { return w.createdAt }
func (w *workflowDefinition) UpdatedAt() time.Time   { return w.updatedAt }

func (w *workflowDefinition) Activate() {
	w.isActive = true
	w.updatedAt = time.Now()
}

func (w *workflowDefinition) Deactivate() {
	w.isActive = false
	w.updatedAt = time.Now()
}

// Replace swaps in a new authoring graph and Spec for this definition,
// re-running the mask/image binding invariant check.
func (w *workflowDefinition) Replace(uiGraph UIGraph, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	w.uiGraph = uiGraph
	w.spec = spec
	w.requiresMask = spec.Inputs.Mask != nil
	w.updatedAt = time.Now()
	return nil
}
