package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/karsvo/journey/internal/store"
	"github.com/karsvo/journey/internal/validation"
	"github.com/karsvo/journey/pkg/schema"
)

// Definitions manages the workflow definition lifecycle:
// draft -> active <-> paused -> archived. Activation runs the full validation
// pipeline and freezes the graph into an immutable snapshot; in-flight
// executions stay pinned to the version they started on.
type Definitions struct {
	store     store.Store
	validator *validation.GraphValidator
	logger    *slog.Logger
	nowFn     func() time.Time
}

// NewDefinitions wires the definition service.
func NewDefinitions(st store.Store, validator *validation.GraphValidator, logger *slog.Logger) *Definitions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Definitions{
		store:     st,
		validator: validator,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// Create persists a new draft definition at graph version 1. The graph is
// not validated here; drafts may be arbitrarily broken until activation.
func (d *Definitions) Create(ctx context.Context, tenantID, name string, trigger schema.TriggerSpec, reentry schema.ReentryPolicy, g schema.Graph) (*store.Definition, error) {
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition name is required")
	}
	if reentry == "" {
		reentry = schema.ReentrySkip
	}

	now := d.nowFn()
	def := &store.Definition{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Name:         name,
		Status:       schema.DefinitionStatusDraft,
		Trigger:      trigger,
		Reentry:      reentry,
		GraphVersion: 1,
		Graph:        g,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}

	d.logger.Info("definition created", "workflow_id", def.ID, "name", name)
	return def, nil
}

// UpdateGraph replaces the authoring graph of an editable (draft or paused)
// definition and bumps the graph version. The bumped version only becomes
// executable once activation freezes it.
func (d *Definitions) UpdateGraph(ctx context.Context, id string, g schema.Graph, trigger *schema.TriggerSpec) (*store.Definition, error) {
	def, err := d.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !def.Status.Editable() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"definition %s is %s; only draft or paused definitions are editable", id, def.Status)
	}

	newVersion := def.GraphVersion + 1
	update := store.DefinitionUpdate{
		Graph:        &g,
		GraphVersion: &newVersion,
	}
	if trigger != nil {
		update.Trigger = trigger
	}
	if err := d.store.UpdateDefinition(ctx, id, update); err != nil {
		return nil, err
	}

	d.logger.Info("definition graph updated", "workflow_id", id, "graph_version", newVersion)
	return d.store.GetDefinition(ctx, id)
}

// Activate validates the definition's graph, freezes the snapshot for its
// current graph version and flips the status to active. From this point the
// frozen version is immutable; edits go through UpdateGraph and produce a
// new version.
func (d *Definitions) Activate(ctx context.Context, id string) (*store.Definition, error) {
	def, err := d.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	switch def.Status {
	case schema.DefinitionStatusDraft, schema.DefinitionStatusPaused:
	case schema.DefinitionStatusActive:
		return def, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"definition %s is %s and cannot be activated", id, def.Status)
	}

	if err := d.validator.ValidateGraph(&def.Graph, &def.Trigger); err != nil {
		return nil, err
	}

	snap := &store.GraphSnapshot{
		WorkflowID:   def.ID,
		GraphVersion: def.GraphVersion,
		Graph:        def.Graph,
		FrozenAt:     d.nowFn(),
	}
	if err := d.store.SaveSnapshot(ctx, snap); err != nil {
		// A paused definition reactivated without edits already has its
		// version frozen.
		if !isConflict(err) {
			return nil, err
		}
	}

	active := schema.DefinitionStatusActive
	if err := d.store.UpdateDefinition(ctx, id, store.DefinitionUpdate{Status: &active}); err != nil {
		return nil, err
	}

	d.logger.Info("definition activated", "workflow_id", id, "graph_version", def.GraphVersion)
	return d.store.GetDefinition(ctx, id)
}

// Pause stops new enrollments. In-flight executions are untouched; pausing
// is never retroactive.
func (d *Definitions) Pause(ctx context.Context, id string) error {
	def, err := d.store.GetDefinition(ctx, id)
	if err != nil {
		return err
	}
	if def.Status != schema.DefinitionStatusActive {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"definition %s is %s; only active definitions can be paused", id, def.Status)
	}

	paused := schema.DefinitionStatusPaused
	if err := d.store.UpdateDefinition(ctx, id, store.DefinitionUpdate{Status: &paused}); err != nil {
		return err
	}
	d.logger.Info("definition paused", "workflow_id", id)
	return nil
}

// Archive retires a definition permanently. Like pausing, in-flight
// executions run to completion on their pinned versions.
func (d *Definitions) Archive(ctx context.Context, id string) error {
	def, err := d.store.GetDefinition(ctx, id)
	if err != nil {
		return err
	}
	if def.Status == schema.DefinitionStatusArchived {
		return nil
	}

	archived := schema.DefinitionStatusArchived
	if err := d.store.UpdateDefinition(ctx, id, store.DefinitionUpdate{Status: &archived}); err != nil {
		return err
	}
	d.logger.Info("definition archived", "workflow_id", id)
	return nil
}

// Get returns a definition by ID.
func (d *Definitions) Get(ctx context.Context, id string) (*store.Definition, error) {
	return d.store.GetDefinition(ctx, id)
}

// List returns definitions matching the filter.
func (d *Definitions) List(ctx context.Context, filter store.DefinitionFilter) ([]*store.Definition, error) {
	return d.store.ListDefinitions(ctx, filter)
}

func isConflict(err error) bool {
	var jErr *schema.JourneyError
	return errors.As(err, &jErr) && jErr.Code == schema.ErrCodeConflict
}
