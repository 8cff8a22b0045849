package scene

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sceneforge.dev/internal/protocol"
)

// Engine owns every mutation of scene state. All writes funnel through
// ApplyDelta or RestoreSnapshot so the version/atomicity contract holds:
// a committed batch bumps the version by exactly 1, a failed batch leaves
// no trace.
type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// ETagFor derives the weak ETag for a scene version.
func ETagFor(version int64) string {
	return fmt.Sprintf("W/%q", fmt.Sprintf("v%d", version))
}

// ApplyDelta applies a batch of operations atomically. ifMatch <= 0 skips the
// optimistic-lock check; a stale ifMatch fails with E_CONFLICT before any
// mutation. Any failing operation rolls back the whole batch.
func (e *Engine) ApplyDelta(ctx context.Context, sceneID, userID string, ops []Delta, ifMatch int64) (Result, error) {
	if len(ops) == 0 {
		return Result{}, protocol.Errf(protocol.ErrValidation, "empty operation batch")
	}

	// Fast-path rejection only. The authoritative version read and the
	// ifMatch recheck happen inside the transaction, so concurrent batches
	// serialize onto distinct versions instead of overwriting each other.
	sc, err := e.store.GetScene(ctx, sceneID)
	if err != nil {
		return Result{}, err
	}
	if ifMatch > 0 && ifMatch != sc.Version {
		return Result{}, protocol.Errf(protocol.ErrConflict, "scene %s is at version %d, expected %d", sceneID, sc.Version, ifMatch)
	}

	var newVersion int64
	err = e.store.RunTransaction(ctx, sceneID, func(tx Tx) error {
		cur, err := tx.GetScene()
		if err != nil {
			return err
		}
		if ifMatch > 0 && ifMatch != cur.Version {
			return protocol.Errf(protocol.ErrConflict, "scene %s is at version %d, expected %d", sceneID, cur.Version, ifMatch)
		}
		props := cur.Props
		for i, op := range ops {
			var err error
			props, err = applyOp(tx, props, op)
			if err != nil {
				return fmt.Errorf("op %d (%s): %w", i, op.Op, err)
			}
		}
		newVersion = cur.Version + 1
		return tx.SetVersion(newVersion)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Version: newVersion, ETag: ETagFor(newVersion)}, nil
}

// applyOp applies one operation through tx and returns the (possibly updated)
// scene props. props flows through the batch so consecutive update_props
// operations observe each other inside one transaction.
func applyOp(tx Tx, props map[string]any, op Delta) (map[string]any, error) {
	switch op.Op {
	case OpUpdateItem:
		it, err := lookupUnlocked(tx, op.ID)
		if err != nil {
			return nil, err
		}
		if t := op.Transform; t != nil {
			if t.Position != nil {
				it.Position = *t.Position
			}
			if t.Rotation != nil {
				it.Rotation = *t.Rotation
			}
			if t.Scale != nil {
				it.Scale = *t.Scale
			}
		}
		return props, tx.UpdateItem(it)

	case OpAddItem:
		it := Item{
			ID:          uuid.NewString(),
			CategoryKey: op.CategoryKey,
			Model:       op.Model,
			Scale:       [3]float64{1, 1, 1},
			Selectable:  true,
		}
		if it.CategoryKey == "" {
			it.CategoryKey = DefaultCategoryKey
		}
		if t := op.Transform; t != nil {
			if t.Position != nil {
				it.Position = *t.Position
			}
			if t.Rotation != nil {
				it.Rotation = *t.Rotation
			}
			if t.Scale != nil {
				it.Scale = *t.Scale
			}
		}
		return props, tx.InsertItem(it)

	case OpRemoveItem:
		if _, err := lookupUnlocked(tx, op.ID); err != nil {
			return nil, err
		}
		return props, tx.DeleteItem(op.ID)

	case OpUpdateProps:
		merged := MergeProps(props, op.Props)
		return merged, tx.SetProps(merged)

	case OpUpdateMaterial:
		it, err := lookupUnlocked(tx, op.ID)
		if err != nil {
			return nil, err
		}
		it.MaterialOverrides = op.Overrides
		return props, tx.UpdateItem(it)

	default:
		return nil, protocol.Errf(protocol.ErrValidation, "unknown operation %q", op.Op)
	}
}

func lookupUnlocked(tx Tx, id string) (Item, error) {
	if id == "" {
		return Item{}, protocol.Errf(protocol.ErrValidation, "missing item id")
	}
	it, err := tx.GetItem(id)
	if err != nil {
		return Item{}, err
	}
	if it.Locked {
		return Item{}, protocol.Errf(protocol.ErrForbidden, "item %s is locked", id)
	}
	return it, nil
}

// Manifest returns the scene's full current representation.
func (e *Engine) Manifest(ctx context.Context, sceneID string) (Manifest, error) {
	sc, err := e.store.GetScene(ctx, sceneID)
	if err != nil {
		return Manifest{}, err
	}
	items, err := e.store.ListItems(ctx, sceneID)
	if err != nil {
		return Manifest{}, err
	}
	return Manifest{SceneID: sceneID, Version: sc.Version, Props: sc.Props, Items: items}, nil
}

// CreateSnapshot captures the scene's current manifest as an immutable blob.
// It does not bump the scene version.
func (e *Engine) CreateSnapshot(ctx context.Context, sceneID, label string) (Snapshot, error) {
	sc, err := e.store.GetScene(ctx, sceneID)
	if err != nil {
		return Snapshot{}, err
	}
	items, err := e.store.ListItems(ctx, sceneID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		ID:        uuid.NewString(),
		SceneID:   sceneID,
		Label:     label,
		CreatedAt: time.Now().UTC(),
		Items:     items,
		Props:     sc.Props,
	}
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// RestoreSnapshot replaces the live item set and props with the snapshot's
// capture, preserving original item ids, and bumps the version by 1.
func (e *Engine) RestoreSnapshot(ctx context.Context, sceneID, snapshotID string) (RestoreResult, error) {
	if _, err := e.store.GetScene(ctx, sceneID); err != nil {
		return RestoreResult{}, err
	}
	snap, err := e.store.GetSnapshot(ctx, sceneID, snapshotID)
	if err != nil {
		return RestoreResult{}, err
	}

	var newVersion int64
	err = e.store.RunTransaction(ctx, sceneID, func(tx Tx) error {
		cur, err := tx.GetScene()
		if err != nil {
			return err
		}
		newVersion = cur.Version + 1
		if err := tx.DeleteAllItems(); err != nil {
			return err
		}
		for _, it := range snap.Items {
			if err := tx.InsertItem(it.Clone()); err != nil {
				return err
			}
		}
		if err := tx.SetProps(snap.Props); err != nil {
			return err
		}
		return tx.SetVersion(newVersion)
	})
	if err != nil {
		return RestoreResult{}, err
	}
	return RestoreResult{Version: newVersion, ETag: ETagFor(newVersion), RestoredLabel: snap.Label}, nil
}

// ListSnapshots returns the scene's snapshots newest-first.
func (e *Engine) ListSnapshots(ctx context.Context, sceneID string) ([]Snapshot, error) {
	return e.store.ListSnapshots(ctx, sceneID)
}
