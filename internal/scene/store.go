package scene

import "context"

// Store is the persistence collaborator the engine mutates scenes through.
// Access checks happen upstream; the store only enforces existence.
type Store interface {
	GetScene(ctx context.Context, id string) (Scene, error)
	ListItems(ctx context.Context, sceneID string) ([]Item, error)

	// RunTransaction runs fn against a transaction scoped to one scene.
	// An error from fn rolls back every write made through tx; nil commits
	// them atomically.
	RunTransaction(ctx context.Context, sceneID string, fn func(tx Tx) error) error

	PutSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, sceneID, snapshotID string) (Snapshot, error)
	// ListSnapshots returns snapshots for a scene ordered newest-first.
	ListSnapshots(ctx context.Context, sceneID string) ([]Snapshot, error)
}

// Tx exposes the reads and writes available inside a scene transaction.
// Implementations must make no write observable until RunTransaction commits.
type Tx interface {
	// GetScene reads the scene as the transaction sees it. Version checks
	// must use this read, not a read taken before the transaction opened:
	// two concurrent batches may both pass an outside check and would then
	// overwrite each other's version bump.
	GetScene() (Scene, error)
	GetItem(id string) (Item, error)
	InsertItem(it Item) error
	UpdateItem(it Item) error
	DeleteItem(id string) error
	DeleteAllItems() error
	SetProps(props map[string]any) error
	SetVersion(v int64) error
}
