package scene

import (
	"encoding/json"
	"time"
)

// Scene is the versioned root of a collaborative editing session. Version
// increases by exactly 1 per committed batch, never per individual operation.
type Scene struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId,omitempty"`
	Name      string         `json:"name,omitempty"`
	Version   int64          `json:"version"`
	Exposure  float64        `json:"exposure,omitempty"`
	Ambient   float64        `json:"ambient,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
}

// Item is one placed object in a scene. A locked item rejects every mutating
// or removing operation.
type Item struct {
	ID                string          `json:"id"`
	SceneID           string          `json:"sceneId"`
	CategoryKey       string          `json:"categoryKey"`
	Model             string          `json:"model,omitempty"`
	Position          [3]float64      `json:"position"`
	Rotation          [3]float64      `json:"rotation"`
	Scale             [3]float64      `json:"scale"`
	MaterialVariant   string          `json:"materialVariant,omitempty"`
	MaterialOverrides map[string]any  `json:"materialOverrides,omitempty"`
	Selectable        bool            `json:"selectable"`
	Locked            bool            `json:"locked"`
	Meta              json.RawMessage `json:"meta,omitempty"`
}

// Clone returns a deep copy safe to mutate independently.
func (it Item) Clone() Item {
	out := it
	if it.MaterialOverrides != nil {
		out.MaterialOverrides = cloneValue(it.MaterialOverrides).(map[string]any)
	}
	if it.Meta != nil {
		out.Meta = append(json.RawMessage(nil), it.Meta...)
	}
	return out
}

// DefaultCategoryKey is assigned when add_item omits a category.
const DefaultCategoryKey = "uncategorized"

// Delta operation tags.
const (
	OpUpdateItem     = "update_item"
	OpAddItem        = "add_item"
	OpRemoveItem     = "remove_item"
	OpUpdateProps    = "update_props"
	OpUpdateMaterial = "update_material"
)

// Delta is one mutation request within a batch. Op selects the variant;
// the remaining fields are read per-variant.
type Delta struct {
	Op          string          `json:"op"`
	ID          string          `json:"id,omitempty"`
	CategoryKey string          `json:"categoryKey,omitempty"`
	Model       string          `json:"model,omitempty"`
	Transform   *TransformPatch `json:"transform,omitempty"`
	Props       map[string]any  `json:"props,omitempty"`
	Overrides   map[string]any  `json:"overrides,omitempty"`
}

// TransformPatch is a sparse patch: nil fields leave the item untouched.
type TransformPatch struct {
	Position *[3]float64 `json:"position,omitempty"`
	Rotation *[3]float64 `json:"rotation,omitempty"`
	Scale    *[3]float64 `json:"scale,omitempty"`
}

// Result is returned for every committed batch.
type Result struct {
	Version int64  `json:"version"`
	ETag    string `json:"etag"`
}

// RestoreResult extends Result for snapshot restores.
type RestoreResult struct {
	Version       int64  `json:"version"`
	ETag          string `json:"etag"`
	RestoredLabel string `json:"restoredLabel"`
}

// Manifest is the full externally-consumable representation of a scene at a
// point in time.
type Manifest struct {
	SceneID string         `json:"sceneId"`
	Version int64          `json:"version"`
	Props   map[string]any `json:"props,omitempty"`
	Items   []Item         `json:"items"`
}

// Snapshot is an immutable, named capture of a scene's manifest.
type Snapshot struct {
	ID        string         `json:"id"`
	SceneID   string         `json:"sceneId"`
	Label     string         `json:"label"`
	CreatedAt time.Time      `json:"createdAt"`
	Items     []Item         `json:"items"`
	Props     map[string]any `json:"props,omitempty"`
}
