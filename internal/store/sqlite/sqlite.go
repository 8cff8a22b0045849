// Package sqlite implements the scene store on SQLite. One writer connection
// is enough for a single-instance deployment; the delta engine serializes its
// writes through database transactions anyway.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sceneforge.dev/internal/protocol"
	"sceneforge.dev/internal/scene"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scenes (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			name TEXT,
			version INTEGER NOT NULL,
			exposure REAL NOT NULL DEFAULT 0,
			ambient REAL NOT NULL DEFAULT 0,
			props TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			scene_id TEXT NOT NULL REFERENCES scenes(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			category_key TEXT NOT NULL,
			model TEXT,
			position TEXT NOT NULL,
			rotation TEXT NOT NULL,
			scale TEXT NOT NULL,
			material_variant TEXT,
			material_overrides TEXT,
			selectable INTEGER NOT NULL DEFAULT 1,
			locked INTEGER NOT NULL DEFAULT 0,
			meta TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_items_scene_seq ON items(scene_id, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			scene_id TEXT NOT NULL REFERENCES scenes(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			created_at TEXT NOT NULL,
			manifest TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_scene_created ON snapshots(scene_id, created_at DESC);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// CreateScene inserts a fresh scene at version 1. Used by seeding and by the
// project service upstream; not part of the engine's store contract.
func (s *Store) CreateScene(ctx context.Context, sc scene.Scene) error {
	if sc.Version == 0 {
		sc.Version = 1
	}
	props, err := marshalJSON(sc.Props)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scenes (id, project_id, name, version, exposure, ambient, props)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.ProjectID, sc.Name, sc.Version, sc.Exposure, sc.Ambient, props)
	return err
}

func (s *Store) GetScene(ctx context.Context, id string) (scene.Scene, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, version, exposure, ambient, props FROM scenes WHERE id = ?`, id)
	return scanScene(row, id)
}

func scanScene(row *sql.Row, id string) (scene.Scene, error) {
	var sc scene.Scene
	var projectID, name, props sql.NullString
	err := row.Scan(&sc.ID, &projectID, &name, &sc.Version, &sc.Exposure, &sc.Ambient, &props)
	if errors.Is(err, sql.ErrNoRows) {
		return scene.Scene{}, protocol.Errf(protocol.ErrNotFound, "scene %s not found", id)
	}
	if err != nil {
		return scene.Scene{}, err
	}
	sc.ProjectID = projectID.String
	sc.Name = name.String
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &sc.Props); err != nil {
			return scene.Scene{}, fmt.Errorf("scene %s props: %w", id, err)
		}
	}
	return sc, nil
}

func (s *Store) ListItems(ctx context.Context, sceneID string) ([]scene.Item, error) {
	if _, err := s.GetScene(ctx, sceneID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, itemSelect+` WHERE scene_id = ? ORDER BY seq`, sceneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scene.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

const itemSelect = `SELECT id, scene_id, category_key, model, position, rotation, scale,
	material_variant, material_overrides, selectable, locked, meta FROM items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (scene.Item, error) {
	var it scene.Item
	var model, variant, overrides, meta sql.NullString
	var position, rotation, scale string
	var selectable, locked int
	err := r.Scan(&it.ID, &it.SceneID, &it.CategoryKey, &model, &position, &rotation, &scale,
		&variant, &overrides, &selectable, &locked, &meta)
	if err != nil {
		return scene.Item{}, err
	}
	it.Model = model.String
	it.MaterialVariant = variant.String
	it.Selectable = selectable != 0
	it.Locked = locked != 0
	for _, pair := range []struct {
		raw string
		dst *[3]float64
	}{{position, &it.Position}, {rotation, &it.Rotation}, {scale, &it.Scale}} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
			return scene.Item{}, fmt.Errorf("item %s transform: %w", it.ID, err)
		}
	}
	if overrides.Valid && overrides.String != "" {
		if err := json.Unmarshal([]byte(overrides.String), &it.MaterialOverrides); err != nil {
			return scene.Item{}, fmt.Errorf("item %s overrides: %w", it.ID, err)
		}
	}
	if meta.Valid && meta.String != "" {
		it.Meta = json.RawMessage(meta.String)
	}
	return it, nil
}

// RunTransaction maps the engine's transaction contract onto one SQL
// transaction. Any error from fn rolls everything back.
func (s *Store) RunTransaction(ctx context.Context, sceneID string, fn func(tx scene.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &storeTx{ctx: ctx, tx: sqlTx, sceneID: sceneID}
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return protocol.Errf(protocol.ErrInternal, "commit: %v", err)
	}
	return nil
}

type storeTx struct {
	ctx     context.Context
	tx      *sql.Tx
	sceneID string
}

func (t *storeTx) GetScene() (scene.Scene, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT id, project_id, name, version, exposure, ambient, props FROM scenes WHERE id = ?`, t.sceneID)
	return scanScene(row, t.sceneID)
}

func (t *storeTx) GetItem(id string) (scene.Item, error) {
	row := t.tx.QueryRowContext(t.ctx, itemSelect+` WHERE id = ? AND scene_id = ?`, id, t.sceneID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scene.Item{}, protocol.Errf(protocol.ErrNotFound, "item %s not found", id)
	}
	return it, err
}

func (t *storeTx) InsertItem(it scene.Item) error {
	cols, err := itemColumns(it)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO items (id, scene_id, seq, category_key, model, position, rotation, scale,
			material_variant, material_overrides, selectable, locked, meta)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM items WHERE scene_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, t.sceneID, t.sceneID, it.CategoryKey, cols.model, cols.position, cols.rotation, cols.scale,
		cols.variant, cols.overrides, boolInt(it.Selectable), boolInt(it.Locked), cols.meta)
	return err
}

func (t *storeTx) UpdateItem(it scene.Item) error {
	cols, err := itemColumns(it)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE items SET category_key = ?, model = ?, position = ?, rotation = ?, scale = ?,
			material_variant = ?, material_overrides = ?, selectable = ?, locked = ?, meta = ?
		 WHERE id = ? AND scene_id = ?`,
		it.CategoryKey, cols.model, cols.position, cols.rotation, cols.scale,
		cols.variant, cols.overrides, boolInt(it.Selectable), boolInt(it.Locked), cols.meta,
		it.ID, t.sceneID)
	if err != nil {
		return err
	}
	return requireRow(res, it.ID)
}

func (t *storeTx) DeleteItem(id string) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM items WHERE id = ? AND scene_id = ?`, id, t.sceneID)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (t *storeTx) DeleteAllItems() error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM items WHERE scene_id = ?`, t.sceneID)
	return err
}

func (t *storeTx) SetProps(props map[string]any) error {
	raw, err := marshalJSON(props)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `UPDATE scenes SET props = ? WHERE id = ?`, raw, t.sceneID)
	return err
}

func (t *storeTx) SetVersion(v int64) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE scenes SET version = ? WHERE id = ?`, v, t.sceneID)
	if err != nil {
		return err
	}
	return requireRow(res, t.sceneID)
}

type itemCols struct {
	model, variant, overrides, meta sql.NullString
	position, rotation, scale       string
}

func itemColumns(it scene.Item) (itemCols, error) {
	var c itemCols
	for _, pair := range []struct {
		src [3]float64
		dst *string
	}{{it.Position, &c.position}, {it.Rotation, &c.rotation}, {it.Scale, &c.scale}} {
		b, err := json.Marshal(pair.src)
		if err != nil {
			return c, err
		}
		*pair.dst = string(b)
	}
	c.model = nullable(it.Model)
	c.variant = nullable(it.MaterialVariant)
	if it.MaterialOverrides != nil {
		b, err := json.Marshal(it.MaterialOverrides)
		if err != nil {
			return c, err
		}
		c.overrides = sql.NullString{String: string(b), Valid: true}
	}
	if len(it.Meta) > 0 {
		c.meta = sql.NullString{String: string(it.Meta), Valid: true}
	}
	return c, nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap scene.Snapshot) error {
	manifest, err := json.Marshal(struct {
		Items []scene.Item   `json:"items"`
		Props map[string]any `json:"props,omitempty"`
	}{snap.Items, snap.Props})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, scene_id, label, created_at, manifest) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.SceneID, snap.Label, snap.CreatedAt.UTC().Format(time.RFC3339Nano), string(manifest))
	return err
}

func (s *Store) GetSnapshot(ctx context.Context, sceneID, snapshotID string) (scene.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scene_id, label, created_at, manifest FROM snapshots WHERE id = ? AND scene_id = ?`,
		snapshotID, sceneID)
	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return scene.Snapshot{}, protocol.Errf(protocol.ErrNotFound, "snapshot %s not found", snapshotID)
	}
	return snap, err
}

func (s *Store) ListSnapshots(ctx context.Context, sceneID string) ([]scene.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scene_id, label, created_at, manifest FROM snapshots
		 WHERE scene_id = ? ORDER BY created_at DESC`, sceneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scene.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(scan func(dest ...any) error) (scene.Snapshot, error) {
	var snap scene.Snapshot
	var createdAt, manifest string
	if err := scan(&snap.ID, &snap.SceneID, &snap.Label, &createdAt, &manifest); err != nil {
		return scene.Snapshot{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return scene.Snapshot{}, fmt.Errorf("snapshot %s created_at: %w", snap.ID, err)
	}
	snap.CreatedAt = ts
	var m struct {
		Items []scene.Item   `json:"items"`
		Props map[string]any `json:"props"`
	}
	if err := json.Unmarshal([]byte(manifest), &m); err != nil {
		return scene.Snapshot{}, fmt.Errorf("snapshot %s manifest: %w", snap.ID, err)
	}
	snap.Items = m.Items
	snap.Props = m.Props
	return snap, nil
}

func marshalJSON(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return protocol.Errf(protocol.ErrNotFound, "%s not found", id)
	}
	return nil
}
