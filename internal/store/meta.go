package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata keys in strata_meta.
const (
	metaVersion       = "version"
	metaModelHash     = "model_hash"
	metaConfiguration = "configuration"
	metaStoreID       = "store_id"
	metaCreatedAt     = "created_at"
)

// Meta is the identity a store carries in its metadata tables: which
// schema version wrote it, the identity hashes of that version, the
// configuration label it serves, and a stable per-file id.
type Meta struct {
	Version       string
	ModelHash     string
	Configuration string
	StoreID       string
	CreatedAt     time.Time
	EntityHashes  map[string]string
}

func newStoreID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// stampMeta writes the identity rows inside the creation transaction.
func stampMeta(ctx context.Context, x Querier, m Meta) error {
	rows := [][2]string{
		{metaVersion, m.Version},
		{metaModelHash, m.ModelHash},
		{metaConfiguration, m.Configuration},
		{metaStoreID, m.StoreID},
		{metaCreatedAt, m.CreatedAt.Format(time.RFC3339Nano)},
	}
	for _, kv := range rows {
		if _, err := x.ExecContext(ctx, `INSERT INTO "strata_meta" ("key", "value") VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("stamp %s: %w", kv[0], err)
		}
	}

	names := make([]string, 0, len(m.EntityHashes))
	for name := range m.EntityHashes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := x.ExecContext(ctx, `INSERT INTO "strata_entity_versions" ("entity", "hash") VALUES (?, ?)`,
			name, m.EntityHashes[name]); err != nil {
			return fmt.Errorf("stamp entity hash %s: %w", name, err)
		}
	}
	return nil
}

// Restamp replaces the stamped schema identity rows. Migration calls it
// on the destination copy to carry over the source store id and creation
// time under the new version identity.
func (s *Store) Restamp(ctx context.Context, x Querier, m Meta) error {
	for _, stmt := range []string{
		`DELETE FROM "strata_meta"`,
		`DELETE FROM "strata_entity_versions"`,
	} {
		if _, err := x.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear metadata: %w", err)
		}
	}
	if err := stampMeta(ctx, x, m); err != nil {
		return err
	}
	s.meta = m
	return nil
}

// readMetaFrom loads the stamped identity through an open handle.
func readMetaFrom(ctx context.Context, q Querier) (*Meta, error) {
	var format int64
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&format); err != nil {
		return nil, fmt.Errorf("read format version: %w", err)
	}
	if format != formatVersion {
		return nil, fmt.Errorf("%w: format version %d", ErrNotAStore, format)
	}

	kv := make(map[string]string)
	rows, err := q.QueryContext(ctx, `SELECT "key", "value" FROM "strata_meta"`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAStore, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	meta := &Meta{
		Version:       kv[metaVersion],
		ModelHash:     kv[metaModelHash],
		Configuration: kv[metaConfiguration],
		StoreID:       kv[metaStoreID],
		EntityHashes:  make(map[string]string),
	}
	if meta.Version == "" || meta.ModelHash == "" || meta.StoreID == "" {
		return nil, fmt.Errorf("%w: identity rows missing", ErrNotAStore)
	}
	if raw := kv[metaCreatedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		meta.CreatedAt = t
	}

	hrows, err := q.QueryContext(ctx, `SELECT "entity", "hash" FROM "strata_entity_versions"`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAStore, err)
	}
	defer hrows.Close()
	for hrows.Next() {
		var entity, hash string
		if err := hrows.Scan(&entity, &hash); err != nil {
			return nil, err
		}
		meta.EntityHashes[entity] = hash
	}
	return meta, hrows.Err()
}

// ReadMeta reads the stamped identity of a store file without a model.
// The coordinator uses it to decide whether a file needs migration
// before anything opens it for real work.
func ReadMeta(path string) (*Meta, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	meta, err := readMetaFrom(context.Background(), db)
	if err != nil {
		// Not-a-database errors from the driver mean the same thing as a
		// missing identity: this is no store of ours.
		if !errors.Is(err, ErrNotAStore) && strings.Contains(err.Error(), "not a database") {
			err = fmt.Errorf("%w: %v", ErrNotAStore, err)
		}
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	return meta, nil
}

// HashDiff summarizes how one entity hash table differs from another.
type HashDiff struct {
	Added   []string // entities only the wanted model has
	Removed []string // entities only the stamped table has
	Changed []string // entities present in both with different hashes
}

// DiffHashes compares a stamped hash table against the wanted one.
func DiffHashes(stamped, want map[string]string) HashDiff {
	var d HashDiff
	for name, h := range want {
		sh, ok := stamped[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case sh != h:
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range stamped {
		if _, ok := want[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// Empty reports whether the two tables were identical.
func (d HashDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

func (d HashDiff) String() string {
	if d.Empty() {
		return "entities identical"
	}
	var parts []string
	if len(d.Added) > 0 {
		parts = append(parts, "added "+strings.Join(d.Added, ", "))
	}
	if len(d.Removed) > 0 {
		parts = append(parts, "removed "+strings.Join(d.Removed, ", "))
	}
	if len(d.Changed) > 0 {
		parts = append(parts, "changed "+strings.Join(d.Changed, ", "))
	}
	return "entities differ: " + strings.Join(parts, "; ")
}
