package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/schema"
)

// Executor failures fall into three classes. Everything read-side wraps
// ErrSourceUnreadable, everything write-side ErrDestinationWriteFailed,
// and per-record transform failures ErrMappingFailed. The source file is
// never written to in any of them.
var (
	ErrSourceUnreadable       = errors.New("source store unreadable")
	ErrDestinationWriteFailed = errors.New("destination write failed")
	ErrMappingFailed          = errors.New("record mapping failed")
)

var errAborted = errors.New("migration aborted")

// Progress reports executor advancement. Step counts hops from one;
// Entity and Records are zero-valued at a hop boundary.
type Progress struct {
	Step    int
	Total   int
	From    string
	To      string
	Entity  string
	Records int64
}

// Result summarizes a finished migration.
type Result struct {
	From string
	To   string
	// Steps is the number of hops executed.
	Steps int
	// Entities counts the records per entity in the migrated store.
	Entities map[string]int64
	Duration time.Duration
}

type execOptions struct {
	progress func(Progress) error
	coders   *store.CoderRegistry
}

// ExecOption configures Execute.
type ExecOption func(*execOptions)

// WithProgress registers a callback invoked at each hop boundary and
// after each copied record. A non-nil return aborts the migration and
// leaves the source untouched.
func WithProgress(fn func(Progress) error) ExecOption {
	return func(o *execOptions) { o.progress = fn }
}

// WithCoders supplies the transformable coder registry. The registry
// must cover every coder either end of the plan names.
func WithCoders(r *store.CoderRegistry) ExecOption {
	return func(o *execOptions) { o.coders = r }
}

func buildExecOptions(opts []ExecOption) execOptions {
	o := execOptions{coders: store.NewCoderRegistry()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Execute runs a plan against the store file at path. Each hop rebuilds
// the store into a staging file beside it; only after the last hop
// commits does a single rename swap the result in. On any failure the
// staging files are removed and the source remains byte-identical.
//
// The caller must hold exclusive access: no open handles on the store
// while Execute runs, and a cleanly checkpointed file on disk.
func Execute(ctx context.Context, path string, plan *Plan, opts ...ExecOption) (*Result, error) {
	o := buildExecOptions(opts)
	start := time.Now()
	res := &Result{From: plan.From, To: plan.To, Entities: make(map[string]int64)}
	if plan.Empty() {
		res.Duration = time.Since(start)
		return res, nil
	}

	origin, err := store.ReadMeta(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	if origin.Version != plan.From {
		return nil, fmt.Errorf("store %s is stamped %q, plan starts at %q", path, origin.Version, plan.From)
	}

	ex := &executor{origin: *origin, opts: o, total: len(plan.Steps)}

	var staged []string
	done := false
	defer func() {
		if !done {
			for _, p := range staged {
				removeStoreFiles(p)
			}
		}
	}()

	cur := path
	for i, step := range plan.Steps {
		src, err := store.OpenReadOnly(cur, step.Source, store.WithCoders(o.coders), store.WithReadPool(1))
		if err != nil {
			if errors.Is(err, store.ErrModelMismatch) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
		}
		tmp := stagePath(path, i+1)
		staged = append(staged, tmp)

		counts, err := ex.runStep(ctx, src, tmp, step, i+1, i == len(plan.Steps)-1)
		src.Close()
		if err != nil {
			return nil, err
		}
		if cur != path {
			removeStoreFiles(cur)
		}
		cur = tmp
		res.Entities = counts
	}

	// The source was opened read-only throughout, so any sidecars under
	// its name are stale leftovers that must not attach to the new file.
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(path + suffix)
	}
	if err := os.Rename(cur, path); err != nil {
		return nil, fmt.Errorf("%w: swap in migrated store: %v", ErrDestinationWriteFailed, err)
	}
	done = true
	res.Steps = len(plan.Steps)
	res.Duration = time.Since(start)
	return res, nil
}

// stagePath names the staging file for one hop. Staging files live in
// the store's directory so the final rename never crosses filesystems.
func stagePath(path string, step int) string {
	dir, base := filepath.Split(path)
	name := fmt.Sprintf(".%s.%d.%s.migrating", base, step, uuid.Must(uuid.NewV7()).String())
	return filepath.Join(dir, name)
}

// removeStoreFiles removes a database file and its WAL sidecars.
func removeStoreFiles(path string) {
	os.Remove(path)
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(path + suffix)
	}
}

type executor struct {
	origin store.Meta
	opts   execOptions
	total  int
}

func (ex *executor) report(p Progress) error {
	if ex.opts.progress == nil {
		return nil
	}
	if err := ex.opts.progress(p); err != nil {
		return fmt.Errorf("%w at %s -> %s: %w", errAborted, p.From, p.To, err)
	}
	return nil
}

// runStep rebuilds one hop into a fresh staging store and returns the
// per-entity record counts it holds.
func (ex *executor) runStep(ctx context.Context, src *store.Store, dstPath string, step Step, index int, final bool) (map[string]int64, error) {
	dst, err := store.Create(dstPath, step.Target, ex.origin.Configuration,
		store.WithCoders(ex.opts.coders), store.WithReadPool(1))
	if err != nil {
		return nil, fmt.Errorf("%w: create staging store: %v", ErrDestinationWriteFailed, err)
	}
	defer dst.Close()

	if err := ex.report(Progress{Step: index, Total: ex.total, From: step.From, To: step.To}); err != nil {
		return nil, err
	}

	tx, err := dst.BeginWrite(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrDestinationWriteFailed, err)
	}
	defer tx.Rollback()

	counts := make(map[string]int64)
	for _, em := range step.Entities {
		switch em.Kind {
		case MapAdd:
			counts[em.TargetEntity] = 0
		case MapDrop:
			// The entity's rows end here.
		case MapCopy, MapTransform:
			n, err := ex.copyEntity(ctx, src, dst, tx, step, index, em)
			if err != nil {
				return nil, err
			}
			counts[em.TargetEntity] = n
		case MapCustom:
			n, err := ex.customEntity(ctx, src, dst, tx, step, index, em)
			if err != nil {
				return nil, err
			}
			counts[em.TargetEntity] = n
		}
	}

	if err := ex.copyEdges(ctx, src, dst, tx, step); err != nil {
		return nil, err
	}

	if final {
		// The migrated store keeps the identity of the original file.
		m := dst.Meta()
		m.StoreID = ex.origin.StoreID
		m.CreatedAt = ex.origin.CreatedAt
		if err := dst.Restamp(ctx, tx, m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDestinationWriteFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrDestinationWriteFailed, err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("%w: close staging store: %v", ErrDestinationWriteFailed, err)
	}
	return counts, nil
}

// classifyScanErr sorts an error out of a source scan into its class.
// Callback-side failures already carry their sentinel; anything else
// came from reading the source.
func classifyScanErr(err error, entity string) error {
	if errors.Is(err, ErrDestinationWriteFailed) || errors.Is(err, ErrMappingFailed) || errors.Is(err, errAborted) {
		return err
	}
	return fmt.Errorf("%w: scan %s: %v", ErrSourceUnreadable, entity, err)
}

// copyEntity streams one matched entity's records across the hop. Only
// attributes and foreign keys stored on the target's own table travel as
// record fields; every other relationship shape is edge work afterwards.
func (ex *executor) copyEntity(ctx context.Context, src, dst *store.Store, tx *sql.Tx, step Step, index int, em EntityMapping) (int64, error) {
	te, _ := step.Target.Entity(em.TargetEntity)
	fieldable := make([]PropertyMapping, 0, len(em.Properties))
	for _, pm := range em.Properties {
		tp, ok := te.Property(pm.Target)
		if !ok {
			continue
		}
		if tp.Kind == schema.KindRelationship {
			rs, err := store.RelStorageFor(step.Target, te.Name, tp.Name)
			if err != nil || rs.Kind != store.RelColumn {
				continue
			}
		}
		fieldable = append(fieldable, pm)
	}

	var n int64
	err := src.ScanRecords(ctx, src.Read(), em.SourceEntity, func(rec *store.Record) error {
		fields := make(map[string]any, len(fieldable))
		for _, pm := range fieldable {
			var v any
			if pm.Source != "" {
				v = rec.Fields[pm.Source]
			}
			if v == nil {
				v = pm.Fill
			}
			if v != nil {
				fields[pm.Target] = v
			}
		}
		if err := dst.InsertRecordWithKey(ctx, tx, em.TargetEntity, rec.Key, fields); err != nil {
			return fmt.Errorf("%w: %s record %d: %v", ErrDestinationWriteFailed, em.TargetEntity, rec.Key, err)
		}
		n++
		return ex.report(Progress{Step: index, Total: ex.total, From: step.From, To: step.To, Entity: em.TargetEntity, Records: n})
	})
	if err != nil {
		return 0, classifyScanErr(err, em.SourceEntity)
	}
	return n, nil
}

// customEntity streams one entity through its registered transform. A
// nil transform keeps the fields whose names the target still stores.
func (ex *executor) customEntity(ctx context.Context, src, dst *store.Store, tx *sql.Tx, step Step, index int, em EntityMapping) (int64, error) {
	te, _ := step.Target.Entity(em.TargetEntity)

	var n int64
	err := src.ScanRecords(ctx, src.Read(), em.SourceEntity, func(rec *store.Record) error {
		var candidate map[string]any
		if em.Transform == nil {
			candidate = sharedFields(step.Target, te, rec.Fields)
		} else {
			in := make(map[string]any, len(rec.Fields)+1)
			for k, v := range rec.Fields {
				in[k] = v
			}
			in["pk"] = int64(rec.Key)
			out, err := em.Transform(in)
			if err != nil {
				return fmt.Errorf("%w: %s record %d: %v", ErrMappingFailed, em.SourceEntity, rec.Key, err)
			}
			if out == nil {
				return nil
			}
			if _, ok := out["pk"]; ok {
				return fmt.Errorf("%w: %s record %d: transform output must not carry pk", ErrMappingFailed, em.SourceEntity, rec.Key)
			}
			candidate = out
		}

		fields := make(map[string]any, len(candidate))
		for name, v := range candidate {
			if v == nil {
				continue
			}
			tp, ok := te.Property(name)
			if !ok {
				return fmt.Errorf("%w: %s record %d: unknown property %q", ErrMappingFailed, em.SourceEntity, rec.Key, name)
			}
			if tp.Kind == schema.KindRelationship {
				rs, err := store.RelStorageFor(step.Target, te.Name, name)
				if err != nil || rs.Kind != store.RelColumn {
					return fmt.Errorf("%w: %s record %d: %q edges cannot be set by a record transform", ErrMappingFailed, em.SourceEntity, rec.Key, name)
				}
			}
			if _, err := dst.EncodeValue(te, tp, v); err != nil {
				return fmt.Errorf("%w: %s record %d: %v", ErrMappingFailed, em.SourceEntity, rec.Key, err)
			}
			fields[name] = v
		}
		if err := dst.InsertRecordWithKey(ctx, tx, em.TargetEntity, rec.Key, fields); err != nil {
			return fmt.Errorf("%w: %s record %d: %v", ErrDestinationWriteFailed, em.TargetEntity, rec.Key, err)
		}
		n++
		return ex.report(Progress{Step: index, Total: ex.total, From: step.From, To: step.To, Entity: em.TargetEntity, Records: n})
	})
	if err != nil {
		return 0, classifyScanErr(err, em.SourceEntity)
	}
	return n, nil
}

// sharedFields keeps the fields whose names the target entity stores on
// its own table.
func sharedFields(m *schema.Model, te schema.Entity, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		if v == nil {
			continue
		}
		tp, ok := te.Property(name)
		if !ok {
			continue
		}
		if tp.Kind == schema.KindRelationship {
			rs, err := store.RelStorageFor(m, te.Name, name)
			if err != nil || rs.Kind != store.RelColumn {
				continue
			}
		}
		out[name] = v
	}
	return out
}

// sourceRel resolves the source counterpart of a target relationship and
// its storage in the source model. The counterpart must exist, stay a
// relationship and keep its to-many flavor; otherwise there is nothing
// to carry.
func sourceRel(step Step, entMap map[string]string, tEntity, tProp string) (string, string, store.RelStorage, bool) {
	seName, ok := entMap[tEntity]
	if !ok {
		return "", "", store.RelStorage{}, false
	}
	te, ok := step.Target.Entity(tEntity)
	if !ok {
		return "", "", store.RelStorage{}, false
	}
	tp, ok := te.Property(tProp)
	if !ok {
		return "", "", store.RelStorage{}, false
	}
	spName := tp.Name
	if tp.RenamedFrom != "" {
		spName = tp.RenamedFrom
	}
	se, ok := step.Source.Entity(seName)
	if !ok {
		return "", "", store.RelStorage{}, false
	}
	sp, ok := se.Property(spName)
	if !ok || sp.Kind != schema.KindRelationship || sp.ToMany() != tp.ToMany() {
		return "", "", store.RelStorage{}, false
	}
	rs, err := store.RelStorageFor(step.Source, seName, spName)
	if err != nil {
		return "", "", store.RelStorage{}, false
	}
	return seName, spName, rs, true
}

// copyEdges carries relationship edges after every entity's rows are in
// place. Join tables copy once each; inverse-column relationships carry
// their positions; ownership flips rewrite the key onto the new side.
func (ex *executor) copyEdges(ctx context.Context, src, dst *store.Store, tx *sql.Tx, step Step) error {
	entMap := make(map[string]string)
	for _, em := range step.Entities {
		if em.SourceEntity != "" && em.TargetEntity != "" {
			entMap[em.TargetEntity] = em.SourceEntity
		}
	}

	for _, tj := range store.Joins(step.Target) {
		if err := ex.copyJoin(ctx, src, dst, tx, step, entMap, tj); err != nil {
			return err
		}
	}

	for _, te := range step.Target.Concrete() {
		for _, tp := range te.Properties {
			if tp.Kind != schema.KindRelationship {
				continue
			}
			trs, err := store.RelStorageFor(step.Target, te.Name, tp.Name)
			if err != nil {
				return err
			}
			switch {
			case tp.ToMany() && trs.Kind == store.RelInverseColumn:
				if err := ex.carryInverseEdges(ctx, src, dst, tx, step, entMap, te, tp, trs); err != nil {
					return err
				}
			case !tp.ToMany() && trs.Kind == store.RelColumn:
				if err := ex.carryFlippedColumn(ctx, src, dst, tx, step, entMap, te, tp); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// copyJoin fills one target join table from whichever storage held the
// relationship in the source model.
func (ex *executor) copyJoin(ctx context.Context, src, dst *store.Store, tx *sql.Tx, step Step, entMap map[string]string, tj store.JoinSpec) error {
	localSrc := true
	seName, spName, srs, ok := sourceRel(step, entMap, tj.SrcEntity, tj.SrcProp)
	if !ok && tj.DstProp != "" {
		localSrc = false
		seName, spName, srs, ok = sourceRel(step, entMap, tj.DstEntity, tj.DstProp)
	}
	if !ok {
		return nil
	}

	insert := func(local, remote store.Key, localOrd, remoteOrd sql.NullInt64) error {
		var row store.JoinRow
		if localSrc {
			row = store.JoinRow{Src: local, Dst: remote, SrcOrd: localOrd, DstOrd: remoteOrd}
		} else {
			row = store.JoinRow{Src: remote, Dst: local, SrcOrd: remoteOrd, DstOrd: localOrd}
		}
		if !tj.SrcOrdered {
			row.SrcOrd = sql.NullInt64{}
		}
		if !tj.DstOrdered {
			row.DstOrd = sql.NullInt64{}
		}
		if err := dst.InsertJoinRow(ctx, tx, tj, row); err != nil {
			return fmt.Errorf("%w: %v", ErrDestinationWriteFailed, err)
		}
		return nil
	}

	switch srs.Kind {
	case store.RelJoinTable:
		err := src.ScanJoinRows(ctx, src.Read(), srs.Join, func(row store.JoinRow) error {
			local, remote, lOrd, rOrd := row.Src, row.Dst, row.SrcOrd, row.DstOrd
			if srs.LocalCol == "dst_pk" {
				local, remote, lOrd, rOrd = row.Dst, row.Src, row.DstOrd, row.SrcOrd
			}
			return insert(local, remote, lOrd, rOrd)
		})
		if err != nil {
			return classifyScanErr(err, seName)
		}
	case store.RelInverseColumn:
		// The pair grew out of a foreign-key shape into join storage.
		ords := make(map[store.Key]int64)
		if srs.OtherOrd != "" {
			if err := src.ScanRelOrds(ctx, src.Read(), seName, spName, func(k store.Key, ord int64) error {
				ords[k] = ord
				return nil
			}); err != nil {
				return classifyScanErr(err, seName)
			}
		}
		err := src.ScanRecords(ctx, src.Read(), srs.OtherEntity, func(rec *store.Record) error {
			v := rec.Fields[srs.OtherColumn]
			if v == nil {
				return nil
			}
			k, ok := v.(store.Key)
			if !ok {
				return fmt.Errorf("unexpected key type %T for %s.%s", v, srs.OtherEntity, srs.OtherColumn)
			}
			var lOrd sql.NullInt64
			if ord, found := ords[rec.Key]; found {
				lOrd = sql.NullInt64{Int64: ord, Valid: true}
			}
			return insert(k, rec.Key, lOrd, sql.NullInt64{})
		})
		if err != nil {
			return classifyScanErr(err, srs.OtherEntity)
		}
	}
	return nil
}

// carryInverseEdges finishes a target to-many relationship stored as a
// foreign-key column on the destination entity. When the source stored
// it the same way the keys already traveled with the records and only
// positions remain; when the source used a join table the edges collapse
// onto the column, which requires every destination record to appear in
// at most one list.
func (ex *executor) carryInverseEdges(ctx context.Context, src, dst *store.Store, tx *sql.Tx, step Step, entMap map[string]string, te schema.Entity, tp schema.Property, trs store.RelStorage) error {
	seName, spName, srs, ok := sourceRel(step, entMap, te.Name, tp.Name)
	if !ok {
		return nil
	}

	switch srs.Kind {
	case store.RelInverseColumn:
		if trs.OtherOrd == "" || srs.OtherOrd == "" {
			return nil
		}
		err := src.ScanRelOrds(ctx, src.Read(), seName, spName, func(k store.Key, ord int64) error {
			if err := dst.SetRelOrd(ctx, tx, te.Name, tp.Name, k, ord); err != nil {
				return fmt.Errorf("%w: %v", ErrDestinationWriteFailed, err)
			}
			return nil
		})
		if err != nil {
			return classifyScanErr(err, seName)
		}
	case store.RelJoinTable:
		owner := make(map[store.Key]store.Key)
		err := src.ScanJoinRows(ctx, src.Read(), srs.Join, func(row store.JoinRow) error {
			local, remote, localOrd := row.Src, row.Dst, row.SrcOrd
			if srs.LocalCol == "dst_pk" {
				local, remote, localOrd = row.Dst, row.Src, row.DstOrd
			}
			if prev, seen := owner[remote]; seen && prev != local {
				return fmt.Errorf("%w: %s record %d belongs to more than one %s.%s list",
					ErrMappingFailed, trs.OtherEntity, remote, te.Name, tp.Name)
			}
			owner[remote] = local
			if err := dst.UpdateRecord(ctx, tx, trs.OtherEntity, remote, map[string]any{trs.OtherColumn: local}); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return fmt.Errorf("%w: %v", ErrDestinationWriteFailed, err)
			}
			if trs.OtherOrd != "" && localOrd.Valid {
				if err := dst.SetRelOrd(ctx, tx, te.Name, tp.Name, remote, localOrd.Int64); err != nil {
					return fmt.Errorf("%w: %v", ErrDestinationWriteFailed, err)
				}
			}
			return nil
		})
		if err != nil {
			return classifyScanErr(err, seName)
		}
	}
	return nil
}

// carryFlippedColumn finishes a target to-one relationship that owns its
// foreign-key column when the source stored the key on the other side.
func (ex *executor) carryFlippedColumn(ctx context.Context, src, dst *store.Store, tx *sql.Tx, step Step, entMap map[string]string, te schema.Entity, tp schema.Property) error {
	_, _, srs, ok := sourceRel(step, entMap, te.Name, tp.Name)
	if !ok || srs.Kind != store.RelInverseColumn {
		return nil
	}

	err := src.ScanRecords(ctx, src.Read(), srs.OtherEntity, func(rec *store.Record) error {
		v := rec.Fields[srs.OtherColumn]
		if v == nil {
			return nil
		}
		k, ok := v.(store.Key)
		if !ok {
			return fmt.Errorf("unexpected key type %T for %s.%s", v, srs.OtherEntity, srs.OtherColumn)
		}
		if err := dst.UpdateRecord(ctx, tx, te.Name, k, map[string]any{tp.Name: rec.Key}); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrDestinationWriteFailed, err)
		}
		return nil
	})
	if err != nil {
		return classifyScanErr(err, srs.OtherEntity)
	}
	return nil
}
