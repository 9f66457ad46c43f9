package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mkerrow/strata/schema"
)

func beginWrite(t *testing.T, s *Store) *sql.Tx {
	t.Helper()
	tx, err := s.BeginWrite(context.Background())
	if err != nil {
		t.Fatalf("BeginWrite() failed: %v", err)
	}
	t.Cleanup(func() { tx.Rollback() })
	return tx
}

func commit(t *testing.T, tx *sql.Tx) {
	t.Helper()
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

func TestInsertGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	owner, err := s.InsertRecord(ctx, tx, "Person", map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("InsertRecord(Person) failed: %v", err)
	}

	born := time.Date(2020, 5, 4, 12, 30, 0, 500, time.UTC)
	key, err := s.InsertRecord(ctx, tx, "Dog", map[string]any{
		"species":    "husky",
		"nickname":   "ziggy",
		"born":       born,
		"weight":     23.5,
		"vaccinated": true,
		"tags":       []any{"sled", "snow"},
		"photo":      []byte{0xde, 0xad, 0xbe, 0xef},
		"master":     owner,
	})
	if err != nil {
		t.Fatalf("InsertRecord(Dog) failed: %v", err)
	}
	commit(t, tx)

	rec, err := s.GetRecord(ctx, s.Read(), "Dog", key)
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if rec.Key != key {
		t.Errorf("Key = %d, want %d", rec.Key, key)
	}
	if got := rec.Fields["species"]; got != "husky" {
		t.Errorf("species = %v, want husky", got)
	}
	if got := rec.Fields["nickname"]; got != "ziggy" {
		t.Errorf("nickname = %v, want ziggy", got)
	}
	if got := rec.Fields["born"].(time.Time); !got.Equal(born) {
		t.Errorf("born = %v, want %v", got, born)
	}
	if got := rec.Fields["weight"]; got != 23.5 {
		t.Errorf("weight = %v, want 23.5", got)
	}
	if got := rec.Fields["vaccinated"]; got != true {
		t.Errorf("vaccinated = %v, want true", got)
	}
	tags, ok := rec.Fields["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "sled" || tags[1] != "snow" {
		t.Errorf("tags = %v, want [sled snow]", rec.Fields["tags"])
	}
	if got := rec.Fields["photo"].([]byte); !bytes.Equal(got, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("photo = %x, want deadbeef", got)
	}
	if got := rec.Fields["master"]; got != owner {
		t.Errorf("master = %v, want %v", got, owner)
	}
}

func TestInsert_AppliesDefault(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	key, err := s.InsertRecord(ctx, tx, "Dog", map[string]any{"species": "corgi"})
	if err != nil {
		t.Fatalf("InsertRecord() failed: %v", err)
	}
	commit(t, tx)

	rec, err := s.GetRecord(ctx, s.Read(), "Dog", key)
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if got := rec.Fields["vaccinated"]; got != false {
		t.Errorf("vaccinated = %v, want default false", got)
	}
	if got := rec.Fields["nickname"]; got != nil {
		t.Errorf("nickname = %v, want nil", got)
	}
}

func TestInsert_RequiredFieldMissing(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	// species is required with no default.
	if _, err := s.InsertRecord(ctx, tx, "Dog", map[string]any{"nickname": "rex"}); err == nil {
		t.Error("InsertRecord() without required species succeeded, want error")
	}
}

func TestInsert_UnknownProperty(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	_, err := s.InsertRecord(ctx, tx, "Dog", map[string]any{"specie": "typo"})
	if err == nil || !strings.Contains(err.Error(), `unknown property "specie"`) {
		t.Errorf("InsertRecord() = %v, want unknown property error", err)
	}
}

func TestInsert_ToManyFieldRejected(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	_, err := s.InsertRecord(ctx, tx, "Person", map[string]any{
		"name": "ada",
		"pet":  []Key{1, 2},
	})
	if err == nil || !strings.Contains(err.Error(), "Relate") {
		t.Errorf("InsertRecord() = %v, want to-many rejection naming Relate", err)
	}
}

func TestInsertRecordWithKey_PreservesKey(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	if err := s.InsertRecordWithKey(ctx, tx, "Person", 42, map[string]any{"name": "ada"}); err != nil {
		t.Fatalf("InsertRecordWithKey() failed: %v", err)
	}
	commit(t, tx)

	rec, err := s.GetRecord(ctx, s.Read(), "Person", 42)
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if rec.Key != 42 {
		t.Errorf("Key = %d, want 42", rec.Key)
	}
}

func TestUpdate_ChangesRow(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	key, err := s.InsertRecord(ctx, tx, "Dog", map[string]any{"species": "lab", "nickname": "old"})
	if err != nil {
		t.Fatalf("InsertRecord() failed: %v", err)
	}
	if err := s.UpdateRecord(ctx, tx, "Dog", key, map[string]any{"nickname": "new"}); err != nil {
		t.Fatalf("UpdateRecord() failed: %v", err)
	}
	commit(t, tx)

	rec, err := s.GetRecord(ctx, s.Read(), "Dog", key)
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if got := rec.Fields["nickname"]; got != "new" {
		t.Errorf("nickname = %v, want new", got)
	}
}

func TestUpdate_MissingRow(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	err := s.UpdateRecord(ctx, tx, "Dog", 999, map[string]any{"nickname": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRecord() = %v, want ErrNotFound", err)
	}
}

func TestDelete_RemovesRow(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	key, err := s.InsertRecord(ctx, tx, "Dog", map[string]any{"species": "lab"})
	if err != nil {
		t.Fatalf("InsertRecord() failed: %v", err)
	}
	if err := s.DeleteRecord(ctx, tx, "Dog", key); err != nil {
		t.Fatalf("DeleteRecord() failed: %v", err)
	}
	commit(t, tx)

	if _, err := s.GetRecord(ctx, s.Read(), "Dog", key); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord() after delete = %v, want ErrNotFound", err)
	}
}

func TestDelete_MissingRow(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	if err := s.DeleteRecord(ctx, tx, "Dog", 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRecord() = %v, want ErrNotFound", err)
	}
}

func TestScanRecords_KeyOrder(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	for _, species := range []string{"akita", "beagle", "corgi"} {
		if _, err := s.InsertRecord(ctx, tx, "Dog", map[string]any{"species": species}); err != nil {
			t.Fatalf("InsertRecord() failed: %v", err)
		}
	}
	commit(t, tx)

	var keys []Key
	err := s.ScanRecords(ctx, s.Read(), "Dog", func(rec *Record) error {
		keys = append(keys, rec.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanRecords() failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("scanned %d records, want 3", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			t.Errorf("keys out of order: %v", keys)
		}
	}
}

func TestScanRecords_CallbackError(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)
	if _, err := s.InsertRecord(ctx, tx, "Dog", map[string]any{"species": "lab"}); err != nil {
		t.Fatalf("InsertRecord() failed: %v", err)
	}
	commit(t, tx)

	boom := errors.New("boom")
	err := s.ScanRecords(ctx, s.Read(), "Dog", func(*Record) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("ScanRecords() = %v, want callback error", err)
	}
}

func TestFetchRecords_FilterOrderLimit(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	rows := []map[string]any{
		{"species": "husky", "nickname": "zoe"},
		{"species": "husky", "nickname": "ace"},
		{"species": "poodle", "nickname": "mo"},
	}
	for _, r := range rows {
		if _, err := s.InsertRecord(ctx, tx, "Dog", r); err != nil {
			t.Fatalf("InsertRecord() failed: %v", err)
		}
	}
	commit(t, tx)

	recs, err := s.FetchRecords(ctx, s.Read(), FetchSpec{
		Entity:  "Dog",
		Where:   `"species" = ?`,
		Args:    []any{"husky"},
		OrderBy: `"nickname" ASC`,
	})
	if err != nil {
		t.Fatalf("FetchRecords() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("fetched %d records, want 2", len(recs))
	}
	if recs[0].Fields["nickname"] != "ace" || recs[1].Fields["nickname"] != "zoe" {
		t.Errorf("order = [%v %v], want [ace zoe]", recs[0].Fields["nickname"], recs[1].Fields["nickname"])
	}

	limited, err := s.FetchRecords(ctx, s.Read(), FetchSpec{
		Entity:  "Dog",
		OrderBy: `"nickname" ASC`,
		Limit:   1,
		Offset:  1,
	})
	if err != nil {
		t.Fatalf("FetchRecords() with limit failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Fields["nickname"] != "mo" {
		t.Errorf("limit/offset fetch = %v, want [mo]", limited)
	}
}

func TestCountRecords(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)
	for i := 0; i < 5; i++ {
		if _, err := s.InsertRecord(ctx, tx, "Dog", map[string]any{"species": "lab"}); err != nil {
			t.Fatalf("InsertRecord() failed: %v", err)
		}
	}
	commit(t, tx)

	n, err := s.CountRecords(ctx, s.Read(), "Dog")
	if err != nil {
		t.Fatalf("CountRecords() failed: %v", err)
	}
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
}

func TestUniqueConstraint_Enforced(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tx := beginWrite(t, s)

	if _, err := s.InsertRecord(ctx, tx, "Person", map[string]any{"name": "ada"}); err != nil {
		t.Fatalf("first InsertRecord() failed: %v", err)
	}
	if _, err := s.InsertRecord(ctx, tx, "Person", map[string]any{"name": "ada"}); err == nil {
		t.Error("duplicate unique value accepted, want error")
	}
}

func TestEncodeValue_RelationshipInputs(t *testing.T) {
	s := createTestStore(t)
	e, _ := s.Model().Entity("Dog")
	p, _ := e.Property("master")

	for _, v := range []any{Key(7), int64(7), 7} {
		got, err := s.EncodeValue(e, p, v)
		if err != nil {
			t.Errorf("EncodeValue(%T) failed: %v", v, err)
		}
		if got != int64(7) {
			t.Errorf("EncodeValue(%T) = %v, want int64 7", v, got)
		}
	}
	if got, err := s.EncodeValue(e, p, nil); err != nil || got != nil {
		t.Errorf("EncodeValue(nil) = (%v, %v), want (nil, nil)", got, err)
	}
	if _, err := s.EncodeValue(e, p, "seven"); err == nil {
		t.Error("EncodeValue(string) succeeded, want error")
	}
}

// Join-row tests use a many-to-many model.

func articleTagStore(t *testing.T) *Store {
	t.Helper()
	article := schema.Entity{
		Name: "Article",
		Properties: []schema.Property{
			schema.Attr("title", schema.TypeString),
			schema.Rel("tags", "Tag", schema.ToManyOrdered, schema.Inverse("articles")),
		},
	}
	tag := schema.Entity{
		Name: "Tag",
		Properties: []schema.Property{
			schema.Attr("label", schema.TypeString),
			schema.Rel("articles", "Article", schema.ToManyUnordered, schema.Inverse("tags")),
		},
	}
	m, err := schema.New("V1", article, tag)
	if err != nil {
		t.Fatalf("schema.New() failed: %v", err)
	}
	s, err := Create(filepath.Join(t.TempDir(), "m2m.db"), m, "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJoinRows_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := articleTagStore(t)
	j := Joins(s.Model())[0]
	tx := beginWrite(t, s)

	art, err := s.InsertRecord(ctx, tx, "Article", map[string]any{"title": "go"})
	if err != nil {
		t.Fatalf("InsertRecord(Article) failed: %v", err)
	}
	var tagKeys []Key
	for _, label := range []string{"lang", "tools"} {
		k, err := s.InsertRecord(ctx, tx, "Tag", map[string]any{"label": label})
		if err != nil {
			t.Fatalf("InsertRecord(Tag) failed: %v", err)
		}
		tagKeys = append(tagKeys, k)
	}
	for i, tk := range tagKeys {
		row := JoinRow{Src: art, Dst: tk, SrcOrd: sql.NullInt64{Int64: int64(i), Valid: true}}
		if err := s.InsertJoinRow(ctx, tx, j, row); err != nil {
			t.Fatalf("InsertJoinRow() failed: %v", err)
		}
	}
	commit(t, tx)

	var got []JoinRow
	err = s.ScanJoinRows(ctx, s.Read(), j, func(row JoinRow) error {
		got = append(got, row)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanJoinRows() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("scanned %d rows, want 2", len(got))
	}
	for i, row := range got {
		if row.Src != art || row.Dst != tagKeys[i] {
			t.Errorf("row %d = %+v, want src %d dst %d", i, row, art, tagKeys[i])
		}
		if !row.SrcOrd.Valid || row.SrcOrd.Int64 != int64(i) {
			t.Errorf("row %d ord = %+v, want %d", i, row.SrcOrd, i)
		}
	}

	tx2 := beginWrite(t, s)
	removed, err := s.DeleteJoinRow(ctx, tx2, j, art, tagKeys[0])
	if err != nil {
		t.Fatalf("DeleteJoinRow() failed: %v", err)
	}
	if !removed {
		t.Error("DeleteJoinRow() removed nothing, want one edge")
	}
	removed, err = s.DeleteJoinRow(ctx, tx2, j, art, tagKeys[0])
	if err != nil {
		t.Fatalf("second DeleteJoinRow() failed: %v", err)
	}
	if removed {
		t.Error("second DeleteJoinRow() removed an edge, want none")
	}
	commit(t, tx2)
}

func TestJoinRows_DuplicateEdgeRejected(t *testing.T) {
	ctx := context.Background()
	s := articleTagStore(t)
	j := Joins(s.Model())[0]
	tx := beginWrite(t, s)

	art, err := s.InsertRecord(ctx, tx, "Article", map[string]any{"title": "go"})
	if err != nil {
		t.Fatal(err)
	}
	tag, err := s.InsertRecord(ctx, tx, "Tag", map[string]any{"label": "lang"})
	if err != nil {
		t.Fatal(err)
	}
	row := JoinRow{Src: art, Dst: tag}
	if err := s.InsertJoinRow(ctx, tx, j, row); err != nil {
		t.Fatalf("InsertJoinRow() failed: %v", err)
	}
	if err := s.InsertJoinRow(ctx, tx, j, row); err == nil {
		t.Error("duplicate edge accepted, want primary key violation")
	}
}
