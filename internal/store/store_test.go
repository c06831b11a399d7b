package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/plugsync/internal/plugin"
)

// openTestDB returns a migrated database in a temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Fatal("Open() with unknown driver should fail")
	}
}

func TestOpen_Memory(t *testing.T) {
	db, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	if n, err := db.Count(context.Background()); err != nil || n != 0 {
		t.Errorf("Count() = (%d, %v), want (0, nil)", n, err)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestPublish_RetiresPrevious(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := &plugin.Record{Name: "jboss", Path: "jboss-1.0.jar", MD5: "a", Version: "1.0", MTime: 10, Content: []byte("one")}
	second := &plugin.Record{Name: "jboss", Path: "jboss-2.0.jar", MD5: "b", Version: "2.0", MTime: 20, Content: []byte("two")}
	if err := db.Publish(ctx, first); err != nil {
		t.Fatalf("Publish(first) failed: %v", err)
	}
	if err := db.Publish(ctx, second); err != nil {
		t.Fatalf("Publish(second) failed: %v", err)
	}

	enabled, err := db.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled() failed: %v", err)
	}
	if len(enabled) != 1 || enabled[0].Version != "2.0" {
		t.Fatalf("ListEnabled() = %v, want only version 2.0", enabled)
	}
	if enabled[0].Content != nil {
		t.Error("ListEnabled() must not load content")
	}

	all, err := db.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(all) != 2 || all[0].Enabled {
		t.Errorf("ListAll() = %v, want disabled 1.0 then enabled 2.0", all)
	}

	got, err := db.Get(ctx, "jboss")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got.Content) != "two" || got.Path != "jboss-2.0.jar" {
		t.Errorf("Get() = %v content=%q", got, got.Content)
	}

	if _, err := db.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestReadContent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	payload := []byte("archive bytes")
	if err := db.Publish(ctx, &plugin.Record{Name: "p", Path: "p.jar", MD5: "x", Content: payload}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	var got []byte
	var declared int64
	err := db.ReadContent(ctx, "p", func(r io.Reader, size int64) error {
		declared = size
		var err error
		got, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		t.Fatalf("ReadContent() failed: %v", err)
	}
	if !bytes.Equal(got, payload) || declared != int64(len(payload)) {
		t.Errorf("ReadContent() = (%q, %d), want (%q, %d)", got, declared, payload, len(payload))
	}

	err = db.ReadContent(ctx, "nope", func(io.Reader, int64) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadContent(nope) err = %v, want ErrNotFound", err)
	}
}

func TestListMissingContent_UploadContent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Publish(ctx, &plugin.Record{Name: "empty", Path: "old.jar", MD5: "m", MTime: 5}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if err := db.Publish(ctx, &plugin.Record{Name: "full", Path: "full.jar", MD5: "f", Content: []byte("x")}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	missing, err := db.ListMissingContent(ctx)
	if err != nil {
		t.Fatalf("ListMissingContent() failed: %v", err)
	}
	if len(missing) != 1 || missing[0].Name != "empty" {
		t.Fatalf("ListMissingContent() = %v, want [empty]", missing)
	}

	// A short reader must fail without touching the row.
	err = db.UploadContent(ctx, "empty", Upload{Path: "new.jar", MD5: "n", MTime: 7, Content: strings.NewReader("abc"), Size: 10})
	if !errors.Is(err, ErrContentSize) {
		t.Fatalf("UploadContent(short) err = %v, want ErrContentSize", err)
	}

	err = db.UploadContent(ctx, "empty", Upload{Path: "new.jar", MD5: PlaceholderMD5, MTime: 0, Content: strings.NewReader("abc"), Size: 3})
	if err != nil {
		t.Fatalf("UploadContent() failed: %v", err)
	}

	got, err := db.Get(ctx, "empty")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got.Content) != "abc" || got.MD5 != PlaceholderMD5 || got.MTime != 0 || got.Path != "new.jar" {
		t.Errorf("after upload got %v content=%q", got, got.Content)
	}

	if err := db.UploadContent(ctx, "ghost", Upload{Content: strings.NewReader(""), Size: 0}); err == nil {
		t.Error("UploadContent(ghost) should fail when no row matches")
	}
}

func TestDisable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Publish(ctx, &plugin.Record{Name: "p", Path: "p.jar", MD5: "x"}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	changed, err := db.Disable(ctx, "p")
	if err != nil || !changed {
		t.Fatalf("Disable() = (%v, %v), want (true, nil)", changed, err)
	}
	changed, err = db.Disable(ctx, "p")
	if err != nil || changed {
		t.Errorf("second Disable() = (%v, %v), want (false, nil)", changed, err)
	}

	enabled, err := db.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled() failed: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("ListEnabled() = %v, want none", enabled)
	}
}
