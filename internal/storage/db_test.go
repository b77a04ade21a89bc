package storage

import (
	"path/filepath"
	"testing"

	"github.com/mergehawk-dev/mergehawk/internal/tracker"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadMissingProject(t *testing.T) {
	db := openTestDB(t)
	blob, err := db.Load("gitlab-acme/widgets")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if blob != nil {
		t.Errorf("missing project blob = %q, want nil", blob)
	}
}

func TestSaveLoadDelete(t *testing.T) {
	db := openTestDB(t)
	key := "gitlab-acme/widgets"

	if err := db.Save(key, []byte(`{"requests":[]}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	blob, err := db.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(blob) != `{"requests":[]}` {
		t.Errorf("blob = %s", blob)
	}

	// Save overwrites.
	if err := db.Save(key, []byte(`{"requests":[1]}`)); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	blob, _ = db.Load(key)
	if string(blob) != `{"requests":[1]}` {
		t.Errorf("after overwrite blob = %s", blob)
	}

	if err := db.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	blob, _ = db.Load(key)
	if blob != nil {
		t.Errorf("blob after delete = %q", blob)
	}
}

func TestProjectKeys(t *testing.T) {
	db := openTestDB(t)
	for _, key := range []string{"gitlab-b/b", "gitlab-a/a"} {
		if err := db.Save(key, []byte("{}")); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := db.ProjectKeys()
	if err != nil {
		t.Fatalf("ProjectKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "gitlab-a/a" || keys[1] != "gitlab-b/b" {
		t.Errorf("keys = %v", keys)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Save("k", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	db.Close()

	// Re-opening an existing database runs schema + migrations again.
	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	blob, err := db.Load("k")
	if err != nil || blob == nil {
		t.Fatalf("data lost across reopen: blob=%q err=%v", blob, err)
	}
}

// The DB must satisfy the tracker's persistence gateway and work as
// the backing store for a real manager.
func TestManagerOverSQLite(t *testing.T) {
	var _ tracker.Store = (*DB)(nil)

	db := openTestDB(t)
	m := tracker.NewManager(db)

	if _, err := m.RecordAssignment(tracker.RequestInfo{
		Platform: "gitlab", ProjectPath: "acme/widgets", RequestNumber: 7,
	}, tracker.Assignment{Username: "alice"}); err != nil {
		t.Fatalf("RecordAssignment: %v", err)
	}

	m2 := tracker.NewManager(db)
	r, err := m2.Get("gitlab", "acme/widgets", 7)
	if err != nil {
		t.Fatalf("Get through fresh manager: %v", err)
	}
	if r.State != tracker.StatePendingReview {
		t.Errorf("state = %s", r.State)
	}
}
