package statedb

import (
	"path/filepath"
	"testing"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGetDelete(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.db")

	var got record
	found, err := Get(db, "bucket", "key", &got)
	if err != nil || found {
		t.Fatalf("missing db: found=%v err=%v", found, err)
	}

	if err = Put(db, "bucket", "key", record{Name: "a", Count: 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	found, err = Get(db, "bucket", "key", &got)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Name != "a" || got.Count != 2 {
		t.Errorf("got = %+v", got)
	}

	if err = Delete(db, "bucket", "key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if found, _ = Get(db, "bucket", "key", &got); found {
		t.Error("deleted key still present")
	}
	if err = Delete(db, "nosuch", "key"); err != nil {
		t.Errorf("deleting from a missing bucket must be a no-op: %v", err)
	}
}

func TestForEach(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.db")
	for _, k := range []string{"a", "b", "c"} {
		if err := Put(db, "bucket", k, record{Name: k}); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]bool{}
	err := ForEach(db, "bucket", func(key string, raw []byte) error {
		seen[key] = true
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(seen) != 3 {
		t.Errorf("seen = %v", seen)
	}

	if err = ForEach(db, "empty", func(string, []byte) error { return nil }); err != nil {
		t.Errorf("missing bucket must iterate nothing without error: %v", err)
	}
}
