package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// testDB runs the shared test suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		if err := db.Put([]byte("key1"), []byte("value1")); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
		val, err := db.Get([]byte("key1"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("value1")) {
			t.Errorf("Get() = %q, want %q", val, "value1")
		}
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		_, err := db.Get([]byte("nonexistent"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() missing key error = %v, want ErrNotFound", err)
		}
	})

	t.Run("Has", func(t *testing.T) {
		db.Put([]byte("exists"), []byte("yes"))

		ok, err := db.Has([]byte("exists"))
		if err != nil || !ok {
			t.Errorf("Has(exists) = %v, %v", ok, err)
		}
		ok, err = db.Has([]byte("missing"))
		if err != nil || ok {
			t.Errorf("Has(missing) = %v, %v", ok, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		db.Put([]byte("del"), []byte("value"))
		if err := db.Delete([]byte("del")); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if ok, _ := db.Has([]byte("del")); ok {
			t.Error("key should be gone after Delete()")
		}
		if err := db.Delete([]byte("never-existed")); err != nil {
			t.Errorf("Delete() nonexistent key error: %v", err)
		}
	})

	t.Run("ValueIsCopied", func(t *testing.T) {
		v := []byte("abc")
		db.Put([]byte("copy"), v)
		v[0] = 'x'
		got, _ := db.Get([]byte("copy"))
		if string(got) != "abc" {
			t.Errorf("Get() = %q, want abc", got)
		}
	})

	t.Run("ForEachOrdered", func(t *testing.T) {
		for _, k := range []string{"p/c", "p/a", "q/x", "p/b"} {
			db.Put([]byte(k), []byte(k))
		}

		var keys []string
		err := db.ForEach([]byte("p/"), func(key, value []byte) error {
			keys = append(keys, string(key))
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if fmt.Sprint(keys) != "[p/a p/b p/c]" {
			t.Errorf("ForEach(p/) keys = %v, want [p/a p/b p/c]", keys)
		}
	})

	t.Run("ForEachStop", func(t *testing.T) {
		stop := errors.New("stop")
		var count int
		err := db.ForEach([]byte("p/"), func(key, value []byte) error {
			count++
			return stop
		})
		if !errors.Is(err, stop) || count != 1 {
			t.Errorf("ForEach() = %v after %d calls, want stop after 1", err, count)
		}
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestOpen_BadgerStartsEmpty(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(BackendBadger, dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	db1.Put([]byte("stale"), []byte("data"))
	db1.Close()

	db2, err := Open(BackendBadger, dir)
	if err != nil {
		t.Fatalf("Open() reopen error: %v", err)
	}
	defer db2.Close()

	if ok, _ := db2.Has([]byte("stale")); ok {
		t.Error("data from a previous run survived Open()")
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("leveldb", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestMemoryDB_Concurrent(t *testing.T) {
	db := NewMemory()
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := []byte(fmt.Sprintf("w%d/%03d", w, i))
				db.Put(key, key)
				db.ForEach([]byte(fmt.Sprintf("w%d/", w)), func(k, v []byte) error { return nil })
			}
		}()
	}
	wg.Wait()

	n, err := NewPrefixDB(db, []byte("w")).Count(nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 800 {
		t.Errorf("Count() = %d, want 800", n)
	}
}
