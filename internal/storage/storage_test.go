package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	var r record
	found, err := GetJSON(ctx, s, KeySettings, &r)
	if err != nil {
		t.Fatalf("GetJSON on empty store: %v", err)
	}
	if found {
		t.Fatal("expected missing key")
	}

	if err := SetJSON(ctx, s, KeySettings, record{Name: "a", Count: 1}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	if err := SetJSON(ctx, s, KeySettings, record{Name: "b", Count: 2}); err != nil {
		t.Fatalf("SetJSON overwrite: %v", err)
	}

	found, err = GetJSON(ctx, s, KeySettings, &r)
	if err != nil || !found {
		t.Fatalf("GetJSON after set: found=%v err=%v", found, err)
	}
	if r.Name != "b" || r.Count != 2 {
		t.Errorf("got %+v, want {b 2}", r)
	}
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	exerciseStore(t, s)

	if _, err := os.Stat(filepath.Join(dir, "settings.json")); err != nil {
		t.Errorf("settings.json not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "settings.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestSQLite(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_FailWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("disk full")

	m.FailWrites(boom)
	err := SetJSON(ctx, m, KeyLogs, []int{1})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if v, _ := m.Get(ctx, KeyLogs); v != nil {
		t.Error("failed write must not store a value")
	}

	m.FailWrites(nil)
	if err := SetJSON(ctx, m, KeyLogs, []int{1}); err != nil {
		t.Fatalf("healed write: %v", err)
	}
	if m.SetCalls() != 2 {
		t.Errorf("set calls = %d, want 2", m.SetCalls())
	}
}

func TestRedis(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	s, err := NewRedis(url, "dnsguard-test:")
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}
