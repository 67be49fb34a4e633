package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Set("agent_uuid", "agent-1"); err != nil {
		t.Fatal(err)
	}

	if err := s.Set("password", "secret"); err != nil {
		t.Fatal(err)
	}

	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	var agentID string

	if err := reloaded.Get("agent_uuid", &agentID); err != nil {
		t.Fatal(err)
	}

	if agentID != "agent-1" {
		t.Fatalf("agent_uuid = %q, want %q", agentID, "agent-1")
	}
}

func TestGetMissingKey(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	var dest string
	if err := s.Get("missing", &dest); !os.IsNotExist(err) {
		t.Fatalf("Get(missing) error = %v, want os.ErrNotExist", err)
	}
}

func TestDeleteAndKeys(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	_ = s.Set("a", 1)
	_ = s.Set("b", 2)
	s.Delete("a")

	keys := s.Keys()
	if len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("Keys() = %v, want [b]", keys)
	}
}

func TestLoadMissingFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatal(err)
	}

	var dest string
	if err := s.Get("x", &dest); !os.IsNotExist(err) {
		t.Fatalf("Get on fresh store error = %v, want os.ErrNotExist", err)
	}
}
