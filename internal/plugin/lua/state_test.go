package lua

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestStateSandbox(t *testing.T) {
	s := NewState()
	defer s.Close()

	for _, name := range []string{"io", "os", "debug", "package", "dofile", "loadfile", "load", "loadstring", "require"} {
		if v := s.L.GetGlobal(name); v != lua.LNil {
			t.Errorf("Expected %s to be nil, got %s", name, v.Type())
		}
	}
	for _, name := range []string{"string", "table", "math", "pairs", "pcall"} {
		if v := s.L.GetGlobal(name); v == lua.LNil {
			t.Errorf("Expected %s to be available", name)
		}
	}
	if err := s.DoString(`os.execute("true")`); err == nil {
		t.Error("Expected os access to fail")
	}
}

func TestStatePrint(t *testing.T) {
	var lines []string
	s := NewState(WithPrint(func(line string) { lines = append(lines, line) }))
	defer s.Close()

	if err := s.DoString(`print("a", 1, true)`); err != nil {
		t.Fatalf("DoString: %v", err)
	}
	if len(lines) != 1 || lines[0] != "a\t1\ttrue" {
		t.Errorf("Unexpected print output %q", lines)
	}
}

func TestStateDoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lua")
	if err := os.WriteFile(path, []byte("value = 7"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewState()
	defer s.Close()

	if err := s.DoFile(path); err != nil {
		t.Fatalf("DoFile: %v", err)
	}
	if s.L.GetGlobal("value") != lua.LNumber(7) {
		t.Error("Expected value = 7")
	}
}

func TestStateCallGlobal(t *testing.T) {
	s := NewState()
	defer s.Close()

	err := s.DoString(`
		calls = 0
		function ok() calls = calls + 1 end
		function refuse() return false, "not today" end
		function fails() return nil, "broken" end
		function boom() error("exploded") end
		notfn = 3
	`)
	if err != nil {
		t.Fatalf("DoString: %v", err)
	}

	if err := s.CallGlobal("missing"); err != nil {
		t.Errorf("Expected missing global to be a no-op, got %v", err)
	}
	if err := s.CallGlobal("ok"); err != nil {
		t.Errorf("ok: %v", err)
	}
	if s.L.GetGlobal("calls") != lua.LNumber(1) {
		t.Error("Expected ok to run")
	}
	for name, want := range map[string]string{"refuse": "not today", "fails": "broken", "boom": "exploded", "notfn": "not a function"} {
		err := s.CallGlobal(name)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("%s: expected error containing %q, got %v", name, want, err)
		}
	}
}

func TestStateClose(t *testing.T) {
	s := NewState()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
	if !s.IsClosed() {
		t.Error("Expected closed")
	}
	if err := s.DoString("x = 1"); !errors.Is(err, ErrStateClosed) {
		t.Errorf("Expected ErrStateClosed, got %v", err)
	}
}
