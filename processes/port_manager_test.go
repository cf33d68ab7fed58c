package processes

import (
	"errors"
	"strings"
	"testing"

	"github.com/tomyedwab/etes/internal/apperr"
)

func newStubPortManager(t *testing.T, min, max int, busy map[int]bool) *PortManager {
	t.Helper()
	pm, err := NewPortManager(min, max)
	if err != nil {
		t.Fatalf("NewPortManager returned error: %v", err)
	}
	pm.probeFree = func(port int) bool { return !busy[port] }
	return pm
}

func TestNewPortManagerInvalidRange(t *testing.T) {
	for _, r := range [][2]int{{0, 10}, {10, 5}, {-1, -1}, {100, 70000}} {
		if _, err := NewPortManager(r[0], r[1]); err == nil {
			t.Errorf("Expected error for range %v", r)
		}
	}
}

func TestAllocatePortRoundRobin(t *testing.T) {
	pm := newStubPortManager(t, 100, 102, nil)

	var got []int
	for i := 0; i < 3; i++ {
		port, err := pm.AllocatePort()
		if err != nil {
			t.Fatalf("AllocatePort returned error: %v", err)
		}
		got = append(got, port)
	}
	if got[0] != 100 || got[1] != 101 || got[2] != 102 {
		t.Errorf("Expected ports 100,101,102, got %v", got)
	}

	_, err := pm.AllocatePort()
	if !errors.Is(err, apperr.ErrResourceExhausted) {
		t.Fatalf("Expected ErrResourceExhausted, got %v", err)
	}

	// A released port is reused only once the cursor comes around again.
	pm.ReleasePort(100)
	pm.ReleasePort(102)
	port, err := pm.AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort returned error: %v", err)
	}
	if port != 100 {
		t.Errorf("Expected wraparound to port 100, got %d", port)
	}
	port, _ = pm.AllocatePort()
	if port != 102 {
		t.Errorf("Expected port 102 after skipping allocated 101, got %d", port)
	}
	if pm.Allocated() != 3 {
		t.Errorf("Expected 3 allocated ports, got %d", pm.Allocated())
	}
}

func TestAllocatePortSkipsBusyPorts(t *testing.T) {
	pm := newStubPortManager(t, 200, 203, map[int]bool{200: true, 201: true})
	port, err := pm.AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort returned error: %v", err)
	}
	if port != 202 {
		t.Errorf("Expected first free port 202, got %d", port)
	}
}

func TestAllocatePortAllBusy(t *testing.T) {
	pm := newStubPortManager(t, 300, 301, map[int]bool{300: true, 301: true})
	if _, err := pm.AllocatePort(); !errors.Is(err, apperr.ErrResourceExhausted) {
		t.Fatalf("Expected ErrResourceExhausted, got %v", err)
	}
}

func TestRouteTable(t *testing.T) {
	rt := NewRouteTable()
	rt.Set("Blue-Whale", Route{ServiceID: "a", Port: 10001})

	r, ok := rt.Lookup("blue-whale")
	if !ok || r.Port != 10001 {
		t.Fatalf("Expected case-insensitive lookup, got %+v %v", r, ok)
	}
	if rt.Remove("blue-whale", "other-id") {
		t.Error("Remove with a stale service id must not delete the route")
	}
	if !rt.Remove("blue-whale", "a") {
		t.Error("Expected Remove to delete the route")
	}
	if rt.Len() != 0 {
		t.Errorf("Expected empty table, got %d", rt.Len())
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"red-fox-01", "red-fox-01", true},
		{"Red-Fox", "red-fox", true},
		{"", "", false},
		{"-leading", "-leading", false},
		{"trailing-", "trailing-", false},
		{"under_score", "under_score", false},
		{"a.b", "a.b", false},
		{strings.Repeat("DEADBEEF", 5), strings.Repeat("deadbeef", 5), false},
		{strings.Repeat("deadbeef", 5) + "0", strings.Repeat("deadbeef", 5) + "0", true},
	}
	for _, tt := range tests {
		got, ok := NormalizeName(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeName(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNameGenerator(t *testing.T) {
	g := NewNameGenerator([]string{"Amber", "brave", "cedar", "amber", "bad word"})
	for i := 0; i < 20; i++ {
		name := g.Generate()
		if _, ok := NormalizeName(name); !ok {
			t.Fatalf("Generated invalid name %q", name)
		}
		parts := map[string]bool{}
		for _, p := range splitDash(name) {
			parts[p] = true
		}
		if len(parts) != 3 {
			t.Fatalf("Expected three distinct words in %q", name)
		}
	}

	short := NewNameGenerator([]string{"one"})
	if _, ok := NormalizeName(short.Generate()); !ok {
		t.Error("Fallback name must be valid")
	}
}

func splitDash(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
