package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterAndGet(t *testing.T) {
	reg := New()

	res := Resource{
		Name:       "assignments",
		Endpoint:   "/api/assignments",
		CacheStale: 5 * time.Minute,
		Priority:   "high",
	}
	if err := reg.Register(res); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := reg.Get("assignments")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Endpoint != "/api/assignments" {
		t.Errorf("Endpoint = %q, want /api/assignments", got.Endpoint)
	}
	if got.TableName() != "res_assignments" {
		t.Errorf("TableName = %q, want res_assignments", got.TableName())
	}
	if got.ItemEndpoint("42") != "/api/assignments/42" {
		t.Errorf("ItemEndpoint = %q", got.ItemEndpoint("42"))
	}
}

func TestGetUnknownResource(t *testing.T) {
	reg := New()
	_, err := reg.Get("nope")
	if !errors.Is(err, ErrUnknownResource) {
		t.Errorf("expected ErrUnknownResource, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := New()
	res := Resource{Name: "grades", Endpoint: "/api/grades", Priority: "medium"}
	if err := reg.Register(res); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := reg.Register(res); err == nil {
		t.Error("expected error registering duplicate resource")
	}
}

func TestValidateRejectsBadResources(t *testing.T) {
	tests := []struct {
		name string
		res  Resource
	}{
		{"empty name", Resource{Endpoint: "/api/x", Priority: "low"}},
		{"bad name chars", Resource{Name: "Bad-Name", Endpoint: "/api/x", Priority: "low"}},
		{"missing endpoint", Resource{Name: "ok", Priority: "low"}},
		{"bad priority", Resource{Name: "ok", Endpoint: "/api/x", Priority: "urgent"}},
		{"negative staleness", Resource{Name: "ok", Endpoint: "/api/x", Priority: "low", CacheStale: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.res.Validate(); err == nil {
				t.Errorf("Validate accepted invalid resource %+v", tt.res)
			}
		})
	}
}

func TestAllSorted(t *testing.T) {
	reg := New()
	for _, name := range []string{"grades", "assignments", "students"} {
		err := reg.Register(Resource{Name: name, Endpoint: "/api/" + name, Priority: "medium"})
		if err != nil {
			t.Fatalf("Register %s failed: %v", name, err)
		}
	}

	all := reg.All()
	want := []string{"assignments", "grades", "students"}
	if len(all) != len(want) {
		t.Fatalf("All returned %d resources, want %d", len(all), len(want))
	}
	for i, name := range want {
		if all[i].Name != name {
			t.Errorf("All[%d].Name = %q, want %q", i, all[i].Name, name)
		}
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resources.yaml")
	doc := `resources:
  - name: assignments
    endpoint: /api/assignments
    cache_stale: 5m
    priority: high
  - name: grades
    endpoint: /api/grades
    cache_stale: 1h
    priority: critical
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reg.Len())
	}

	grades, err := reg.Get("grades")
	if err != nil {
		t.Fatalf("Get grades failed: %v", err)
	}
	if grades.CacheStale != time.Hour {
		t.Errorf("CacheStale = %v, want 1h", grades.CacheStale)
	}
	if grades.Priority != "critical" {
		t.Errorf("Priority = %q, want critical", grades.Priority)
	}
}

func TestLoadRejectsInvalidEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resources.yaml")
	doc := `resources:
  - name: ok
    endpoint: /api/ok
    priority: low
  - name: BAD NAME
    endpoint: /api/bad
    priority: low
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected Load to reject invalid resource entry")
	}
}
