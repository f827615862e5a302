package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"testing"
	"time"
)

const scenarioJSON = `{
  // comments are allowed
  "version": "1",
  "services": [
    {"id": "auth", "name": "Auth", "category": "core", "port": 8007, "dependsOn": []},
    {"id": "command-center", "name": "Command Center", "category": "core", "port": 8002, "dependsOn": ["auth"]},
    {"id": "recipes", "name": "Recipes", "category": "optional", "port": 8001, "dependsOn": ["auth"], "profile": "recipes"},
    {"id": "ocr", "name": "OCR", "category": "optional", "port": 5009},
  ],
  "infrastructure": [
    {"id": "postgres", "name": "PostgreSQL", "image": "postgres:16", "port": 5432, "volumes": ["pgdata"]}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openScenario(t *testing.T) *Store {
	t.Helper()
	s, err := Open(writeFile(t, "registry.json", scenarioJSON))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLoadJSONWithComments(t *testing.T) {
	t.Parallel()
	s := openScenario(t)

	doc := s.Registry()
	if doc.Version != "1" {
		t.Errorf("version = %q", doc.Version)
	}
	if len(doc.Services) != 4 {
		t.Fatalf("services = %d, want 4", len(doc.Services))
	}
	if len(doc.Infrastructure) != 1 || doc.Infrastructure[0].ID != "postgres" {
		t.Errorf("infrastructure = %+v", doc.Infrastructure)
	}
	// Missing dependsOn normalizes to empty, not nil
	ocr, _ := s.ServiceByID("ocr")
	if ocr.DependsOn == nil {
		t.Error("ocr.DependsOn should be empty slice")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "registry.yaml", `version: "2"
services:
  - id: tts
    name: Text to Speech
    category: optional
    port: 8009
    dependsOn: [auth]
    profile: voice
`)
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	svc, ok := s.ServiceByID("tts")
	if !ok {
		t.Fatal("tts not found")
	}
	if svc.DeploymentProfile() != "voice" {
		t.Errorf("profile = %q, want voice", svc.DeploymentProfile())
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed json", "r.json", `{"services": [`},
		{"malformed yaml", "r.yaml", "services: [\n  - id: a\n    name: [unclosed"},
		{"duplicate id", "r.json", `{"services":[{"id":"a"},{"id":"a"}]}`},
		{"missing id", "r.json", `{"services":[{"name":"nameless"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeFile(t, tt.file, tt.content))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ParseError", err)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		var pe *ParseError
		if !errors.As(err, &pe) || !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestCategoryFilters(t *testing.T) {
	t.Parallel()
	s := openScenario(t)

	var optional, core []string
	for _, svc := range s.OptionalServices() {
		optional = append(optional, svc.ID)
	}
	for _, svc := range s.CoreServices() {
		core = append(core, svc.ID)
	}
	if !slices.Equal(optional, []string{"recipes", "ocr"}) {
		t.Errorf("optional = %v", optional)
	}
	if !slices.Equal(core, []string{"auth", "command-center"}) {
		t.Errorf("core = %v", core)
	}
}

func TestDependencies(t *testing.T) {
	t.Parallel()
	s := openScenario(t)

	if got := s.Dependencies("recipes"); !slices.Equal(got, []string{"auth"}) {
		t.Errorf("Dependencies(recipes) = %v", got)
	}
	if got := s.Dependencies("unknown"); got == nil || len(got) != 0 {
		t.Errorf("Dependencies(unknown) = %#v, want empty", got)
	}
}

func TestDependentsMatchesDefinition(t *testing.T) {
	t.Parallel()
	s := openScenario(t)

	got := s.Dependents("auth")
	sort.Strings(got)
	if !slices.Equal(got, []string{"command-center", "recipes"}) {
		t.Errorf("Dependents(auth) = %v", got)
	}

	// Exhaustive check: Dependents(id) == {s.id | id ∈ s.dependsOn}
	for _, target := range s.Registry().Services {
		var want []string
		for _, svc := range s.Registry().Services {
			if slices.Contains(svc.DependsOn, target.ID) {
				want = append(want, svc.ID)
			}
		}
		got := s.Dependents(target.ID)
		if len(got) != len(want) || (len(want) > 0 && !slices.Equal(got, want)) {
			t.Errorf("Dependents(%s) = %v, want %v", target.ID, got, want)
		}
	}
}

func TestDependentsWithCycle(t *testing.T) {
	t.Parallel()
	s, err := Open(writeFile(t, "cycle.json", `{"services":[
		{"id":"a","dependsOn":["b"]},
		{"id":"b","dependsOn":["a"]}
	]}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Dependents("a"); !slices.Equal(got, []string{"b"}) {
		t.Errorf("Dependents(a) = %v", got)
	}
}

func TestReloadSwapsAndKeepsOldOnError(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "registry.json", scenarioJSON)
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	before := s.Registry()

	if err := os.WriteFile(path, []byte(`{"version":"3","services":[{"id":"solo","category":"optional"}]}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	if s.Registry().Version != "3" || len(s.Registry().Services) != 1 {
		t.Errorf("after reload: %+v", s.Registry())
	}
	// The old snapshot is untouched
	if len(before.Services) != 4 {
		t.Errorf("previous snapshot mutated: %d services", len(before.Services))
	}

	if err := os.WriteFile(path, []byte(`{broken`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if s.Registry().Version != "3" {
		t.Errorf("failed reload replaced document: %+v", s.Registry())
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "registry.json", scenarioJSON)
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan error, 4)
	if err := s.Watch(ctx, func(err error) { reloaded <- err }); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`{"version":"watched","services":[]}`), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
	if s.Registry().Version != "watched" {
		t.Errorf("version = %q", s.Registry().Version)
	}
}
