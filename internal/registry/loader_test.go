package registry

import (
	"os"
	"path/filepath"
	"testing"

	"modelwarden/pkg/types"
)

func TestLoadDir_FiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	files := map[string]int{
		"tiny.gguf":        10,
		"nomic-embed.GGUF": 20, // case-insensitive
		"not-model.txt":    1,
		"model.bin":        1,
	}
	for f, n := range files {
		if err := os.WriteFile(filepath.Join(dir, f), make([]byte, n), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.gguf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d: %+v", len(models), models)
	}
	emb, tiny := models[0], models[1]
	if emb.ID != "nomic-embed" || emb.Category != types.CategoryEmbedding || emb.SizeBytes != 20 {
		t.Fatalf("unexpected embedding descriptor: %+v", emb)
	}
	if tiny.ID != "tiny" || tiny.Name != "tiny.gguf" || tiny.Category != types.CategoryGeneral {
		t.Fatalf("unexpected descriptor: %+v", tiny)
	}
	if !filepath.IsAbs(tiny.Path) {
		t.Fatalf("path not absolute: %s", tiny.Path)
	}
}

func TestLoadDir_ExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, "models"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "models", "x.gguf"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	models, err := LoadDir("~/models")
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "x" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestLoadDir_MissingDir(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}

func TestGuessCategory(t *testing.T) {
	cases := map[string]types.Category{
		"llava-1.5":        types.CategoryVision,
		"deepseek-coder":   types.CategoryCode,
		"bge-embed-small":  types.CategoryEmbedding,
		"mistral-7b-q4_km": types.CategoryGeneral,
	}
	for id, want := range cases {
		if got := guessCategory(id); got != want {
			t.Fatalf("%s: got %s want %s", id, got, want)
		}
	}
}
