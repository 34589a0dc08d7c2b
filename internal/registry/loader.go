// Package registry builds model descriptors from disk and persists registry
// snapshots for the manager (file or LevelDB backed).
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"modelwarden/internal/common/fsutil"
	"modelwarden/pkg/types"
)

// LoadDir scans a directory for *.gguf files and builds descriptors from them.
// The ID is the filename without extension; Path is absolute and SizeBytes
// is the file size. Category is guessed from the filename.
func LoadDir(dir string) ([]types.ModelDescriptor, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.ModelDescriptor
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.EqualFold(filepath.Ext(name), ".gguf") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		models = append(models, types.ModelDescriptor{
			ID:        id,
			Name:      name,
			Path:      filepath.Join(abs, name),
			SizeBytes: info.Size(),
			Category:  guessCategory(id),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func guessCategory(id string) types.Category {
	l := strings.ToLower(id)
	switch {
	case strings.Contains(l, "embed"):
		return types.CategoryEmbedding
	case strings.Contains(l, "llava"), strings.Contains(l, "vision"):
		return types.CategoryVision
	case strings.Contains(l, "code"):
		return types.CategoryCode
	}
	return types.CategoryGeneral
}
