package manager

import (
	"os"

	"modelwarden/pkg/types"
)

// defaultMemoryMB is assumed when neither a declared size nor a readable
// file says otherwise.
const (
	defaultMemoryMB      = 1024
	defaultContextLength = 4096
)

// Helper: estimate resident memory (MB) from the declared size or the file on disk.
func estimateMemoryMB(d types.ModelDescriptor) int64 {
	size := d.SizeBytes
	if size <= 0 && d.Path != "" {
		fi, err := os.Stat(d.Path)
		if err != nil {
			return defaultMemoryMB
		}
		size = fi.Size()
	}
	if size <= 0 {
		return defaultMemoryMB
	}
	mb := size / (1024 * 1024)
	if mb <= 0 {
		mb = 1
	}
	return mb
}

// normalizeDescriptor validates d and fills defaults.
func normalizeDescriptor(d types.ModelDescriptor) (types.ModelDescriptor, error) {
	if d.ID == "" {
		return d, ErrValidation("model id is required")
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Category == "" {
		d.Category = types.CategoryGeneral
	} else if !d.Category.Valid() {
		return d, ErrValidation("model %s: unknown category %q", d.ID, d.Category)
	}
	if d.Priority == "" {
		d.Priority = types.PriorityMedium
	} else if !d.Priority.Valid() {
		return d, ErrValidation("model %s: unknown priority %q", d.ID, d.Priority)
	}
	if d.MemoryMB < 0 {
		return d, ErrValidation("model %s: negative memory requirement", d.ID)
	}
	if d.MemoryMB == 0 {
		d.MemoryMB = estimateMemoryMB(d)
	}
	if d.ContextLength <= 0 {
		d.ContextLength = defaultContextLength
	}
	d = d.Clone()
	return d, nil
}
