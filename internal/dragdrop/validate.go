package dragdrop

import (
	"errors"
	"fmt"
	"strings"

	"github.com/winrun-dev/winrun/internal/protocol"
)

var (
	ErrNoFiles       = errors.New("drag operation carries no files")
	ErrEmptyPath     = errors.New("file has an empty host path")
	ErrPathTraversal = errors.New("path contains a traversal component")
)

// Limits bound a single drag operation.
type Limits struct {
	PerFileLimit int64
	TotalLimit   int64
}

// ValidatePaths rejects drags that are empty, traverse outside their
// target, or exceed the size limits. Pure: no filesystem access.
func ValidatePaths(files []protocol.DragFile, limits Limits) error {
	if len(files) == 0 {
		return ErrNoFiles
	}

	var total int64
	for _, f := range files {
		if f.HostPath == "" {
			return ErrEmptyPath
		}
		if containsTraversal(f.HostPath) || containsTraversal(f.GuestPath) {
			return fmt.Errorf("%w: %q", ErrPathTraversal, f.HostPath)
		}
		if f.FileSize > limits.PerFileLimit {
			return fmt.Errorf("file %q is %d bytes, limit %d", f.HostPath, f.FileSize, limits.PerFileLimit)
		}
		total += f.FileSize
	}
	if total > limits.TotalLimit {
		return fmt.Errorf("drag totals %d bytes, limit %d", total, limits.TotalLimit)
	}
	return nil
}

// containsTraversal reports whether any path segment is "..", for either
// separator convention.
func containsTraversal(path string) bool {
	if path == "" {
		return false
	}
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	}) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// sanitizeFilename makes a host-supplied name safe as a single path
// component: separators become underscores, control characters are
// dropped, trailing dots and spaces are trimmed, and the result is
// truncated to 255 characters.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune('_')
		case r < 0x20 || r == 0x7F:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimRight(b.String(), ". ")
	if r := []rune(out); len(r) > 255 {
		out = string(r[:255])
	}
	if out == "" {
		out = "file"
	}
	return out
}
