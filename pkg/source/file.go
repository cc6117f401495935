// Package source provides the boundary adapters to the external audit
// process: reading the snapshot it produces and turning its activity into
// change notifications. Audit data is never computed here.
package source

import (
	"context"
	"fmt"
	"os"
)

// FileSource reads the audit report JSON the external auditor writes to
// disk. The file is re-read on every load so the broadcaster always sees
// the latest content.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Load returns the raw snapshot payload.
func (f *FileSource) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading audit report %s: %w", f.path, err)
	}
	return data, nil
}

// Path returns the watched report location.
func (f *FileSource) Path() string { return f.path }
