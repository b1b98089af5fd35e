// Package document is the seam through which domain objects pull in
// external payloads by locator. The engine never dials the network
// itself; callers supply a Loader for whatever scheme their locators
// use.
package document

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Loader retrieves the raw bytes behind a locator
type Loader interface {
	Load(ctx context.Context, locator string) ([]byte, error)
}

// FileLoader resolves locators as paths relative to a root directory
type FileLoader struct {
	// Root is the directory locators are resolved against
	Root string
}

var _ Loader = (*FileLoader)(nil)

// Load reads the file at the locator's path under the root. Locators
// escaping the root are rejected.
func (loader *FileLoader) Load(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(loader.Root, filepath.Clean("/"+locator))

	data, err := os.ReadFile(path)

	if err != nil {
		return nil, fmt.Errorf("could not load document %q: %s", locator, err)
	}

	return data, nil
}
