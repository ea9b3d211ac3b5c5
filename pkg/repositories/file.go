package repositories

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cbodonnell/theyr/pkg/tree"
)

// FileRepository stores the tree as a plain JSON document.
type FileRepository struct {
	path string
}

func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

func (r *FileRepository) Close(ctx context.Context) error {
	return nil
}

func (r *FileRepository) Load(ctx context.Context) (tree.Value, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tree.Value{}, &ErrNotFound{}
		}
		return tree.Value{}, fmt.Errorf("failed to read %s: %v", r.path, err)
	}
	return decodeDocument(b)
}

// Save writes to a temporary file and renames it over the document so a
// crash never leaves a partial write behind.
func (r *FileRepository) Save(ctx context.Context, root tree.Value) error {
	b, err := root.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %v", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".theyr-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %v", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("failed to replace %s: %v", r.path, err)
	}
	return nil
}
