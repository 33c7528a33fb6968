package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"nutrilens"
)

// FileImageStore keeps photos as files under Dir.
type FileImageStore struct {
	Dir string
}

func NewFileImageStore(dir string) *FileImageStore {
	return &FileImageStore{Dir: dir}
}

// Put writes the photo and returns its path.
func (f *FileImageStore) Put(ctx context.Context, key string, img nutrilens.Image) (string, error) {
	path, err := f.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create image dir: %w", err)
	}
	if err := os.WriteFile(path, img.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	return path, nil
}

func (f *FileImageStore) Load(ctx context.Context, key string) (nutrilens.Image, error) {
	path, err := f.path(key)
	if err != nil {
		return nutrilens.Image{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nutrilens.Image{}, err
	}
	return nutrilens.Image{Data: data, MediaType: mediaTypeFromKey(key)}, nil
}

func (f *FileImageStore) path(key string) (string, error) {
	if key == "" || filepath.Base(key) != key {
		return "", fmt.Errorf("invalid image key %q", key)
	}
	return filepath.Join(f.Dir, key), nil
}
