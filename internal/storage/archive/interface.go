// internal/storage/archive/interface.go
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for absolute paths or paths escaping the root.
var ErrInvalidPath = errors.New("archive: invalid path")

// Storage is an object store for archived risk events.
type Storage interface {
	// Write stores data at the given path, replacing any existing object.
	Write(ctx context.Context, path string, data []byte) error

	Read(ctx context.Context, path string) ([]byte, error)

	// List returns all paths under prefix, relative to the storage root.
	List(ctx context.Context, prefix string) ([]string, error)

	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)
}

// Config selects an archive backend.
type Config struct {
	Type string   `mapstructure:"type"`
	Path string   `mapstructure:"path"`
	S3   S3Config `mapstructure:"s3"`
}

// Open builds the backend named by cfg.Type. An empty type disables the archive.
func Open(cfg Config) (Storage, error) {
	switch strings.ToLower(cfg.Type) {
	case "":
		return nil, nil
	case "localfs", "local":
		return NewLocalFS(cfg.Path)
	case "s3":
		return NewS3(cfg.S3)
	}
	return nil, fmt.Errorf("archive: unknown type %q", cfg.Type)
}

func cleanPath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return p, nil
}
