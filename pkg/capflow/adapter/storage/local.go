package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

// LocalStoreType identifies the local file system backend.
const LocalStoreType = "local"

// LocalStoreConfig holds the settings of the local backend.
type LocalStoreConfig struct {
	Type string `yaml:"type"`
	// BaseDir is the root directory all buckets live under.
	BaseDir string `yaml:"base_dir"`
}

// localStore implements ObjectStore on the local file system. A bucket is a
// directory under BaseDir and an object is a file inside it.
type localStore struct {
	cfg LocalStoreConfig
}

var _ ObjectStore = (*localStore)(nil)

// NewLocalStore decodes the store options and prepares the base directory.
func NewLocalStore(raw map[string]interface{}) (ObjectStore, error) {
	var cfg LocalStoreConfig
	if err := decodeStoreConfig(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode local store config: %w", err)
	}
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("local store: base_dir must be specified")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("local store: failed to stat base_dir '%s': %w", cfg.BaseDir, err)
		}
		if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
			return nil, fmt.Errorf("local store: failed to create base_dir '%s': %w", cfg.BaseDir, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("local store: base_dir '%s' is not a directory", cfg.BaseDir)
	}

	return &localStore{cfg: cfg}, nil
}

func (s *localStore) Close() error {
	return nil
}

func (s *localStore) Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error {
	fullPath, err := s.resolvePath(bucket, objectName)
	if err != nil {
		return fmt.Errorf("failed to resolve path for upload: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", fullPath, err)
	}
	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file '%s': %w", fullPath, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, data); err != nil {
		return fmt.Errorf("failed to write data to file '%s': %w", fullPath, err)
	}
	logger.Debugf("Uploaded object '%s' to local store.", fullPath)
	return nil
}

func (s *localStore) Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error) {
	fullPath, err := s.resolvePath(bucket, objectName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path for download: %w", err)
	}
	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file '%s': %w", fullPath, err)
	}
	return file, nil
}

func (s *localStore) ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error {
	basePath, err := s.resolvePath(bucket, "")
	if err != nil {
		return fmt.Errorf("failed to resolve base path for listing: %w", err)
	}

	err = filepath.WalkDir(basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == basePath {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		objectName, err := filepath.Rel(basePath, path)
		if err != nil {
			return fmt.Errorf("failed to relativize '%s': %w", path, err)
		}
		objectName = filepath.ToSlash(objectName)
		if prefix != "" && !strings.HasPrefix(objectName, prefix) {
			return nil
		}
		return fn(objectName)
	})
	if err != nil {
		return fmt.Errorf("failed to list objects in '%s' with prefix '%s': %w", basePath, prefix, err)
	}
	return nil
}

func (s *localStore) DeleteObject(ctx context.Context, bucket, objectName string) error {
	fullPath, err := s.resolvePath(bucket, objectName)
	if err != nil {
		return fmt.Errorf("failed to resolve path for delete: %w", err)
	}
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("Attempted to delete non-existent object '%s'.", fullPath)
			return nil
		}
		return fmt.Errorf("failed to delete file '%s': %w", fullPath, err)
	}
	logger.Debugf("Deleted object '%s' from local store.", fullPath)
	return nil
}

// resolvePath joins BaseDir, bucket and object name, refusing paths that
// would escape the base directory.
func (s *localStore) resolvePath(bucket, objectName string) (string, error) {
	fullPath := filepath.Join(s.cfg.BaseDir, bucket, objectName)

	absBase, err := filepath.Abs(s.cfg.BaseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base_dir '%s': %w", s.cfg.BaseDir, err)
	}
	absFull, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path '%s': %w", fullPath, err)
	}
	if absFull != absBase && !strings.HasPrefix(absFull, absBase+string(os.PathSeparator)) {
		return "", fmt.Errorf("path '%s' escapes base_dir '%s'", fullPath, s.cfg.BaseDir)
	}
	return fullPath, nil
}
