// Package storage abstracts the object store that receives exported partition
// archives. Backends are selected by the "type" key of the archive store
// configuration; only a local file system backend ships today, but the
// interface keeps the archive writer independent of where the files land.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/mitchellh/mapstructure"

	"github.com/capflow/capflow/pkg/capflow/core/config"
)

// ObjectStore defines the operations the archive writer needs.
type ObjectStore interface {
	// Upload writes the data stream to bucket/objectName, creating any
	// intermediate structure the backend requires.
	Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error
	// Download opens bucket/objectName for reading. The caller closes the
	// returned stream.
	Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error)
	// ListObjects calls fn for every object under bucket whose name starts
	// with prefix.
	ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error
	// DeleteObject removes bucket/objectName. Deleting a missing object is
	// not an error.
	DeleteObject(ctx context.Context, bucket, objectName string) error
	// Close releases backend resources.
	Close() error
}

// NewObjectStore builds the store selected by the archive configuration.
func NewObjectStore(cfg *config.Config) (ObjectStore, error) {
	var selector struct {
		Type string `yaml:"type"`
	}
	if err := decodeStoreConfig(cfg.Capflow.Archive.Store, &selector); err != nil {
		return nil, fmt.Errorf("failed to read archive store type: %w", err)
	}

	switch selector.Type {
	case "", LocalStoreType:
		return NewLocalStore(cfg.Capflow.Archive.Store)
	default:
		return nil, fmt.Errorf("unsupported archive store type '%s'", selector.Type)
	}
}

// decodeStoreConfig decodes the generic store options map into a typed
// configuration struct, honoring yaml tags.
func decodeStoreConfig(raw map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "yaml",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
