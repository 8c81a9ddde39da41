// Package store persists crawler caches: the chain directory, harvested logs,
// harvest checkpoints and per-root graphs.
//
// Values are JSON envelopes carrying a schema version so caches written by an
// incompatible build read as misses instead of garbage.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SchemaVersion is written into every envelope.
const SchemaVersion = 1

// ErrSchemaVersion is returned by Get when the stored envelope was written with
// a different schema version.
var ErrSchemaVersion = errors.New("cache schema version mismatch")

// Store is a key/value cache of JSON-encodable values. Keys are slash separated
// paths such as "logs/<digest>".
type Store interface {
	// Get decodes the value stored under key into v. It reports false when the
	// key does not exist.
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
	Delete(key string) error
	Close() error
}

type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return json.MarshalIndent(envelope{SchemaVersion: SchemaVersion, Data: data}, "", "  ")
}

func decode(raw []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrSchemaVersion, env.SchemaVersion, SchemaVersion)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// Key helpers keep the layout in one place.

func LogsKey(digest string) string    { return "logs/" + digest }
func PartialKey(digest string) string { return "partial/" + digest }
func GraphKey(name string) string     { return "graph/" + name }

// CheckpointKey holds the in-progress harvest of one address set, so that
// harvesting another set never clobbers it.
func CheckpointKey(digest string) string { return "checkpoint/" + digest }

const DirectoryKey = "chainlog"
