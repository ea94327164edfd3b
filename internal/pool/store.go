package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/sjson"
)

// providerKey is the object key legacy pool files use when the accounts sit
// under a provider-type map instead of a bare array.
const providerKey = "kiro"

// fileShape records which of the two on-disk layouts was read, so saves
// preserve it. New files are written as a bare array.
type fileShape int

const (
	shapeArray fileShape = iota
	shapeObject
)

// loadAccounts reads the pool file, accepting both the bare-array and the
// legacy object-keyed shape. A missing file yields an empty pool.
func loadAccounts(path string) ([]*Account, fileShape, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, shapeArray, nil
	}
	if err != nil {
		return nil, shapeArray, fmt.Errorf("pool: read %s: %w", path, err)
	}

	var accounts []*Account
	if err := json.Unmarshal(data, &accounts); err == nil {
		return accounts, shapeArray, nil
	}

	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, shapeArray, fmt.Errorf("pool: decode %s: %w", path, err)
	}
	if raw, ok := keyed[providerKey]; ok {
		if err := json.Unmarshal(raw, &accounts); err != nil {
			return nil, shapeObject, fmt.Errorf("pool: decode %s slot %q: %w", path, providerKey, err)
		}
	}
	return accounts, shapeObject, nil
}

// saveAccounts writes the pool atomically in the shape it was read with.
// Object-shaped files get only their provider slot overwritten so entries
// for other providers survive.
func saveAccounts(path string, accounts []*Account, shape fileShape) error {
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("pool: encode: %w", err)
	}
	if shape == shapeObject {
		doc := []byte("{}")
		if existing, rerr := os.ReadFile(path); rerr == nil && len(existing) > 0 {
			doc = existing
		}
		data, err = sjson.SetRawBytesOptions(doc, providerKey, data, &sjson.Options{Optimistic: true})
		if err != nil {
			return fmt.Errorf("pool: overwrite slot %q: %w", providerKey, err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pool: ensure dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pool-*.tmp")
	if err != nil {
		return fmt.Errorf("pool: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pool: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pool: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pool: rename: %w", err)
	}
	return nil
}
