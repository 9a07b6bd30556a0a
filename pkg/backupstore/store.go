package backupstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/cuemby/durability-core/pkg/core"
	"github.com/cuemby/durability-core/pkg/types"
)

// DefaultCompressionThreshold is the logical payload size, in bytes, at or
// above which Store compresses a record's payload on write.
const DefaultCompressionThreshold = 1024

// Store is the durability core's on-disk backup record store.
type Store struct {
	root                 string
	compressionThreshold int64
}

// New creates a Store rooted at root. A non-positive threshold falls back
// to DefaultCompressionThreshold.
func New(root string, compressionThreshold int64) *Store {
	if compressionThreshold <= 0 {
		compressionThreshold = DefaultCompressionThreshold
	}
	return &Store{root: root, compressionThreshold: compressionThreshold}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Put serializes record, compressing its payload if it reaches the
// configured threshold, and atomically writes it to
// <root>/<session_id>/<id>.json. record.OnDiskPath is set on success.
func (s *Store) Put(record *types.BackupRecord) error {
	dir := filepath.Join(s.root, record.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("backupstore: %w: mkdir %s: %v", core.ErrIO, dir, err)
	}

	envelope, err := s.encode(record)
	if err != nil {
		return fmt.Errorf("backupstore: %w: encode %s: %v", core.ErrIO, record.ID, err)
	}

	raw, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("backupstore: %w: marshal %s: %v", core.ErrIO, record.ID, err)
	}

	path := filepath.Join(dir, record.ID+".json")
	tmp, err := os.CreateTemp(dir, ".tmp-"+record.ID+"-*")
	if err != nil {
		return fmt.Errorf("backupstore: %w: tempfile: %v", core.ErrIO, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("backupstore: %w: write %s: %v", core.ErrIO, path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("backupstore: %w: sync %s: %v", core.ErrIO, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("backupstore: %w: close %s: %v", core.ErrIO, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("backupstore: %w: rename %s: %v", core.ErrIO, path, err)
	}

	record.Metadata = envelope.Metadata
	record.OnDiskPath = path
	return nil
}

// GetByID loads one record by session and id.
func (s *Store) GetByID(sessionID, id string) (*types.BackupRecord, error) {
	path := filepath.Join(s.root, sessionID, id+".json")
	return s.readFile(path)
}

// ListSession returns every record under a session directory, sorted by
// timestamp ascending (ties broken by id, per spec.md §3).
func (s *Store) ListSession(sessionID string) ([]*types.BackupRecord, error) {
	dir := filepath.Join(s.root, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backupstore: %w: readdir %s: %v", core.ErrIO, dir, err)
	}

	var records []*types.BackupRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		rec, err := s.readFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID < records[j].ID
		}
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

// ScanResult is one file found by Scan, successfully parsed or not.
type ScanResult struct {
	Path          string
	SessionID     string
	ID            string
	SizeBytes     int64
	Record        *types.BackupRecord
	ChecksumValid bool
	Err           error
}

// Scan walks every session directory under root and returns one
// ScanResult per .json file, including files that fail to parse — callers
// (the health monitor, the recovery planner) classify those rather than
// have them silently dropped.
func (s *Store) Scan() ([]ScanResult, error) {
	var results []ScanResult
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		info, statErr := d.Info()
		var size int64
		if statErr == nil {
			size = info.Size()
		}
		sessionID := filepath.Base(filepath.Dir(path))
		id := trimJSONExt(filepath.Base(path))

		rec, readErr := s.readFile(path)
		result := ScanResult{Path: path, SessionID: sessionID, ID: id, SizeBytes: size}
		if readErr != nil {
			result.Err = readErr
		} else {
			result.Record = rec
			result.ChecksumValid = s.Verify(rec)
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backupstore: %w: scan %s: %v", core.ErrIO, s.root, err)
	}
	return results, nil
}

func trimJSONExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// Delete removes one record's on-disk file.
func (s *Store) Delete(sessionID, id string) error {
	path := filepath.Join(s.root, sessionID, id+".json")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backupstore: %w: %s", core.ErrNotFound, path)
		}
		return fmt.Errorf("backupstore: %w: delete %s: %v", core.ErrIO, path, err)
	}
	return nil
}

// Verify re-derives record's payload checksum from its in-memory (already
// decompressed) Changes and reports whether it matches PayloadChecksum.
func (s *Store) Verify(record *types.BackupRecord) bool {
	sum, err := ChecksumChanges(record.Changes)
	if err != nil {
		return false
	}
	return sum == record.PayloadChecksum
}

// ChecksumChanges computes the SHA-256 hex digest (spec.md §6: lowercase,
// 64 chars) over the canonical JSON serialization of a record's changes.
// Both the incremental engine (at write time) and Verify (at read time)
// use this so payload_checksum always means the same thing.
func ChecksumChanges(changes []types.ChangeEntry) (string, error) {
	raw, err := json.Marshal(changes)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// envelope mirrors the on-disk JSON shape, where Changes is either the
// array form (uncompressed) or a base64 string (compressed incremental).
type envelope struct {
	ID              string               `json:"id"`
	SessionID       string               `json:"session_id"`
	ParentID        *string              `json:"parent_id"`
	Timestamp       interface{}          `json:"timestamp"`
	Kind            types.BackupKind     `json:"kind"`
	Changes         json.RawMessage      `json:"changes"`
	Metadata        types.BackupMetadata `json:"metadata"`
	PayloadChecksum string               `json:"payload_checksum"`
}

func (s *Store) encode(record *types.BackupRecord) (*envelope, error) {
	meta := record.Metadata
	env := &envelope{
		ID:              record.ID,
		SessionID:       record.SessionID,
		ParentID:        record.ParentID,
		Timestamp:       record.Timestamp.Format(rfc3339Nano),
		Kind:            record.Kind,
		PayloadChecksum: record.PayloadChecksum,
	}

	if record.Kind == types.BackupKindBaseline && len(record.Changes) == 1 && record.Changes[0].Path == types.BaselineChangeField {
		raw, originalSize, compressed, compressedSize, err := s.maybeCompress(record.Changes[0].NewValue)
		if err != nil {
			return nil, err
		}
		entry := map[string]any{"kind": record.Changes[0].Kind, "path": record.Changes[0].Path}
		if compressed {
			entry["new_value"] = base64.StdEncoding.EncodeToString(raw)
		} else {
			entry["new_value"] = record.Changes[0].NewValue
		}
		arr, err := json.Marshal([]map[string]any{entry})
		if err != nil {
			return nil, err
		}
		env.Changes = arr
		meta.Compressed = compressed
		meta.OriginalSize = originalSize
		if compressed {
			cs := compressedSize
			meta.CompressedSize = &cs
		} else {
			meta.CompressedSize = nil
		}
		env.Metadata = meta
		return env, nil
	}

	logical, err := json.Marshal(record.Changes)
	if err != nil {
		return nil, err
	}
	originalSize := int64(len(logical))
	if originalSize >= s.compressionThreshold {
		compressed, err := gzipBytes(logical)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
		if err != nil {
			return nil, err
		}
		env.Changes = encoded
		meta.Compressed = true
		meta.OriginalSize = originalSize
		cs := int64(len(compressed))
		meta.CompressedSize = &cs
	} else {
		env.Changes = logical
		meta.Compressed = false
		meta.OriginalSize = originalSize
		meta.CompressedSize = nil
	}
	env.Metadata = meta
	return env, nil
}

// maybeCompress serializes value and, if it reaches the store's
// threshold, gzips it. It returns the bytes to store (raw JSON or raw
// gzip, never base64-encoded — callers encode), whether compression was
// applied, the original JSON size, and the compressed size.
func (s *Store) maybeCompress(value any) (payload []byte, originalSize int64, compressed bool, compressedSize int64, err error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, 0, false, 0, err
	}
	originalSize = int64(len(raw))
	if originalSize < s.compressionThreshold {
		return raw, originalSize, false, 0, nil
	}
	gz, err := gzipBytes(raw)
	if err != nil {
		return nil, 0, false, 0, err
	}
	return gz, originalSize, true, int64(len(gz)), nil
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(raw []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const rfc3339Nano = time.RFC3339Nano

func (s *Store) readFile(path string) (*types.BackupRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backupstore: %w: %s", core.ErrNotFound, path)
		}
		return nil, fmt.Errorf("backupstore: %w: read %s: %v", core.ErrIO, path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("backupstore: %w: parse %s: %v", core.ErrCorrupt, path, err)
	}

	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("backupstore: %w: timestamp %s: %v", core.ErrCorrupt, path, err)
	}

	record := &types.BackupRecord{
		ID:              env.ID,
		SessionID:       env.SessionID,
		ParentID:        env.ParentID,
		Timestamp:       ts,
		Kind:            env.Kind,
		Metadata:        env.Metadata,
		PayloadChecksum: env.PayloadChecksum,
		OnDiskPath:      path,
	}

	changes, err := decodeChanges(env)
	if err != nil {
		return nil, fmt.Errorf("backupstore: %w: changes %s: %v", core.ErrCorrupt, path, err)
	}
	record.Changes = changes
	return record, nil
}

func decodeChanges(env envelope) ([]types.ChangeEntry, error) {
	return DecodeChangesField(env.Kind, env.Metadata.Compressed, env.Changes)
}

// DecodeChangesField decodes a record's on-disk "changes" field back into
// its logical []types.ChangeEntry form, honoring the compression flag the
// same way Put encoded it. Exported so callers outside this package (the
// health monitor's checksum verification) can recover the exact slice
// ChecksumChanges would have hashed at write time, instead of hashing the
// raw field bytes, which differ from the compact form whenever the
// envelope was pretty-printed or the field was compressed.
func DecodeChangesField(kind types.BackupKind, compressed bool, raw json.RawMessage) ([]types.ChangeEntry, error) {
	if kind == types.BackupKindBaseline {
		var arr []struct {
			Kind     types.ChangeKind `json:"kind"`
			Path     string           `json:"path"`
			NewValue json.RawMessage  `json:"new_value"`
		}
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, err
		}
		if len(arr) != 1 {
			return nil, fmt.Errorf("baseline record must hold exactly one change entry, got %d", len(arr))
		}
		entry := arr[0]
		var value any
		if compressed {
			var b64 string
			if err := json.Unmarshal(entry.NewValue, &b64); err != nil {
				return nil, err
			}
			gz, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return nil, err
			}
			decompressed, err := gunzipBytes(gz)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(decompressed, &value); err != nil {
				return nil, err
			}
		} else {
			if err := json.Unmarshal(entry.NewValue, &value); err != nil {
				return nil, err
			}
		}
		return []types.ChangeEntry{{Kind: entry.Kind, Path: entry.Path, NewValue: value}}, nil
	}

	logical := []byte(raw)
	if compressed {
		var b64 string
		if err := json.Unmarshal(raw, &b64); err != nil {
			return nil, err
		}
		gz, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, err
		}
		decompressed, err := gunzipBytes(gz)
		if err != nil {
			return nil, err
		}
		logical = decompressed
	}

	var entries []types.ChangeEntry
	if err := json.Unmarshal(logical, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseTimestamp(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp field is not a string")
	}
	return time.Parse(rfc3339Nano, s)
}
