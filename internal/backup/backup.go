// Package backup implements the memory engine's Backup/Restore component
// (C10): create_backup snapshots every tier's store plus its HNSW index to
// a directory tree with a versioned manifest and checksums; restore
// validates the manifest before replaying records and rebuilding indexes.
// Partial corruption aborts the whole restore — no records are applied if
// any checksum fails.
package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/shannon-memory/memengine/internal/errs"
	"github.com/shannon-memory/memengine/internal/hnsw"
	"github.com/shannon-memory/memengine/internal/store"
	"github.com/shannon-memory/memengine/internal/types"
)

const component = "backup"

// ManifestVersion is the on-disk format version. Bumped whenever the
// manifest shape or blob encoding changes in a backward-incompatible way.
const ManifestVersion = 1

// recordBlobName returns the per-layer record blob's filename.
func recordBlobName(layer types.Layer) string { return "records_" + layer.String() + ".gob" }

// indexBlobName returns the per-layer HNSW snapshot's filename.
func indexBlobName(layer types.Layer) string { return "hnsw_" + layer.String() + ".bin" }

// Manifest is the versioned header written alongside a backup's blobs.
type Manifest struct {
	Version         int            `json:"version"`
	Layers          []string       `json:"layers"`
	Checksums       map[string]string `json:"checksums"` // per-layer record blob sha256, hex
	OverallChecksum string         `json:"overall_checksum"`
	CreatedAt       time.Time      `json:"created_at"`
}

const manifestFile = "manifest.json"

// Indexes is the per-tier set of HNSW indexes backed up/restored alongside
// the store.
type Indexes map[types.Layer]*hnsw.Index

// Manager creates and restores backups of a Store and its HNSW indexes.
type Manager struct {
	store   *store.Store
	indexes Indexes
	logger  *zap.Logger
}

// NewManager builds a backup Manager over st and its matching indexes.
func NewManager(st *store.Store, indexes Indexes, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, indexes: indexes, logger: logger}
}

// CreateBackup snapshots every tier's store records plus its HNSW index
// into dir (created if absent), writing a manifest with per-layer and
// overall checksums. dir must not already contain a manifest.
func (m *Manager) CreateBackup(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Infra(component, "create_backup", err)
	}
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err == nil {
		return errs.Conflictf(component, "create_backup", "backup already exists at %s", dir)
	}

	manifest := Manifest{
		Version:   ManifestVersion,
		Layers:    make([]string, 0, len(types.Layers)),
		Checksums: make(map[string]string, len(types.Layers)),
		CreatedAt: time.Now(),
	}

	for _, layer := range types.Layers {
		var records []*types.Record
		if err := m.store.IterLayer(layer, func(r *types.Record) bool {
			records = append(records, r)
			return true
		}); err != nil {
			return errs.Infra(component, "create_backup", err)
		}

		blob, err := encodeRecords(records)
		if err != nil {
			return errs.New(errs.DataCorrupted, component, "create_backup", "encode records failed", err)
		}
		if err := os.WriteFile(filepath.Join(dir, recordBlobName(layer)), blob, 0o644); err != nil {
			return errs.Infra(component, "create_backup", err)
		}

		if idx, ok := m.indexes[layer]; ok && idx != nil {
			idxBlob, err := encodeSnapshot(idx.Snapshot())
			if err != nil {
				return errs.New(errs.DataCorrupted, component, "create_backup", "encode index snapshot failed", err)
			}
			if err := os.WriteFile(filepath.Join(dir, indexBlobName(layer)), idxBlob, 0o644); err != nil {
				return errs.Infra(component, "create_backup", err)
			}
		}

		manifest.Layers = append(manifest.Layers, layer.String())
		manifest.Checksums[layer.String()] = checksum(blob)
	}

	manifest.OverallChecksum = overallChecksum(manifest.Checksums)

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errs.New(errs.DataCorrupted, component, "create_backup", "encode manifest failed", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0o644); err != nil {
		return errs.Infra(component, "create_backup", err)
	}

	m.logger.Info("backup created", zap.String("dir", dir), zap.Int("layers", len(manifest.Layers)))
	return nil
}

// Restore validates dir's manifest and checksums, then — only if every
// checksum passes — replays records into the store and rebuilds the HNSW
// indexes. The store's tiers are expected to be empty; Restore does not
// wipe them itself. access_count resets to 0 on every restored record, per
// the declared restore policy.
func (m *Manager) Restore(dir string) error {
	manifestBytes, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return errs.New(errs.DataCorrupted, component, "restore", "read manifest failed", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return errs.New(errs.DataCorrupted, component, "restore", "decode manifest failed", err)
	}
	if manifest.Version != ManifestVersion {
		return errs.New(errs.DataCorrupted, component, "restore",
			fmt.Sprintf("unsupported manifest version %d, expected %d", manifest.Version, ManifestVersion), nil)
	}

	blobs := make(map[types.Layer][]byte, len(manifest.Layers))
	for _, layerName := range manifest.Layers {
		layer, ok := types.ParseLayer(layerName)
		if !ok {
			return errs.New(errs.DataCorrupted, component, "restore", "unknown layer in manifest: "+layerName, nil)
		}
		blob, err := os.ReadFile(filepath.Join(dir, recordBlobName(layer)))
		if err != nil {
			return errs.New(errs.DataCorrupted, component, "restore", "read record blob failed for "+layerName, err)
		}
		want, ok := manifest.Checksums[layerName]
		if !ok {
			return errs.New(errs.DataCorrupted, component, "restore", "missing checksum for "+layerName, nil)
		}
		if got := checksum(blob); got != want {
			return errs.New(errs.DataCorrupted, component, "restore",
				fmt.Sprintf("checksum mismatch for layer %s: got %s, want %s", layerName, got, want), nil)
		}
		blobs[layer] = blob
	}

	if got := overallChecksum(manifest.Checksums); got != manifest.OverallChecksum {
		return errs.New(errs.DataCorrupted, component, "restore", "overall checksum mismatch", nil)
	}

	// All checksums verified; nothing above this point mutated state. Only
	// now do we apply records, so partial corruption aborts with no writes.
	for layer, blob := range blobs {
		records, err := decodeRecords(blob)
		if err != nil {
			return errs.New(errs.DataCorrupted, component, "restore", "decode records failed for "+layer.String(), err)
		}
		for _, rec := range records {
			rec.AccessCount = 0
			if err := m.store.Insert(rec); err != nil {
				return errs.Infra(component, "restore", err)
			}
		}

		idx, ok := m.indexes[layer]
		if !ok || idx == nil {
			continue
		}
		if err := m.rebuildIndex(idx, dir, layer, records); err != nil {
			return err
		}
	}

	m.logger.Info("backup restored", zap.String("dir", dir), zap.Int("layers", len(manifest.Layers)))
	return nil
}

// rebuildIndex rebuilds idx from its hnsw.bin snapshot when present and
// decodable, falling back to re-adding every restored record's embedding
// otherwise — the snapshot is an optimization, not a requirement.
func (m *Manager) rebuildIndex(idx *hnsw.Index, dir string, layer types.Layer, records []*types.Record) error {
	idxBlob, err := os.ReadFile(filepath.Join(dir, indexBlobName(layer)))
	if err == nil {
		if entries, decErr := decodeSnapshot(idxBlob); decErr == nil {
			for _, e := range entries {
				if addErr := idx.Add(e.ID, e.Vector); addErr != nil {
					return errs.New(errs.DataCorrupted, component, "restore", "rebuild index from snapshot failed", addErr)
				}
			}
			return nil
		}
	}

	for _, rec := range records {
		if addErr := idx.Add(rec.ID, rec.Embedding); addErr != nil {
			return errs.Infra(component, "restore", addErr)
		}
	}
	return nil
}

func encodeRecords(records []*types.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecords(data []byte) ([]*types.Record, error) {
	var records []*types.Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

func encodeSnapshot(entries []hnsw.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) ([]hnsw.Entry, error) {
	var entries []hnsw.Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// overallChecksum hashes the per-layer checksums in a stable, sorted order
// so the overall checksum does not depend on map iteration order.
func overallChecksum(perLayer map[string]string) string {
	layers := make([]string, 0, len(perLayer))
	for l := range perLayer {
		layers = append(layers, l)
	}
	sort.Strings(layers)

	h := sha256.New()
	for _, l := range layers {
		h.Write([]byte(l))
		h.Write([]byte(perLayer[l]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
