// Package metadata maintains Iceberg style table metadata for the parquet
// objects the S3 sink writes, so query engines can discover data files
// without listing the bucket.
package metadata

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one parquet object registered with the table.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot holds minimal information required for time-travel queries.
type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
}

// TableMetadata represents the high level Iceberg table metadata file.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Object is one metadata document to persist next to the data files. Keys
// are relative to the table location.
type Object struct {
	Key  string
	Body []byte
}

// maxSnapshots bounds the snapshot log carried in metadata.json. Older
// manifests stay in place; only the table level log is trimmed.
const maxSnapshots = 512

// Table incrementally builds Iceberg metadata for one table. Snapshot ids
// derive from the data file path, so re-registering a file after a retried
// upload rewrites the same manifest instead of appending a duplicate.
type Table struct {
	mu        sync.Mutex
	location  string
	name      string
	uuid      string
	seen      map[int64]bool
	snapshots []Snapshot
}

// NewTable returns a table rooted at location, e.g. "s3://bucket/prefix".
func NewTable(location, name string) *Table {
	return &Table{
		location: location,
		name:     name,
		uuid:     uuid.NewString(),
		seen:     make(map[int64]bool),
	}
}

// AddFile registers a parquet object and returns the metadata documents to
// write: the manifest for the new snapshot plus the refreshed metadata.json.
// The first registration also returns the catalog entry for the table.
func (t *Table) AddFile(df DataFile) ([]Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first := len(t.snapshots) == 0
	snapID := snapshotID(df.Path)
	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)

	manifest, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	if !t.seen[snapID] {
		t.seen[snapID] = true
		t.snapshots = append(t.snapshots, Snapshot{
			SnapshotID:  snapID,
			TimestampMs: df.Timestamp.UnixMilli(),
			Manifest:    manifestFile,
		})
		if len(t.snapshots) > maxSnapshots {
			for _, old := range t.snapshots[:len(t.snapshots)-maxSnapshots] {
				delete(t.seen, old.SnapshotID)
			}
			t.snapshots = append([]Snapshot(nil), t.snapshots[len(t.snapshots)-maxSnapshots:]...)
		}
	}

	meta, err := t.metadataDoc()
	if err != nil {
		return nil, fmt.Errorf("encode table metadata: %w", err)
	}

	objects := []Object{
		{Key: path.Join("metadata", manifestFile), Body: manifest},
		{Key: path.Join("metadata", "metadata.json"), Body: meta},
	}
	if first {
		entry, err := t.catalogEntry()
		if err != nil {
			return nil, fmt.Errorf("encode catalog entry: %w", err)
		}
		objects = append(objects, entry)
	}
	return objects, nil
}

func (t *Table) metadataDoc() ([]byte, error) {
	tm := TableMetadata{
		FormatVersion:     2,
		TableUUID:         t.uuid,
		Location:          t.location,
		CurrentSnapshotID: t.snapshots[len(t.snapshots)-1].SnapshotID,
		Snapshots:         t.snapshots,
	}
	return json.MarshalIndent(tm, "", "  ")
}

func (t *Table) catalogEntry() (Object, error) {
	entry := map[string]string{
		"name":              t.name,
		"metadata_location": t.location + "/metadata/metadata.json",
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return Object{}, err
	}
	return Object{Key: path.Join("catalog", t.name+".json"), Body: b}, nil
}

// snapshotID hashes the object key into a stable positive id.
func snapshotID(p string) int64 {
	h := fnv.New64a()
	h.Write([]byte(p))
	return int64(h.Sum64() & math.MaxInt64)
}
