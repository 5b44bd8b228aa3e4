package metadata

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func addFile(t *testing.T, table *Table, key string) []Object {
	t.Helper()
	objects, err := table.AddFile(DataFile{
		Path:        "s3://bucket/market-events/" + key,
		FileSize:    100,
		RecordCount: 10,
		Partition: map[string]any{
			"channel": "BTC-USD-trades",
			"date":    "2026-03-14",
			"hour":    9,
		},
		Timestamp: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	return objects
}

func decodeMetadata(t *testing.T, objects []Object) TableMetadata {
	t.Helper()
	for _, o := range objects {
		if o.Key == "metadata/metadata.json" {
			var tm TableMetadata
			if err := json.Unmarshal(o.Body, &tm); err != nil {
				t.Fatalf("metadata.json does not parse: %v", err)
			}
			return tm
		}
	}
	t.Fatal("no metadata.json in returned objects")
	return TableMetadata{}
}

func TestTableRegistersFiles(t *testing.T) {
	table := NewTable("s3://bucket/market-events", "coinflow_events")

	objects := addFile(t, table, "events/a.parquet")
	if len(objects) != 3 {
		t.Fatalf("first AddFile returned %d objects, want manifest, metadata and catalog entry", len(objects))
	}
	if objects[2].Key != "catalog/coinflow_events.json" {
		t.Errorf("catalog entry key = %s", objects[2].Key)
	}

	objects = addFile(t, table, "events/b.parquet")
	if len(objects) != 2 {
		t.Fatalf("second AddFile returned %d objects, want 2", len(objects))
	}

	tm := decodeMetadata(t, objects)
	if tm.FormatVersion != 2 {
		t.Errorf("format-version = %d", tm.FormatVersion)
	}
	if len(tm.Snapshots) != 2 {
		t.Fatalf("snapshot log has %d entries, want 2", len(tm.Snapshots))
	}
	if tm.CurrentSnapshotID != tm.Snapshots[1].SnapshotID {
		t.Errorf("current-snapshot-id %d does not match latest snapshot %d",
			tm.CurrentSnapshotID, tm.Snapshots[1].SnapshotID)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(objects[0].Body, &entries); err != nil {
		t.Fatalf("manifest does not parse: %v", err)
	}
	if len(entries) != 1 || entries[0].DataFile.RecordCount != 10 {
		t.Errorf("manifest entries = %+v", entries)
	}
}

func TestTableDeduplicatesRetriedFiles(t *testing.T) {
	table := NewTable("s3://bucket/market-events", "coinflow_events")

	addFile(t, table, "events/a.parquet")
	objects := addFile(t, table, "events/a.parquet")

	tm := decodeMetadata(t, objects)
	if len(tm.Snapshots) != 1 {
		t.Fatalf("retried file appended a duplicate snapshot: %d entries", len(tm.Snapshots))
	}
	if objects[0].Key != "metadata/manifest-"+fmt.Sprint(tm.Snapshots[0].SnapshotID)+".json" {
		t.Errorf("retried manifest key = %s", objects[0].Key)
	}
}

func TestTableTrimsSnapshotLog(t *testing.T) {
	table := NewTable("s3://bucket/market-events", "coinflow_events")

	var objects []Object
	for i := 0; i < maxSnapshots+10; i++ {
		objects = addFile(t, table, fmt.Sprintf("events/%d.parquet", i))
	}

	tm := decodeMetadata(t, objects)
	if len(tm.Snapshots) != maxSnapshots {
		t.Fatalf("snapshot log has %d entries, want %d", len(tm.Snapshots), maxSnapshots)
	}
	want := snapshotID(fmt.Sprintf("s3://bucket/market-events/events/%d.parquet", maxSnapshots+9))
	if tm.CurrentSnapshotID != want {
		t.Errorf("current-snapshot-id = %d, want %d", tm.CurrentSnapshotID, want)
	}
}
