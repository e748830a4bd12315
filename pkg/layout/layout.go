// Package layout names the fixed set of files a database directory
// holds, so the manifest, WAL, segment store, lock, and index
// checkpoint writers all agree on where things live without importing
// one another.
package layout

import (
	"fmt"
	"path/filepath"
	"regexp"
)

const (
	// ManifestFileName is the manifest's canonical path, per spec
	// section 6's on-disk layout.
	ManifestFileName = "manifest.db"
	// WALFileName is the single write-ahead log file per database.
	WALFileName = "wal.log"
	// LockFileName is the advisory single-writer lock pkg/lock takes.
	LockFileName = "LOCK"
)

// ManifestPath returns dir's manifest file path.
func ManifestPath(dir string) string { return filepath.Join(dir, ManifestFileName) }

// WALPath returns dir's WAL file path.
func WALPath(dir string) string { return filepath.Join(dir, WALFileName) }

// SegmentPath returns the path of the segment with the given id.
func SegmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("seg-%06d.dat", id))
}

// IndexSnapshotPath returns the path of the persisted snapshot for
// indexID taken at checkpointSeq. The sequence is embedded in the name
// so recovery can tell, without opening the file, whether a snapshot on
// disk matches the manifest's current checkpoint or predates it.
func IndexSnapshotPath(dir string, indexID uint32, checkpointSeq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("idx-%06d-%020d.snap", indexID, checkpointSeq))
}

var segmentIDPattern = regexp.MustCompile(`(\d+)\.dat$`)

// SegmentID extracts the trailing numeric id from a segment file's
// path, or ok=false if path doesn't end in digits followed by ".dat".
func SegmentID(path string) (id uint64, ok bool) {
	sub := segmentIDPattern.FindStringSubmatch(filepath.Base(path))
	if sub == nil {
		return 0, false
	}
	fmt.Sscanf(sub[1], "%d", &id)
	return id, true
}

// SegmentFiles lists every segment file under dir (both normal and
// compacted names share the same trailing-digits-then-.dat shape),
// sorted by the id embedded in the name — the order segments must be
// loaded in so the entity index's latest-wins rebuild sees every
// version in write order.
func SegmentFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "seg-*.dat"))
	if err != nil {
		return nil, err
	}
	type named struct {
		path string
		id   uint64
	}
	entries := make([]named, 0, len(matches))
	for _, m := range matches {
		sub := segmentIDPattern.FindStringSubmatch(filepath.Base(m))
		if sub == nil {
			continue
		}
		var id uint64
		fmt.Sscanf(sub[1], "%d", &id)
		entries = append(entries, named{path: m, id: id})
	}
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && entries[j-1].id > entries[j].id {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}
