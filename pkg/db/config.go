package db

import "time"

// ScanPolicy governs what a full-collection scan (one with no usable
// index seek) does, per spec section 6's configuration surface.
type ScanPolicy int

const (
	ScanAllow ScanPolicy = iota
	ScanWarn
	ScanForbid
)

// Config mirrors the teacher's wal.Options/wal.DefaultOptions shape:
// one plain struct with a constructor supplying every default, field
// tags for a future config-file/CLI binding, validated once on Open.
type Config struct {
	// MaxSegmentBytes is the rotation threshold for the active segment.
	MaxSegmentBytes int64 `json:"max_segment_bytes"`
	// SyncOnCommit fsyncs the WAL before a commit returns. Disabling it
	// weakens durability to "last fsync" in exchange for coalescing
	// commits; entidb does not yet implement the coalescing side of
	// that tradeoff, so SyncOnCommit=false is accepted but currently
	// behaves identically to true (see DESIGN.md).
	SyncOnCommit bool `json:"sync_on_commit"`
	// CreateIfMissing creates dir on Open if no manifest exists there
	// yet. recovery.Open itself always bootstraps an empty directory;
	// Open enforces this flag by stat'ing dir for a manifest file first
	// and returning InvalidArgumentError before calling recovery.Open
	// at all when one is absent and CreateIfMissing is false.
	CreateIfMissing bool `json:"create_if_missing"`
	// TombstoneRetentionSequences is the compaction horizon: a
	// Compact() call with no explicit threshold drops tombstones older
	// than VisibleSequence - TombstoneRetentionSequences.
	TombstoneRetentionSequences uint64 `json:"tombstone_retention_sequences"`
	// ScanPolicy governs full-collection scans; entidb currently only
	// logs a warning for ScanWarn and refuses for ScanForbid (see
	// Handle.Scan).
	ScanPolicy ScanPolicy `json:"scan_policy"`
	// Reporter optionally sends a fatal-fault event to Sentry when the
	// handle transitions to NEEDS_RECOVERY. Zero value disables it.
	Reporter ReporterConfig `json:"-"`
	// ReporterFlushTimeout bounds how long a fatal-fault report may block the
	// failing call. Zero means reporter.DefaultFlushTimeout.
	ReporterFlushTimeout time.Duration `json:"-"`
}

// ReporterConfig mirrors the DSN and Environment fields of
// pkg/reporter's Config, so callers configuring a Handle don't need a
// second import; Open builds the reporter's Config from it together
// with ReporterFlushTimeout.
type ReporterConfig struct {
	DSN         string
	Environment string
}

// DefaultConfig returns a sensible starting point for a new Handle:
// the default segment rotation size, durability and creation on, no
// tombstone retention horizon, full scans always allowed. Open does
// not apply this implicitly; callers who want it call it explicitly
// and override individual fields from there.
func DefaultConfig() Config {
	return Config{
		MaxSegmentBytes:             64 << 20,
		SyncOnCommit:                true,
		CreateIfMissing:             true,
		TombstoneRetentionSequences: 0,
		ScanPolicy:                  ScanAllow,
	}
}
