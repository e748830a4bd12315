// Package wal implements the write-ahead log: an append-only typed
// record stream framed by the envelope in entry.go. It generalizes the
// teacher's pkg/wal/writer.go (bufio.Writer + os.File, explicit
// Flush/Sync split, background sync ticker) to run atop the Storage
// Backend contract (pkg/backend) instead of touching *os.File directly,
// so the same WAL type works over both file-backed and in-memory
// databases.
package wal

import (
	"sync"
	"time"

	"github.com/tembocs/entidb/pkg/backend"
	engerrors "github.com/tembocs/entidb/pkg/errors"
)

// WAL is a single append-only record stream.
type WAL struct {
	mu      sync.Mutex
	backend backend.Backend
	options Options

	recordCount uint64 // monotonic count of records appended this session
	batchBytes  int64

	ticker *time.Ticker
	done   chan struct{}
	closed bool
}

// Open wires a WAL on top of an already-open Backend.
func Open(b backend.Backend, opts Options) *WAL {
	w := &WAL{
		backend: b,
		options: opts,
		done:    make(chan struct{}),
	}
	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}
	return w
}

// AppendRecord serializes typ/payload into a framed record, appends it,
// and returns the offset it begins at. It increments the in-memory
// record count and applies the configured sync policy.
func (w *WAL) AppendRecord(typ uint8, payload []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := &Record{
		Header: RecordHeader{
			Magic:   WALMagic,
			Version: WALVersion,
			Type:    typ,
			Length:  uint32(len(payload)),
		},
		Payload: payload,
	}

	buf := AcquireBuffer()
	defer ReleaseBuffer(buf)
	*buf = appendRecordBytes(*buf, rec)

	offset, err := w.backend.Append(*buf)
	if err != nil {
		return 0, engerrors.NewIoError("WAL.AppendRecord", err)
	}
	w.recordCount++
	w.batchBytes += int64(len(*buf))

	switch w.options.SyncPolicy {
	case SyncEveryWrite:
		if err := w.syncLocked(); err != nil {
			return offset, err
		}
	case SyncBatch:
		if w.batchBytes >= w.options.SyncBatchBytes {
			if err := w.syncLocked(); err != nil {
				return offset, err
			}
		}
	}
	return offset, nil
}

func appendRecordBytes(buf []byte, rec *Record) []byte {
	var headerBuf [HeaderSize]byte
	rec.Header.Encode(headerBuf[:])
	buf = append(buf, headerBuf[:]...)
	buf = append(buf, rec.Payload...)
	var trailer [TrailerSize]byte
	crc := checksum(rec.Header, rec.Payload)
	trailer[0] = byte(crc)
	trailer[1] = byte(crc >> 8)
	trailer[2] = byte(crc >> 16)
	trailer[3] = byte(crc >> 24)
	buf = append(buf, trailer[:]...)
	return buf
}

// Flush pushes buffered bytes to the OS without guaranteeing durability.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.backend.Flush(); err != nil {
		return engerrors.NewIoError("WAL.Flush", err)
	}
	return nil
}

// Sync forces the backend to stable storage. A transaction is durably
// committed only once this has returned successfully after its COMMIT
// record was appended.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.backend.Sync(); err != nil {
		return engerrors.NewDurabilityError("wal-sync", err)
	}
	w.batchBytes = 0
	return nil
}

// TruncateTo discards everything beyond offset. Used post-checkpoint,
// after the manifest's new checkpoint sequence has itself been made
// durable (checkpoint step ordering is enforced by the caller, not
// here).
func (w *WAL) TruncateTo(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.backend.Truncate(offset); err != nil {
		return engerrors.NewIoError("WAL.TruncateTo", err)
	}
	if err := w.backend.Sync(); err != nil {
		return engerrors.NewDurabilityError("wal-truncate-sync", err)
	}
	return nil
}

// Size reports the current length of the underlying backend.
func (w *WAL) Size() (int64, error) {
	return w.backend.Size()
}

// Iterate returns an Iterator positioned at the start of the log.
func (w *WAL) Iterate() *Iterator {
	return NewIterator(w.backend)
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}
	if err := w.syncLocked(); err != nil {
		w.backend.Close()
		return err
	}
	return w.backend.Close()
}

func (w *WAL) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.Sync()
		case <-w.done:
			return
		}
	}
}
