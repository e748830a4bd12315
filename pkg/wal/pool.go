package wal

import "sync"

// pool.go reduces GC pressure on the WAL's hot append path: every call
// to AppendRecord reuses a pooled byte buffer for the encoded envelope
// instead of allocating a fresh one. The Record pool is available to
// callers through AcquireRecord/ReleaseRecord; AppendRecord itself
// builds a fresh Record.

var (
	recordPool = sync.Pool{
		New: func() interface{} {
			return &Record{
				Payload: make([]byte, 0, 4096),
			}
		},
	}

	bufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, 8192)
			return &buf
		},
	}
)

// AcquireRecord obtains a Record from the pool.
func AcquireRecord() *Record {
	return recordPool.Get().(*Record)
}

// ReleaseRecord returns a Record to the pool.
func ReleaseRecord(r *Record) {
	r.Header = RecordHeader{}
	r.Payload = r.Payload[:0]
	r.Offset = 0
	recordPool.Put(r)
}

// AcquireBuffer obtains a byte buffer from the pool.
func AcquireBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// ReleaseBuffer returns a byte buffer to the pool.
func ReleaseBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufferPool.Put(buf)
}
