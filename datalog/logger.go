// Package datalog implements shared-timebase binary event logging.
//
// Every source process owns one Logger anchored to a single monotonic
// microsecond timer. The first record written for each source carries the
// absolute UTC onset timestamp; all later records carry elapsed-microsecond
// deltas against that onset. Cross-machine log merging during processing
// relies on this timebase, never on arrival order.
//
// Records are msgpack-encoded and appended to one stream file per source.
// After a session ends, Compact merges each source stream into a
// zstd-compressed archive.
package datalog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/pkg/timestamp"
)

const (
	rawSuffix       = "_log.mpk"
	compactedSuffix = "_log.mpk.zst"
)

// Entry is one logged event. Elapsed is microseconds since the source's
// onset record; the onset record itself has Elapsed == 0 and an 8-byte
// little-endian UTC microsecond timestamp as payload.
type Entry struct {
	Source  uint8  `msgpack:"s"`
	Elapsed int64  `msgpack:"t"`
	Payload []byte `msgpack:"p"`
}

// Logger appends timestamped records for one or more sources into a shared
// log directory.
type Logger struct {
	dir   string
	timer *timestamp.Timer

	mu      sync.Mutex
	files   map[uint8]*os.File
	encs    map[uint8]*msgpack.Encoder
	closed  bool
	written int64
}

// NewLogger creates a logger writing into dir, creating it if necessary.
// All records are timestamped against the supplied timer.
func NewLogger(dir string, timer *timestamp.Timer) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "datalog", "NewLogger", "creating log directory")
	}
	return &Logger{
		dir:   dir,
		timer: timer,
		files: make(map[uint8]*os.File),
		encs:  make(map[uint8]*msgpack.Encoder),
	}, nil
}

// Dir returns the log directory.
func (l *Logger) Dir() string {
	return l.dir
}

func (l *Logger) encoderFor(source uint8) (*msgpack.Encoder, error) {
	if enc, ok := l.encs[source]; ok {
		return enc, nil
	}
	path := filepath.Join(l.dir, SourceFileName(source))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "datalog", "Log", "opening source stream")
	}
	enc := msgpack.NewEncoder(f)
	l.files[source] = f
	l.encs[source] = enc
	return enc, nil
}

// LogOnset writes the onset record for a source: elapsed 0 and the timer's
// absolute UTC microsecond onset as payload. Must be written before any
// other record for that source.
func (l *Logger) LogOnset(source uint8) error {
	onset := make([]byte, 8)
	binary.LittleEndian.PutUint64(onset, uint64(l.timer.Onset()))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.Wrap(os.ErrClosed, "datalog", "LogOnset", "writing onset record")
	}
	enc, err := l.encoderFor(source)
	if err != nil {
		return err
	}
	if err := enc.Encode(Entry{Source: source, Elapsed: 0, Payload: onset}); err != nil {
		return errors.Wrap(err, "datalog", "LogOnset", "encoding onset record")
	}
	l.written++
	return nil
}

// Log appends one payload for a source, stamped with the elapsed
// microseconds since the shared timer's anchor.
func (l *Logger) Log(source uint8, payload []byte) error {
	elapsed := l.timer.ElapsedUs()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.Wrap(os.ErrClosed, "datalog", "Log", "writing record")
	}
	enc, err := l.encoderFor(source)
	if err != nil {
		return err
	}
	if err := enc.Encode(Entry{Source: source, Elapsed: elapsed, Payload: payload}); err != nil {
		return errors.Wrap(err, "datalog", "Log", "encoding record")
	}
	l.written++
	return nil
}

// Written returns the number of records written so far.
func (l *Logger) Written() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Close flushes and closes all source streams. Idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for source, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "datalog", "Close", fmt.Sprintf("closing source %d stream", source))
		}
	}
	l.files = nil
	l.encs = nil
	return firstErr
}

// SourceFileName returns the raw stream file name for a source ID.
func SourceFileName(source uint8) string {
	return fmt.Sprintf("%d%s", source, rawSuffix)
}

// CompactedFileName returns the compacted archive name for a source ID.
func CompactedFileName(source uint8) string {
	return fmt.Sprintf("%d%s", source, compactedSuffix)
}

// decodeEntries reads all msgpack entries from r.
func decodeEntries(r io.Reader) ([]Entry, error) {
	dec := msgpack.NewDecoder(r)
	var entries []Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return entries, nil
			}
			return nil, err
		}
		entries = append(entries, e)
	}
}
