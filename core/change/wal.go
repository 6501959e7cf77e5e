package change

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrLogClosed  = errors.New("change journal is closed")
	ErrNoSegments = errors.New("no journal segments found")
)

// SyncMode controls when appended records reach stable storage.
type SyncMode int

const (
	SyncEveryWrite SyncMode = iota
	SyncBatched
)

// LogConfig configures the change journal.
type LogConfig struct {
	Dir            string
	MaxSegmentSize int64
	SyncMode       SyncMode
	SyncInterval   time.Duration
}

// DefaultLogConfig returns the journal defaults: 4 MiB segments under
// dir, batched syncs at 100ms.
func DefaultLogConfig(dir string) LogConfig {
	return LogConfig{
		Dir:            dir,
		MaxSegmentSize: 4 * 1024 * 1024,
		SyncMode:       SyncBatched,
		SyncInterval:   100 * time.Millisecond,
	}
}

// Log is the durable change journal: an append-only sequence of records
// split across size-bounded segment files. Every observed event is
// appended here before it enters the in-memory buffer, so a crash
// between observation and commit loses nothing: replay from the durable
// cursor reconstructs the pending set.
type Log struct {
	config LogConfig

	mu          sync.RWMutex
	currentFile *os.File
	writer      *bufio.Writer
	sequence    uint64
	segmentSeq  uint64
	segmentSize int64
	closed      atomic.Bool
	pendingSync atomic.Bool
	lastSync    time.Time
}

// OpenLog opens or creates the journal in config.Dir, resuming the
// sequence counter from the newest segment.
func OpenLog(config LogConfig) (*Log, error) {
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	l := &Log{config: config}
	if err := l.loadSequence(); err != nil {
		return nil, err
	}
	if err := l.openCurrentSegment(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) loadSequence() error {
	segments, err := l.listSegments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		l.sequence = 0
		l.segmentSeq = 1
		return nil
	}

	last := segments[len(segments)-1]
	l.segmentSeq = last + 1

	records, err := l.readSegment(last)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		l.sequence = records[len(records)-1].Seq
	} else if len(segments) > 1 {
		// Empty tail segment: fall back to its predecessor.
		prev, err := l.readSegment(segments[len(segments)-2])
		if err == nil && len(prev) > 0 {
			l.sequence = prev[len(prev)-1].Seq
		}
	}
	return nil
}

func (l *Log) listSegments() ([]uint64, error) {
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if seq, ok := parseSegmentName(entry.Name()); ok {
			segments = append(segments, seq)
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments, nil
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	seq, err := strconv.ParseUint(name[4:len(name)-4], 10, 64)
	return seq, err == nil
}

func (l *Log) segmentPath(seq uint64) string {
	return filepath.Join(l.config.Dir, fmt.Sprintf("wal-%d.log", seq))
}

func (l *Log) openCurrentSegment() error {
	file, err := os.OpenFile(l.segmentPath(l.segmentSeq), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal segment: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat journal segment: %w", err)
	}

	l.currentFile = file
	l.writer = bufio.NewWriterSize(file, 64*1024)
	l.segmentSize = info.Size()
	return nil
}

// Append assigns the next sequence to the record and writes it. Returns
// the assigned sequence.
func (l *Log) Append(rec *Record) (uint64, error) {
	if l.closed.Load() {
		return 0, ErrLogClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	rec.Seq = l.sequence
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	data := rec.Encode()

	if l.segmentSize+int64(len(data)) > l.config.MaxSegmentSize {
		if err := l.rotateSegment(); err != nil {
			return 0, err
		}
	}

	if _, err := l.writer.Write(data); err != nil {
		return 0, fmt.Errorf("append journal record: %w", err)
	}
	l.segmentSize += int64(len(data))
	l.pendingSync.Store(true)

	return l.sequence, l.syncIfDue()
}

// AppendEvent journals one change event and returns its sequence.
func (l *Log) AppendEvent(ev Event) (uint64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode change event: %w", err)
	}
	return l.Append(&Record{Type: RecordEvent, Payload: payload, Time: ev.Time})
}

// AppendCycleMark journals the position a committed cycle consumed up
// to.
func (l *Log) AppendCycleMark(consumedSeq uint64) error {
	payload := strconv.AppendUint(nil, consumedSeq, 10)
	_, err := l.Append(&Record{Type: RecordCycleMark, Payload: payload})
	return err
}

func (l *Log) syncIfDue() error {
	switch l.config.SyncMode {
	case SyncEveryWrite:
		return l.syncLocked()
	case SyncBatched:
		if time.Since(l.lastSync) >= l.config.SyncInterval {
			return l.syncLocked()
		}
	}
	return nil
}

func (l *Log) rotateSegment() error {
	if err := l.syncLocked(); err != nil {
		return err
	}
	if err := l.currentFile.Close(); err != nil {
		return err
	}
	l.segmentSeq++
	l.segmentSize = 0
	return l.openCurrentSegment()
}

// Sync flushes buffered records to stable storage.
func (l *Log) Sync() error {
	if l.closed.Load() {
		return ErrLogClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if !l.pendingSync.Load() {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := l.currentFile.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	l.pendingSync.Store(false)
	l.lastSync = time.Now()
	return nil
}

// ReadFrom returns every record with sequence strictly greater than
// afterSeq, oldest first. A torn tail from a crashed writer terminates
// the scan of its segment without error.
func (l *Log) ReadFrom(afterSeq uint64) ([]*Record, error) {
	if l.closed.Load() {
		return nil, ErrLogClosed
	}

	l.mu.Lock()
	flushErr := l.syncLocked()
	l.mu.Unlock()
	if flushErr != nil {
		return nil, flushErr
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	segments, err := l.listSegments()
	if err != nil {
		return nil, err
	}

	var result []*Record
	for _, seg := range segments {
		records, err := l.readSegment(seg)
		if err != nil {
			continue
		}
		for _, rec := range records {
			if rec.Seq > afterSeq {
				result = append(result, rec)
			}
		}
	}
	return result, nil
}

func (l *Log) readSegment(seq uint64) ([]*Record, error) {
	file, err := os.Open(l.segmentPath(seq))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []*Record
	reader := bufio.NewReader(file)
	for {
		rec, err := readNextRecord(reader)
		if err != nil {
			// Torn or corrupt tail: everything before it is intact.
			break
		}
		if rec == nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

// readNextRecord reads one framed record. Returns (nil, nil) at a clean
// end of segment and an error on a torn or corrupt record.
func readNextRecord(reader *bufio.Reader) (*Record, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, ErrShortRecord
	}

	total, err := readRecordSize(header)
	if err != nil {
		return nil, err
	}

	data := make([]byte, total)
	copy(data, header)
	if _, err := io.ReadFull(reader, data[recordHeaderSize:]); err != nil {
		return nil, ErrShortRecord
	}

	return DecodeRecord(data)
}

// Truncate removes whole segments whose newest record is older than
// beforeSeq. The active segment is never removed.
func (l *Log) Truncate(beforeSeq uint64) error {
	if l.closed.Load() {
		return ErrLogClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	segments, err := l.listSegments()
	if err != nil {
		return err
	}

	for _, seg := range segments {
		if seg >= l.segmentSeq {
			continue
		}
		records, err := l.readSegment(seg)
		if err != nil || len(records) == 0 {
			continue
		}
		if records[len(records)-1].Seq >= beforeSeq {
			continue
		}
		if err := os.Remove(l.segmentPath(seg)); err != nil {
			return err
		}
	}
	return nil
}

// CurrentSequence returns the sequence of the most recently appended
// record.
func (l *Log) CurrentSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// Close flushes and closes the journal.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return ErrLogClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.syncLocked(); err != nil {
		return err
	}
	return l.currentFile.Close()
}
