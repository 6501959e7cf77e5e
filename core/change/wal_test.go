package change

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicSequences(t *testing.T) {
	log := testLog(t)

	for i := 1; i <= 3; i++ {
		seq, err := log.AppendEvent(Event{Unit: "a.go", Kind: KindModify})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, uint64(3), log.CurrentSequence())
}

func TestReadFromReturnsRecordsPastCursor(t *testing.T) {
	log := testLog(t)

	for i := 0; i < 4; i++ {
		_, err := log.AppendEvent(Event{Unit: "a.go", Kind: KindModify})
		require.NoError(t, err)
	}

	records, err := log.ReadFrom(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(3), records[0].Seq)
	assert.Equal(t, uint64(4), records[1].Seq)

	var ev Event
	require.NoError(t, json.Unmarshal(records[0].Payload, &ev))
	assert.Equal(t, KindModify, ev.Kind)
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig(dir)
	cfg.SyncMode = SyncEveryWrite

	log, err := OpenLog(cfg)
	require.NoError(t, err)
	_, err = log.AppendEvent(Event{Unit: "a.go", Kind: KindAdd})
	require.NoError(t, err)
	_, err = log.AppendEvent(Event{Unit: "b.go", Kind: KindAdd})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	reopened, err := OpenLog(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	seq, err := reopened.AppendEvent(Event{Unit: "c.go", Kind: KindAdd})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq, "sequence must continue where the last segment ended")
}

func TestSegmentsRotateAndTruncate(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig(dir)
	cfg.SyncMode = SyncEveryWrite
	cfg.MaxSegmentSize = 64

	log, err := OpenLog(cfg)
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 6; i++ {
		_, err := log.AppendEvent(Event{Unit: "a.go", Kind: KindModify, Time: time.Now()})
		require.NoError(t, err)
	}

	before, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(before), 1, "tiny segments must have rotated")

	require.NoError(t, log.Truncate(6))

	records, err := log.ReadFrom(0)
	require.NoError(t, err)
	for _, rec := range records {
		assert.GreaterOrEqual(t, rec.Seq, uint64(6), "consumed segments must be removed")
	}

	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Less(t, len(after), len(before))
}

func TestTornTailTerminatesScanCleanly(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig(dir)
	cfg.SyncMode = SyncEveryWrite

	log, err := OpenLog(cfg)
	require.NoError(t, err)
	_, err = log.AppendEvent(Event{Unit: "a.go", Kind: KindAdd})
	require.NoError(t, err)
	_, err = log.AppendEvent(Event{Unit: "b.go", Kind: KindAdd})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// Simulate a crash mid-write: garbage after the last full record.
	segments, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, segments)
	seg := filepath.Join(dir, segments[len(segments)-1].Name())
	f, err := os.OpenFile(seg, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenLog(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.ReadFrom(0)
	require.NoError(t, err)
	assert.Len(t, records, 2, "intact records before the tear survive")
	assert.Equal(t, uint64(2), reopened.CurrentSequence())
}
