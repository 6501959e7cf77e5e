package change

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"
)

// =============================================================================
// Record types
// =============================================================================

type RecordType uint8

const (
	// RecordEvent carries one JSON-encoded Event.
	RecordEvent RecordType = iota

	// RecordCycleMark marks the journal position a committed cycle
	// consumed up to.
	RecordCycleMark
)

var recordTypeNames = map[RecordType]string{
	RecordEvent:     "event",
	RecordCycleMark: "cycle_mark",
}

func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// =============================================================================
// Record
// =============================================================================

// Record is one journal entry. The on-disk layout is a fixed header
// (sequence, timestamp, type, payload length), the payload, and a
// CRC32 of everything before it.
type Record struct {
	Seq     uint64
	Time    time.Time
	Type    RecordType
	Payload []byte
}

const (
	seqSize          = 8
	timeSize         = 8
	typeSize         = 1
	payloadLenSize   = 4
	recordHeaderSize = seqSize + timeSize + typeSize + payloadLenSize
	crcSize          = 4
)

var (
	ErrCorruptRecord = errors.New("corrupt journal record")
	ErrBadChecksum   = errors.New("journal record checksum mismatch")
	ErrShortRecord   = errors.New("short journal record")
)

// Encode serializes the record, appending the checksum.
func (r *Record) Encode() []byte {
	payloadLen := len(r.Payload)
	buf := make([]byte, recordHeaderSize+payloadLen+crcSize)

	offset := 0
	binary.BigEndian.PutUint64(buf[offset:], r.Seq)
	offset += seqSize

	binary.BigEndian.PutUint64(buf[offset:], uint64(r.Time.UnixNano()))
	offset += timeSize

	buf[offset] = byte(r.Type)
	offset += typeSize

	binary.BigEndian.PutUint32(buf[offset:], uint32(payloadLen))
	offset += payloadLenSize

	copy(buf[offset:], r.Payload)
	offset += payloadLen

	binary.BigEndian.PutUint32(buf[offset:], crc32.ChecksumIEEE(buf[:offset]))
	return buf
}

// DecodeRecord parses a serialized record, verifying its checksum.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) < recordHeaderSize+crcSize {
		return nil, ErrShortRecord
	}

	payloadLen := binary.BigEndian.Uint32(data[recordHeaderSize-payloadLenSize : recordHeaderSize])
	totalLen := recordHeaderSize + int(payloadLen) + crcSize
	if len(data) < totalLen {
		return nil, ErrShortRecord
	}

	body := data[:recordHeaderSize+int(payloadLen)]
	stored := binary.BigEndian.Uint32(data[recordHeaderSize+int(payloadLen) : totalLen])
	if stored != crc32.ChecksumIEEE(body) {
		return nil, ErrBadChecksum
	}

	offset := 0
	seq := binary.BigEndian.Uint64(data[offset:])
	offset += seqSize

	ts := time.Unix(0, int64(binary.BigEndian.Uint64(data[offset:])))
	offset += timeSize

	recType := RecordType(data[offset])
	offset += typeSize + payloadLenSize

	payload := make([]byte, payloadLen)
	copy(payload, data[offset:offset+int(payloadLen)])

	return &Record{
		Seq:     seq,
		Time:    ts,
		Type:    recType,
		Payload: payload,
	}, nil
}

// recordSize returns the full on-disk size for a payload length.
func recordSize(payloadLen int) int {
	return recordHeaderSize + payloadLen + crcSize
}

// readRecordSize extracts the full record size from a header prefix.
func readRecordSize(header []byte) (int, error) {
	if len(header) < recordHeaderSize {
		return 0, ErrShortRecord
	}
	payloadLen := binary.BigEndian.Uint32(header[recordHeaderSize-payloadLenSize : recordHeaderSize])
	return recordSize(int(payloadLen)), nil
}
