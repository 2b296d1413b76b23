// Package nativepre implements the preprocessor for the native-code
// tracer backend: it decodes packed 32-byte records with absolute
// addresses into the canonical binary trace format, resolving branch and
// memory-access endpoints against an image table and a live-allocation
// map.
package nativepre

import (
	"encoding/binary"
	"fmt"
	"io"
)

// recordSize is the on-disk size of one raw native-tracer record.
const recordSize = 32

// recordType discriminates the fixed-size raw record's payload.
type recordType uint32

// Raw record types emitted by the native-tracer backend.
const (
	recMemRead   recordType = 1
	recMemWrite  recordType = 2
	recAllocSize recordType = 3
	recAllocRet  recordType = 4
	recFreeParam recordType = 5
	recBranch    recordType = 6
	recStackPtr  recordType = 7
)

// Branch flag bits, packed into rawRecord.Flag.
const (
	flagTaken  = 1 << 0
	flagJump   = 1 << 1
	flagCall   = 1 << 2
	flagReturn = 1 << 3
)

// rawRecord is the wire layout of one native-tracer record: type:u32,
// flag:u8, pad[3]:u8, param1:u64, param2:u64, reserved[8]:u8 — 32 bytes,
// little-endian, no implicit padding beyond what is declared.
type rawRecord struct {
	Type     recordType
	Flag     byte
	Pad      [3]byte
	Param1   uint64
	Param2   uint64
	Reserved [8]byte
}

// readRecords decodes every fixed-size record from r. A short final record
// is a format error; an empty stream yields an empty slice.
func readRecords(r io.Reader) ([]rawRecord, error) {
	var records []rawRecord

	buf := make([]byte, recordSize)

	for {
		_, err := io.ReadFull(r, buf)
		if err != nil {
			if err == io.EOF { //nolint:errorlint // io.ReadFull returns io.EOF verbatim on a clean boundary
				return records, nil
			}

			return nil, fmt.Errorf("read native record: %w", err)
		}

		records = append(records, rawRecord{
			Type:   recordType(binary.LittleEndian.Uint32(buf[0:4])),
			Flag:   buf[4],
			Param1: binary.LittleEndian.Uint64(buf[8:16]),
			Param2: binary.LittleEndian.Uint64(buf[16:24]),
		})
	}
}
