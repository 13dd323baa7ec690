package backup

import (
	"encoding/binary"
	"fmt"
)

// Network batch formats, little-endian. Log chunks:
//
//	[count:4] then count x [cid:8][length:4][payload:length]
//
// Chunk removals:
//
//	[count:4] then count x [cid:8]

// IncomingLogChunks decodes a replication batch and logs every chunk it
// carries. Decoding errors reject the whole batch before anything is
// logged.
func (s *LogStore) IncomingLogChunks(buf []byte, owner NodeID, rangeID uint16) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	r, err := s.getRange(owner, rangeID)
	if err != nil {
		return err
	}

	if len(buf) < 4 {
		return fmt.Errorf("%w: chunk batch shorter than its header", ErrInvalidArgument)
	}
	count := int(binary.LittleEndian.Uint32(buf))

	// Validation pass: the batch must parse completely.
	off := 4
	for i := 0; i < count; i++ {
		if off+12 > len(buf) {
			return fmt.Errorf("%w: chunk batch truncated at entry %d", ErrInvalidArgument, i)
		}
		length := int(binary.LittleEndian.Uint32(buf[off+8:]))
		if length <= 0 || off+12+length > len(buf) {
			return fmt.Errorf("%w: chunk %d has impossible length %d", ErrInvalidArgument, i, length)
		}
		off += 12 + length
	}

	off = 4
	for i := 0; i < count; i++ {
		cid := ChunkID(binary.LittleEndian.Uint64(buf[off:]))
		length := int(binary.LittleEndian.Uint32(buf[off+8:]))
		payload := buf[off+12 : off+12+length]

		// The creator is in the chunk id; it differs from the owner for
		// migrated chunks.
		if err := s.wb.PutLogData(payload, cid, rangeID, owner, cid.Creator(), r.log); err != nil {
			return fmt.Errorf("log chunk %s: %w", cid, err)
		}
		off += 12 + length
	}
	return nil
}

// IncomingRemoveChunks decodes a removal batch and invalidates every
// chunk id it carries.
func (s *LogStore) IncomingRemoveChunks(buf []byte, owner NodeID, rangeID uint16) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	r, err := s.getRange(owner, rangeID)
	if err != nil {
		return err
	}

	if len(buf) < 4 {
		return fmt.Errorf("%w: remove batch shorter than its header", ErrInvalidArgument)
	}
	count := int(binary.LittleEndian.Uint32(buf))
	if 4+count*8 > len(buf) {
		return fmt.Errorf("%w: remove batch truncated", ErrInvalidArgument)
	}

	for i := 0; i < count; i++ {
		cid := ChunkID(binary.LittleEndian.Uint64(buf[4+i*8:]))
		if err := r.log.Invalidate(cid); err != nil {
			return fmt.Errorf("invalidate chunk %s: %w", cid, err)
		}
	}
	return nil
}
