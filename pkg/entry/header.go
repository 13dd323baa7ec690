package entry

import "encoding/binary"

// PrimaryParams describes a primary-flavour header to create.
type PrimaryParams struct {
	ChunkID       ChunkID
	Length        int
	Version       Version
	RangeID       uint16
	Owner         NodeID
	OriginalOwner NodeID
	Timestamp     uint32
	HasTimestamp  bool
	WithChecksum  bool
	Chained       bool
}

// CreatePrimary writes a primary header into dst and returns it. dst must
// have room for MaxHeaderSize bytes. The checksum slot (if any) is zeroed;
// it is patched after the payload has been written. For chained entries the
// length field is sized for the largest part so AdjustLength never has to
// grow the header.
func CreatePrimary(dst []byte, p PrimaryParams) []byte {
	t := flagEntry | flagPrimary
	if p.OriginalOwner != p.Owner {
		t |= flagOriginalOwner
	}
	if p.HasTimestamp {
		t |= flagTimestamp
	}
	if p.WithChecksum {
		t |= flagChecksum
	}
	if p.Chained {
		t |= flagChained
	}
	t |= byte(lengthWidthFor(p.Length)-1) << lenWidthShift

	o := offsetsFor(t)
	h := dst[:o.size]
	h[0] = t
	binary.LittleEndian.PutUint16(h[o.rangeID:], p.RangeID)
	binary.LittleEndian.PutUint16(h[o.owner:], uint16(p.Owner))
	if o.originalOwner >= 0 {
		binary.LittleEndian.PutUint16(h[o.originalOwner:], uint16(p.OriginalOwner))
	}
	binary.LittleEndian.PutUint64(h[o.chunkID:], uint64(p.ChunkID))
	if o.timestamp >= 0 {
		binary.LittleEndian.PutUint32(h[o.timestamp:], p.Timestamp)
	}
	if o.chain >= 0 {
		h[o.chain] = 0
		h[o.chain+1] = 1
	}
	putUint(h[o.length:], uint64(p.Length), o.lengthWidth)
	binary.LittleEndian.PutUint16(h[o.version:], p.Version.Epoch)
	binary.LittleEndian.PutUint32(h[o.version+2:], p.Version.Number)
	if o.checksum >= 0 {
		binary.LittleEndian.PutUint32(h[o.checksum:], 0)
	}
	return h
}

// CreateTombstone writes a secondary-flavour zero-length tombstone entry
// for the given chunk id into dst and returns it. epoch is the epoch the
// removal happened in; payload entries of that epoch or earlier are dead.
func CreateTombstone(dst []byte, cid ChunkID, epoch uint16) []byte {
	t := flagEntry
	o := offsetsFor(t)
	h := dst[:o.size]
	h[0] = t
	binary.LittleEndian.PutUint64(h[o.chunkID:], uint64(cid))
	putUint(h[o.length:], 0, o.lengthWidth)
	binary.LittleEndian.PutUint16(h[o.version:], epoch)
	binary.LittleEndian.PutUint32(h[o.version+2:], TombstoneNumber)
	return h
}

// Length returns the payload length stored in the header.
func Length(h []byte) int {
	o := offsetsFor(h[0])
	return int(getUint(h[o.length:], o.lengthWidth))
}

// AdjustLength patches the payload length, e.g. for the parts of a chained
// entry. The new value must fit the width chosen at creation.
func AdjustLength(h []byte, length int) error {
	o := offsetsFor(h[0])
	if lengthWidthFor(length) > o.lengthWidth {
		return ErrLengthOverflow
	}
	putUint(h[o.length:], uint64(length), o.lengthWidth)
	return nil
}

// SetChaining patches the chain id and chain count of a chained header.
func SetChaining(h []byte, chainID, chainCount uint8) {
	o := offsetsFor(h[0])
	if o.chain < 0 {
		return
	}
	h[o.chain] = chainID
	h[o.chain+1] = chainCount
}

// Chaining returns the chain id and count, or (0, 1) for unchained entries.
func Chaining(h []byte) (uint8, uint8) {
	o := offsetsFor(h[0])
	if o.chain < 0 {
		return 0, 1
	}
	return h[o.chain], h[o.chain+1]
}

// SetChecksum patches the payload checksum slot.
func SetChecksum(h []byte, sum uint32) {
	o := offsetsFor(h[0])
	if o.checksum < 0 {
		return
	}
	binary.LittleEndian.PutUint32(h[o.checksum:], sum)
}

// Checksum returns the stored payload checksum. ok is false when the header
// carries none.
func Checksum(h []byte) (uint32, bool) {
	o := offsetsFor(h[0])
	if o.checksum < 0 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(h[o.checksum:]), true
}

// GetChunkID returns the chunk id.
func GetChunkID(h []byte) ChunkID {
	o := offsetsFor(h[0])
	return ChunkID(binary.LittleEndian.Uint64(h[o.chunkID:]))
}

// GetVersion returns the entry version.
func GetVersion(h []byte) Version {
	o := offsetsFor(h[0])
	return Version{
		Epoch:  binary.LittleEndian.Uint16(h[o.version:]),
		Number: binary.LittleEndian.Uint32(h[o.version+2:]),
	}
}

// GetTimestamp returns the header timestamp, or ok=false when absent.
func GetTimestamp(h []byte) (uint32, bool) {
	o := offsetsFor(h[0])
	if o.timestamp < 0 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(h[o.timestamp:]), true
}

// GetRangeID returns the range id of a primary header.
func GetRangeID(h []byte) uint16 {
	o := offsetsFor(h[0])
	if o.rangeID < 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(h[o.rangeID:])
}

// GetOwner returns the owner of a primary header.
func GetOwner(h []byte) NodeID {
	o := offsetsFor(h[0])
	if o.owner < 0 {
		return 0
	}
	return NodeID(binary.LittleEndian.Uint16(h[o.owner:]))
}

// GetOriginalOwner returns the creator node id. When the header omits the
// field the creator equals the owner (primary flavour) or the chunk id's
// creator (secondary flavour).
func GetOriginalOwner(h []byte) NodeID {
	o := offsetsFor(h[0])
	if o.originalOwner >= 0 {
		return NodeID(binary.LittleEndian.Uint16(h[o.originalOwner:]))
	}
	if o.owner >= 0 {
		return NodeID(binary.LittleEndian.Uint16(h[o.owner:]))
	}
	return GetChunkID(h).Creator()
}

// ConversionOffset returns how many bytes shrink away when a header of the
// given primary type is converted to secondary flavour: the range id and
// owner fields. Zero for headers that are already secondary.
func ConversionOffset(t byte) int {
	if t&flagPrimary == 0 {
		return 0
	}
	return 4
}

// ConvertHeader rewrites the primary header src as a secondary header in
// dst and returns the secondary header's size. The caller appends the
// payload unchanged behind it. dst and src may not overlap.
func ConvertHeader(dst, src []byte) int {
	t := src[0] &^ flagPrimary
	dst[0] = t
	// Everything behind the dropped routing fields keeps its layout.
	rest := offsetsFor(src[0]).size - 1 - ConversionOffset(src[0])
	copy(dst[1:1+rest], src[1+ConversionOffset(src[0]):])
	return 1 + rest
}
