package snapcache

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Envelope wrapped around every stored document:
//
//  1. Flags (uvarint).
//  2. Format generation (uvarint).
//  3. Mod count (uvarint).
//  4. Payload size (uvarint).
//  5. xxhash64 of the payload (8 bytes, big endian).
//  6. Payload: the msgpack document.
const (
	formatGen1 = 1

	// FormatGeneration is the document format this package writes. A store
	// holding another generation is rebuilt on the next warm start.
	FormatGeneration = formatGen1
)

type docFlags uint64

const (
	dfVerBit0 = docFlags(1 << iota)
	dfVerBit1
	dfVerBit2
	dfVerBit3

	dfVerMask       = (dfVerBit0 | dfVerBit1 | dfVerBit2 | dfVerBit3)
	dfVer1          = dfVerBit0
	dfSupportedMask = dfVer1
	dfDefault       = dfVer1

	checksumSize          = 8
	minEnvelopeSize       = 4 + checksumSize
	maxEnvelopeHeaderSize = binary.MaxVarintLen64*4 + checksumSize
	maxFormatGeneration   = 32768 // sanity limit
)

func (f docFlags) ver() docFlags {
	return f & dfVerMask
}

// DocumentInfo is the envelope metadata of a stored document.
type DocumentInfo struct {
	Generation uint64
	ModCount   uint64
	Size       int
}

type envelope struct {
	Flags      docFlags
	Generation uint64
	ModCount   uint64
	Payload    []byte
}

func (env envelope) Info() DocumentInfo {
	return DocumentInfo{
		Generation: env.Generation,
		ModCount:   env.ModCount,
		Size:       len(env.Payload),
	}
}

func reserveEnvelopeHeader(buf []byte) []byte {
	if len(buf) != 0 {
		panic("envelope must be written to an empty buffer")
	}
	return buf[:maxEnvelopeHeaderSize]
}

// putEnvelopeHeader fills in the header for the payload that follows the
// reserved header space and returns the envelope with the header moved next
// to the payload.
func putEnvelopeHeader(buf []byte, flags docFlags, gen uint64, modCount uint64) []byte {
	if len(buf) < maxEnvelopeHeaderSize {
		panic(fmt.Errorf("envelope buffer of %d bytes has no reserved header", len(buf)))
	}
	if (flags &^ dfSupportedMask) != 0 {
		panic(fmt.Errorf("invalid flags %x", flags))
	}
	payload := buf[maxEnvelopeHeaderSize:]

	var hdr [maxEnvelopeHeaderSize]byte
	off := binary.PutUvarint(hdr[:], uint64(flags))
	off += binary.PutUvarint(hdr[off:], gen)
	off += binary.PutUvarint(hdr[off:], modCount)
	off += binary.PutUvarint(hdr[off:], uint64(len(payload)))
	binary.BigEndian.PutUint64(hdr[off:], xxhash.Sum64(payload))
	off += checksumSize

	start := maxEnvelopeHeaderSize - off
	copy(buf[start:maxEnvelopeHeaderSize], hdr[:off])
	return buf[start:]
}

func appendEnvelope(buf []byte, gen, modCount uint64, payload []byte) []byte {
	buf = slices.Grow(buf[:0], maxEnvelopeHeaderSize+len(payload))
	buf = reserveEnvelopeHeader(buf)
	buf = append(buf, payload...)
	return putEnvelopeHeader(buf, dfDefault, gen, modCount)
}

func (env *envelope) decode(data []byte) error {
	orig := data
	off := func() int { return len(orig) - len(data) }
	if len(data) < minEnvelopeSize {
		return dataErrf(orig, off(), ErrMalformedDocument, "invalid envelope: at least %d bytes required", minEnvelopeSize)
	}

	v, n := binary.Uvarint(data)
	if n <= 0 {
		return dataErrf(orig, off(), ErrMalformedDocument, "invalid envelope: bad flags")
	}
	if (v & ^uint64(dfSupportedMask)) != 0 {
		return dataErrf(orig, off(), ErrMalformedDocument, "invalid envelope: unsupported flags %x", v)
	}
	env.Flags, data = docFlags(v), data[n:]
	if env.Flags.ver() != dfVer1 {
		return dataErrf(orig, off(), ErrMalformedDocument, "invalid envelope: unsupported version %x", env.Flags.ver())
	}

	v, n = binary.Uvarint(data)
	if n <= 0 || v > maxFormatGeneration {
		return dataErrf(orig, off(), ErrMalformedDocument, "invalid envelope: bad format generation")
	}
	env.Generation, data = v, data[n:]

	v, n = binary.Uvarint(data)
	if n <= 0 {
		return dataErrf(orig, off(), ErrMalformedDocument, "invalid envelope: bad mod count")
	}
	env.ModCount, data = v, data[n:]

	size, n := binary.Uvarint(data)
	if n <= 0 {
		return dataErrf(orig, off(), ErrMalformedDocument, "invalid envelope: bad payload size")
	}
	data = data[n:]

	if len(data) < checksumSize {
		return dataErrf(orig, off(), ErrMalformedDocument, "invalid envelope: missing checksum")
	}
	sum, data := binary.BigEndian.Uint64(data), data[checksumSize:]

	if uint64(len(data)) != size {
		return dataErrf(orig, off(), ErrMalformedDocument, "invalid envelope: got %d payload bytes, expected %d", len(data), size)
	}
	if actual := xxhash.Sum64(data); actual != sum {
		return dataErrf(orig, off(), ErrMalformedDocument, "invalid envelope: checksum %016x, expected %016x", actual, sum)
	}
	env.Payload = data
	return nil
}

// ReadDocumentInfo validates a stored envelope and returns its metadata.
func ReadDocumentInfo(data []byte) (DocumentInfo, error) {
	var env envelope
	if err := env.decode(data); err != nil {
		return DocumentInfo{}, err
	}
	return env.Info(), nil
}
