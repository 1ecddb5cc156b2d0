package snapcache

import (
	"bytes"
	"testing"
)

func TestEnvelope(t *testing.T) {
	payload := []byte("hello world")
	data := appendEnvelope(nil, FormatGeneration, 5, payload)

	var env envelope
	success(t, env.decode(data))
	deepEqual(t, env.Flags, dfDefault)
	deepEqual(t, env.Generation, uint64(FormatGeneration))
	deepEqual(t, env.ModCount, uint64(5))
	deepEqual(t, env.Payload, payload)
	deepEqual(t, env.Info(), DocumentInfo{Generation: FormatGeneration, ModCount: 5, Size: len(payload)})

	// header: flags=1, gen=1, m=5, size=11, then the checksum
	deepEqual(t, data[:4], x("01 01 05 0b"))
	deepEqual(t, len(data), 4+checksumSize+len(payload))
}

func TestEnvelopeReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 256)
	data := appendEnvelope(buf, FormatGeneration, 1, []byte{1, 2, 3})
	info := must(ReadDocumentInfo(data))
	deepEqual(t, info.Size, 3)
	deepEqual(t, info.ModCount, uint64(1))
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	data := appendEnvelope(nil, FormatGeneration, 1, nil)
	var env envelope
	success(t, env.decode(data))
	deepEqual(t, len(env.Payload), 0)
}

func TestEnvelopeCorruption(t *testing.T) {
	good := appendEnvelope(nil, FormatGeneration, 2, []byte("payload bytes"))

	tests := []struct {
		name string
		data func() []byte
	}{
		{"flipped payload byte", func() []byte {
			d := bytes.Clone(good)
			d[len(d)-1] ^= 0x01
			return d
		}},
		{"flipped checksum byte", func() []byte {
			d := bytes.Clone(good)
			d[4] ^= 0x80
			return d
		}},
		{"truncated", func() []byte { return good[:len(good)-3] }},
		{"extra byte", func() []byte { return append(bytes.Clone(good), 0) }},
		{"too short", func() []byte { return good[:5] }},
		{"unsupported flags", func() []byte {
			d := bytes.Clone(good)
			d[0] = 0x03
			return d
		}},
		{"unsupported version", func() []byte {
			d := bytes.Clone(good)
			d[0] = 0x00
			return d
		}},
		{"empty", func() []byte { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env envelope
			err := env.decode(tt.data())
			failure(t, err, ErrMalformedDocument)
			if _, ok := err.(*DataError); !ok {
				t.Errorf("** got %T, wanted *DataError", err)
			}
		})
	}
}
