package snapcache

import "testing"

func TestBytesBuilderAppendsToPooledBuffer(t *testing.T) {
	buf := getPayloadBytes()
	bb := bytesBuilder{append(buf, 9)}
	bb.Write([]byte{1, 2})
	bb.WriteByte(3)
	bb.Write(nil)
	deepEqual(t, bb.Buf, []byte{9, 1, 2, 3})
	if cap(buf) >= 4 && &bb.Buf[0] != &buf[:1][0] {
		t.Errorf("** bytesBuilder reallocated a buffer with room to spare")
	}
	releasePayloadBytes(bb.Buf)
}

func TestPayloadPool(t *testing.T) {
	b := getPayloadBytes()
	deepEqual(t, len(b), 0)
	b = append(b, "data"...)
	releasePayloadBytes(b)
	releasePayloadBytes(make([]byte, 0, 4<<20))
	deepEqual(t, len(getPayloadBytes()), 0)
}
