package snapcache

import "sync"

var payloadBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func getPayloadBytes() []byte {
	return payloadBytesPool.Get().([]byte)[:0]
}

func releasePayloadBytes(b []byte) {
	if cap(b) > 1024*1024 {
		return
	}
	payloadBytesPool.Put(b[:0])
}
