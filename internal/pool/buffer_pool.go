package pool

import (
	"bytes"
	"sync"
)

// 超过该容量的缓冲不回收，避免个别大响应把内存钉住
const maxPooledBuffer = 64 << 10

var buffers = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, 4096)) },
}

// GetBuffer 取一个空缓冲，用完必须 PutBuffer 归还
func GetBuffer() *bytes.Buffer {
	return buffers.Get().(*bytes.Buffer)
}

// PutBuffer 清空并归还缓冲
func PutBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledBuffer {
		return
	}
	b.Reset()
	buffers.Put(b)
}
