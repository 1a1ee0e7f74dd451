// Reusable buffers for the job stream and the checkpoint encoders.
//
// Provides pools for:
// - Read blocks (job file reads, one pool per block size)
// - Byte buffers (checkpoint JSON encoding)
//
// Usage:
//
//	block := pool.GetBlock(8192)
//	defer pool.PutBlock(block)
//	n, err := f.Read(*block)
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
)

// maxPooledBuffer is the largest byte buffer kept for reuse.
const maxPooledBuffer = 64 * 1024

// Read block pools keyed by block size.
var blockPools sync.Map // int -> *sync.Pool

func blockPool(size int) *sync.Pool {
	if p, ok := blockPools.Load(size); ok {
		return p.(*sync.Pool)
	}
	p, _ := blockPools.LoadOrStore(size, &sync.Pool{
		New: func() any {
			b := make([]byte, size)
			return &b
		},
	})
	return p.(*sync.Pool)
}

// GetBlock gets a read block of exactly size bytes from the pool.
func GetBlock(size int) *[]byte {
	b := blockPool(size).Get().(*[]byte)
	*b = (*b)[:size]
	return b
}

// PutBlock returns a read block to the pool of its size.
func PutBlock(b *[]byte) {
	if b == nil || len(*b) == 0 {
		return
	}
	blockPool(cap(*b)).Put(b)
}

// ByteBuffer is an append-only encoding buffer.
type ByteBuffer struct {
	buf []byte
}

var byteBufferPool = sync.Pool{
	New: func() any {
		return &ByteBuffer{
			buf: make([]byte, 0, 1024), // a move record is well under 1KB
		}
	},
}

// GetByteBuffer gets a byte buffer from the pool
func GetByteBuffer() *ByteBuffer {
	b := byteBufferPool.Get().(*ByteBuffer)
	b.buf = b.buf[:0]
	return b
}

// PutByteBuffer returns a byte buffer to the pool
func PutByteBuffer(b *ByteBuffer) {
	if b == nil {
		return
	}
	if cap(b.buf) > maxPooledBuffer {
		return
	}
	byteBufferPool.Put(b)
}

// Bytes returns the buffer's byte slice. It is only valid until the
// buffer is returned to the pool.
func (b *ByteBuffer) Bytes() []byte {
	return b.buf
}

// Copy returns the contents in a new slice the caller owns.
func (b *ByteBuffer) Copy() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Write appends bytes to the buffer
func (b *ByteBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteByte appends a single byte
func (b *ByteBuffer) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// WriteString appends a string
func (b *ByteBuffer) WriteString(s string) (int, error) {
	b.buf = append(b.buf, s...)
	return len(s), nil
}

// TrimNewline drops one trailing newline, as left by json.Encoder.
func (b *ByteBuffer) TrimNewline() {
	if n := len(b.buf); n > 0 && b.buf[n-1] == '\n' {
		b.buf = b.buf[:n-1]
	}
}

// Len returns the buffer length
func (b *ByteBuffer) Len() int {
	return len(b.buf)
}

// Reset clears the buffer
func (b *ByteBuffer) Reset() {
	b.buf = b.buf[:0]
}
