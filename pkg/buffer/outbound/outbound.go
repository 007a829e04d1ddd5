// Copyright (c) 2020 The Reactor Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package outbound implements the per-connection write buffer: a FIFO of pooled byte chunks.
package outbound

import (
	"math"

	"github.com/valyala/bytebufferpool"
)

// ChunkSize is the capacity beyond which a new chunk is started instead of appending to the tail.
const ChunkSize = 16 * 1024

type node struct {
	buf    *bytebufferpool.ByteBuffer
	off    int
	sealed bool
	next   *node
}

func (n *node) len() int {
	return n.buf.Len() - n.off
}

// Buffer is a linked list of pooled chunks, bytes leave it in the order they were pushed.
// The zero value is an empty buffer ready to use.
type Buffer struct {
	bs    [][]byte
	head  *node
	tail  *node
	bytes int
}

// PushBack appends a copy of p.
func (b *Buffer) PushBack(p []byte) {
	if len(p) == 0 {
		return
	}
	b.bytes += len(p)
	if t := b.tail; t != nil && !t.sealed && t.buf.Len() < ChunkSize {
		room := ChunkSize - t.buf.Len()
		if room > len(p) {
			room = len(p)
		}
		_, _ = t.buf.Write(p[:room])
		p = p[room:]
	}
	for len(p) > 0 {
		n := len(p)
		if n > ChunkSize {
			n = ChunkSize
		}
		bb := bytebufferpool.Get()
		_, _ = bb.Write(p[:n])
		b.pushBack(&node{buf: bb})
		p = p[n:]
	}
}

// PushBackMessage appends a copy of p as a chunk of its own that later pushes never extend,
// Front returns it whole which keeps datagram boundaries intact.
func (b *Buffer) PushBackMessage(p []byte) {
	bb := bytebufferpool.Get()
	_, _ = bb.Write(p)
	b.bytes += len(p)
	b.pushBack(&node{buf: bb, sealed: true})
}

// Peek returns the buffered chunks in order, up to at least maxBytes when maxBytes > 0.
// The slices stay valid until the next Discard or Release.
func (b *Buffer) Peek(maxBytes int) [][]byte {
	if maxBytes <= 0 {
		maxBytes = math.MaxInt32
	}
	b.bs = b.bs[:0]
	var cum int
	for iter := b.head; iter != nil; iter = iter.next {
		b.bs = append(b.bs, iter.buf.B[iter.off:])
		if cum += iter.len(); cum >= maxBytes {
			break
		}
	}
	return b.bs
}

// Front returns the first chunk, nil if the buffer is empty.
func (b *Buffer) Front() []byte {
	if b.head == nil {
		return nil
	}
	return b.head.buf.B[b.head.off:]
}

// Discard drops the first n bytes and returns the number actually dropped.
// Discard(0) pops a leading empty message.
func (b *Buffer) Discard(n int) (discarded int) {
	popped := false
	for b.head != nil {
		h := b.head
		l := h.len()
		if n < l {
			h.off += n
			discarded += n
			break
		}
		if n == 0 && popped {
			break
		}
		discarded += l
		n -= l
		popped = true
		b.head = h.next
		if b.head == nil {
			b.tail = nil
		}
		bytebufferpool.Put(h.buf)
	}
	b.bytes -= discarded
	return
}

// Buffered returns the number of bytes waiting in the buffer.
func (b *Buffer) Buffered() int {
	return b.bytes
}

// IsEmpty tells whether the buffer holds no bytes.
func (b *Buffer) IsEmpty() bool {
	return b.head == nil
}

// Release hands every chunk back to the pool and empties the buffer.
func (b *Buffer) Release() {
	for b.head != nil {
		h := b.head
		b.head = h.next
		bytebufferpool.Put(h.buf)
	}
	b.tail = nil
	b.bytes = 0
	b.bs = nil
}

func (b *Buffer) pushBack(n *node) {
	if b.tail == nil {
		b.head, b.tail = n, n
		return
	}
	b.tail.next = n
	b.tail = n
}
