// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// ChunkSize is the maximum size of a single message used to transfer
// a payload. Larger payloads are split into multiple messages.
var ChunkSize = 1 << 20

// A Writer sends sized payloads to a single peer. Each payload is
// transferred as an 8-byte length header followed by as many
// bounded-size chunks as are needed to carry it.
type Writer struct {
	c   *Comm
	dst int
	tag Tag
}

// Writer returns a Writer for payloads sent to rank dst under tag.
func (c *Comm) Writer(dst int, tag Tag) *Writer {
	return &Writer{c, dst, tag}
}

// Write sends payload p.
func (w *Writer) Write(ctx context.Context, p []byte) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(p)))
	if err := w.c.send(ctx, w.dst, w.tag, hdr[:]); err != nil {
		return err
	}
	for off := 0; off < len(p); off += ChunkSize {
		end := off + ChunkSize
		if end > len(p) {
			end = len(p)
		}
		if err := w.c.send(ctx, w.dst, w.tag, p[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// A Reader receives payloads sent by a Writer.
type Reader struct {
	c   *Comm
	src int
	tag Tag
}

// Reader returns a Reader for payloads sent by rank src under tag.
func (c *Comm) Reader(src int, tag Tag) *Reader {
	return &Reader{c, src, tag}
}

// Read receives the next payload. The returned slice is owned by the
// caller.
func (r *Reader) Read(ctx context.Context) ([]byte, error) {
	hdr, err := r.c.recv(ctx, r.src, r.tag)
	if err != nil {
		return nil, err
	}
	if len(hdr) != 8 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("comm: bad stream header from rank %d (%d bytes)", r.src, len(hdr)))
	}
	size := binary.LittleEndian.Uint64(hdr)
	if size > math.MaxInt {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("comm: bad stream size %d from rank %d", size, r.src))
	}
	n := int(size)
	// The buffer grows as chunks arrive; the header alone does not
	// determine how much is allocated.
	p := make([]byte, 0, min(n, ChunkSize))
	for len(p) < n {
		chunk, err := r.c.recv(ctx, r.src, r.tag)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("comm: empty chunk in stream from rank %d", r.src))
		}
		if len(p)+len(chunk) > n {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("comm: stream from rank %d overran its size %d", r.src, n))
		}
		p = append(p, chunk...)
	}
	return p, nil
}
