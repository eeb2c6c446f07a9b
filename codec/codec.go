// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package codec implements the byte encoding used to move typed
// values between ranks. Values are gob-encoded, optionally
// compressed with zstd, and checksummed with CRC32 so that corrupted
// transfers are detected on receipt.
//
// An encoded payload is laid out as follows:
//
//	flags   1 byte    (flagCompressed)
//	body    n bytes   (gob stream, possibly zstd-compressed)
//	crc     4 bytes   (IEEE CRC32 of body, little-endian)
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
)

const flagCompressed byte = 1 << 0

// CompressThreshold is the gob-encoded size above which payloads are
// compressed before they are shipped. A negative threshold disables
// compression.
var CompressThreshold = 64 << 10

// Encode returns the encoding of v.
func Encode(v interface{}) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(v); err != nil {
		// Encoding errors stem from user types that gob cannot
		// handle; these will never succeed on retry.
		if strings.HasPrefix(err.Error(), "gob: ") {
			err = errors.E(errors.Fatal, err)
		}
		return nil, err
	}
	var flags byte
	p := body.Bytes()
	if CompressThreshold >= 0 && len(p) > CompressThreshold {
		var (
			zbuf bytes.Buffer
			err  error
		)
		if err = compress(&zbuf, p); err != nil {
			return nil, errors.E(err, "codec: compress")
		}
		if zbuf.Len() < len(p) {
			p = zbuf.Bytes()
			flags |= flagCompressed
		}
	}
	out := make([]byte, 1+len(p)+4)
	out[0] = flags
	copy(out[1:], p)
	binary.LittleEndian.PutUint32(out[1+len(p):], crc32.ChecksumIEEE(p))
	return out, nil
}

// Decode decodes the payload p, as produced by Encode, into the
// value pointed to by v. Decode returns an error of kind
// errors.Integrity if the payload's checksum does not match.
func Decode(p []byte, v interface{}) error {
	if len(p) < 5 {
		return errors.E(errors.Integrity, fmt.Errorf("codec: short payload (%d bytes)", len(p)))
	}
	flags, body, trailer := p[0], p[1:len(p)-4], p[len(p)-4:]
	sum, decoded := crc32.ChecksumIEEE(body), binary.LittleEndian.Uint32(trailer)
	if sum != decoded {
		return errors.E(errors.Integrity, fmt.Errorf("computed checksum %x but expected checksum %x", sum, decoded))
	}
	var r io.Reader = bytes.NewReader(body)
	if flags&flagCompressed != 0 {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return errors.E(err, "codec: open zstd reader")
		}
		defer zr.Close()
		r = zr
	}
	return gob.NewDecoder(r).Decode(v)
}

// MustEncode is a version of Encode that panics on error. It is
// meant for values whose types are known to be encodable.
func MustEncode(v interface{}) []byte {
	p, err := Encode(v)
	if err != nil {
		panic(fmt.Sprintf("codec.MustEncode: %v", err))
	}
	return p
}

func compress(w io.Writer, p []byte) (err error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err = io.Copy(zw, bytes.NewReader(p)); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
