// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigreduce

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// LoadFile is a collective operation that returns a DistVector of the
// lines of the file at path, without their trailing newlines. Line i
// is stored on rank i mod size. Path may name any file supported by
// package github.com/grailbio/base/file. If any rank fails to read
// the file, LoadFile fails on every rank.
func LoadFile(ctx context.Context, c *Cluster, path string) (*DistVector[string], error) {
	lines, n, err := readLines(ctx, c, path)
	if err = c.Agree(ctx, err); err != nil {
		return nil, err
	}
	v := NewDistVector[string](c, n, "")
	v.Update(func(key int, val *string) {
		*val = lines[key/c.Size()]
	})
	return v, nil
}

// ReadLines returns the lines of path owned by the caller's rank,
// and the total number of lines in the file.
func readLines(ctx context.Context, c *Cluster, path string) (lines []string, n int, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, 0, errors.E(err, fmt.Sprintf("load %s", path))
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = errors.E(cerr, fmt.Sprintf("close %s", path))
		}
	}()
	r := bufio.NewReaderSize(f.Reader(ctx), 1<<20)
	size, rank := c.Size(), c.Rank()
	for {
		line, rerr := r.ReadString('\n')
		if rerr != nil && rerr != io.EOF {
			return nil, 0, errors.E(rerr, fmt.Sprintf("read %s", path))
		}
		if len(line) > 0 && line[len(line)-1] == '\n' {
			line = line[:len(line)-1]
		} else if rerr == io.EOF && line == "" {
			break
		}
		if n%size == rank {
			lines = append(lines, line)
		}
		n++
		if rerr == io.EOF {
			break
		}
	}
	return lines, n, nil
}
