// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigreduce", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.ranks, "ranks", DefaultRanks, "number of ranks that run each program")
		inst.IntVar(&sess.threads, "threads", 0, "threads per rank; 0 uses one per processor")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for job execution; local ranks are used if empty")
		inst.Doc = "bigreduce configures the bigreduce runtime"
		inst.New = func() (interface{}, error) {
			if sess.ranks <= 0 {
				return nil, errors.E(errors.Invalid, "bigreduce: ranks must be positive")
			}
			if sess.threads < 0 {
				return nil, errors.E(errors.Invalid, "bigreduce: threads must not be negative")
			}
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			if err := sess.start(); err != nil {
				return nil, err
			}
			return sess, nil
		}
	})
}
