// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigreduce"
	"github.com/grailbio/bigreduce/comm"
	"github.com/grailbio/bigreduce/stats"
	"golang.org/x/sync/errgroup"
)

// LocalExecutor is an executor that runs each rank in-process, in a
// separate goroutine. Ranks communicate through in-memory mailboxes.
type localExecutor struct {
	sess *Session
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{}
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func(), err error) {
	l.sess = sess
	return func() {}, nil
}

func (l *localExecutor) Run(ctx context.Context, inv bigreduce.Invocation, group *status.Group) (stats.Values, error) {
	transports := comm.NewLocal(l.sess.ranks)
	maps := make([]*stats.Map, len(transports))
	g, ctx := errgroup.WithContext(ctx)
	for rank := range transports {
		maps[rank] = stats.NewMap()
		c := bigreduce.NewCluster(transports[rank], l.sess.threads, maps[rank])
		var task *status.Task
		if group != nil {
			task = group.Start(c.String())
			task.Print("running")
		}
		g.Go(func() error {
			err := runRank(ctx, inv, c)
			if task != nil {
				if err != nil {
					task.Printf("error: %v", err)
				} else {
					task.Printf("done: %s", c.Stats().Snapshot())
				}
				task.Done()
			}
			return err
		})
	}
	err := g.Wait()
	vals := make(stats.Values)
	for _, m := range maps {
		vals.Merge(m.Snapshot())
	}
	return vals, err
}

// RunRank runs an invocation on the rank represented by c. Panics
// are recovered and returned as fatal errors.
func runRank(ctx context.Context, inv bigreduce.Invocation, c *bigreduce.Cluster) (err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			log.Error.Printf("%s: panic: %v\n%s", c, e, stack)
			err = errors.E(errors.Fatal, fmt.Sprintf("%s: panic while running program: %v\n%s", c, e, stack))
		}
	}()
	if err = inv.Run(ctx, c); err != nil {
		err = errors.E(err, c.String())
	}
	return
}
