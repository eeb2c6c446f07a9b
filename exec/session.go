// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigreduce"
	"github.com/grailbio/bigreduce/stats"
)

// DefaultRanks is the number of ranks used by a session when none
// is configured.
const DefaultRanks = 4

// Session represents a bigreduce compute session: a fixed group of
// ranks, each of which runs the same program. A session is valid for
// the run of the binary and may run multiple programs in sequence.
//
// A session is started by Start. Some executors launch multiple
// copies of the binary: in these copies, Start does not return.
//
// Programs must be registered with bigreduce.Func before Start is
// called, and must be registered in a deterministic order. This is
// provided by default when programs are registered as part of package
// initialization:
//
//	var WordCount = bigreduce.Func(func(ctx context.Context, c *bigreduce.Cluster, path string) error {
//		...
//	})
//
//	// Possibly in another package:
//	func main() {
//		sess := exec.Start(exec.Local(8))
//		if err := sess.Run(ctx, WordCount, "words.txt"); err != nil {
//			log.Fatal(err)
//		}
//	}
type Session struct {
	context.Context
	ranks    int
	threads  int
	executor executor
	status   *status.Status
	shutdown func()

	// Runs serializes program runs: ranks share tags, so only one
	// program may communicate at a time.
	runs *limiter.Limiter

	mu    sync.Mutex
	stats stats.Values
}

// An executor runs invocations on every rank of a session.
type executor interface {
	// Name returns the executor's name.
	Name() string
	// Start starts the executor's ranks. It returns a function that
	// releases the executor's resources.
	Start(sess *Session) (shutdown func(), err error)
	// Run runs the invocation on every rank. If any rank fails, the
	// others are canceled. Run returns the first rank error, and the
	// counters accumulated by all ranks during the run.
	Run(ctx context.Context, inv bigreduce.Invocation, group *status.Group) (stats.Values, error)
}

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		stats:   make(stats.Values),
		runs:    limiter.New(),
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor,
// which runs n ranks as goroutines connected by an in-memory
// transport.
func Local(n int) Option {
	if n <= 0 {
		panic("exec.Local: n <= 0")
	}
	return func(s *Session) {
		s.ranks = n
		s.executor = newLocalExecutor()
	}
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. Each of the session's ranks
// runs on its own machine. If any params are provided, they are
// applied to each bigmachine allocated by bigreduce.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Ranks sets the number of ranks in the session.
func Ranks(n int) Option {
	if n <= 0 {
		panic("exec.Ranks: n <= 0")
	}
	return func(s *Session) {
		s.ranks = n
	}
}

// Threads configures the number of threads used by each rank's
// parallel regions. By default, ranks use one thread per processor.
func Threads(p int) Option {
	if p <= 0 {
		panic("exec.Threads: p <= 0")
	}
	return func(s *Session) {
		s.threads = p
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Start creates and starts a new bigreduce session, configuring it
// according to the provided options. If no executor is configured,
// the session runs DefaultRanks ranks with the local executor. Start
// panics if the executor fails to start; StartErr returns the error
// instead.
func Start(options ...Option) *Session {
	s, err := StartErr(options...)
	if err != nil {
		log.Panicf("exec.Start: %v", err)
	}
	return s
}

// StartErr is like Start, but returns an error if the executor fails
// to start.
func StartErr(options ...Option) (*Session, error) {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) start() error {
	if s.ranks == 0 {
		s.ranks = DefaultRanks
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	s.runs.Release(1)
	shutdown, err := s.executor.Start(s)
	if err != nil {
		return err
	}
	s.shutdown = shutdown
	log.Printf("bigreduce: started %s session with %d ranks", s.executor.Name(), s.ranks)
	return nil
}

// Run runs the program funcv, applied to the provided arguments, on
// every rank of the session. Run returns when every rank has
// completed, or else on error: if any rank fails, the remaining ranks
// are canceled, and the first error is returned. Concurrent calls to
// Run are serialized.
func (s *Session) Run(ctx context.Context, funcv *bigreduce.FuncValue, args ...interface{}) error {
	return s.run(ctx, 1, funcv, args...)
}

// Must is a version of Run that panics if the program fails.
func (s *Session) Must(ctx context.Context, funcv *bigreduce.FuncValue, args ...interface{}) {
	if err := s.run(ctx, 1, funcv, args...); err != nil {
		log.Panicf("exec.Run: %v", err)
	}
}

func (s *Session) run(ctx context.Context, calldepth int, funcv *bigreduce.FuncValue, args ...interface{}) error {
	location := "<unknown>"
	if _, file, line, ok := runtime.Caller(calldepth + 1); ok {
		location = fmt.Sprintf("%s:%d", file, line)
	}
	inv, err := funcv.Invocation(args...)
	if err != nil {
		return err
	}
	if err := s.runs.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.runs.Release(1)
	var group *status.Group
	if s.status != nil {
		group = s.status.Groupf("run %s [%d]", location, funcv.Index())
	}
	vals, err := s.executor.Run(ctx, inv, group)
	s.mu.Lock()
	s.stats.Merge(vals)
	s.mu.Unlock()
	if err != nil {
		log.Error.Printf("bigreduce: run %s: %v", location, err)
	}
	if group != nil {
		if err != nil {
			group.Printf("error: %v", err)
		} else {
			group.Printf("done: %s", vals)
		}
	}
	return err
}

// Ranks returns the number of ranks in the session.
func (s *Session) Ranks() int {
	return s.ranks
}

// Threads returns the number of threads used by each rank, or 0 if
// each rank uses its machine's default.
func (s *Session) Threads() int {
	return s.threads
}

// Stats returns the counters accumulated by all ranks over all runs
// of the session.
func (s *Session) Stats() stats.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals := make(stats.Values, len(s.stats))
	vals.Merge(s.stats)
	return vals
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}
