// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigreduce"
	"github.com/grailbio/bigreduce/comm"
	"github.com/grailbio/bigreduce/stats"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&rankService{})
}

// RetryPolicy is the default retry policy used for machine calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// BigmachineExecutor is an executor that runs each rank on its own
// bigmachine machine. Ranks exchange messages directly, by calling
// each other's rank service.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess     *Session
	b        *bigmachine.B
	status   *status.Group
	machines []*bigmachine.Machine

	mu   sync.Mutex
	next uint64
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (*bigmachineExecutor) Name() string { return "bigmachine" }

// Start starts the bigmachine, launches one machine per rank, and
// introduces the ranks to each other.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func(), err error) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group("bigmachine")
	}
	ctx := sess.Context
	b.machines, err = startRanks(ctx, b.b, b.status, sess.ranks, b.params...)
	if err != nil {
		b.b.Shutdown()
		return nil, err
	}
	addrs := make([]string, len(b.machines))
	for i, m := range b.machines {
		addrs[i] = m.Addr
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range b.machines {
		req := joinRequest{Addrs: addrs, Rank: i, Threads: sess.threads}
		g.Go(func() error {
			return m.RetryCall(ctx, "Rank.Join", req, nil)
		})
	}
	if err := g.Wait(); err != nil {
		b.b.Shutdown()
		return nil, errors.E(err, "join ranks")
	}
	log.Printf("bigreduce: %d ranks joined", len(addrs))
	return b.b.Shutdown, nil
}

// Run runs the invocation on every machine. If any rank fails, the
// calls to the others are canceled; their rank services observe the
// cancellation, which aborts any pending communication.
func (b *bigmachineExecutor) Run(ctx context.Context, inv bigreduce.Invocation, group *status.Group) (stats.Values, error) {
	b.mu.Lock()
	b.next++
	req := runRequest{ID: b.next, Invocation: inv}
	b.mu.Unlock()
	replies := make([]runReply, len(b.machines))
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range b.machines {
		var task *status.Task
		if group != nil {
			task = group.Start(fmt.Sprintf("rank %d/%d", i, len(b.machines)))
			task.Title(m.Addr)
			task.Print("running")
		}
		g.Go(func() error {
			err := m.Call(ctx, "Rank.Run", req, &replies[i])
			if task != nil {
				if err != nil {
					task.Printf("error: %v", err)
				} else {
					task.Printf("done: %s", replies[i].Stats)
				}
				task.Done()
			}
			if err != nil {
				return errors.E(err, fmt.Sprintf("rank %d (%s)", i, m.Addr))
			}
			return nil
		})
	}
	err := g.Wait()
	vals := make(stats.Values)
	for _, reply := range replies {
		vals.Merge(reply.Stats)
	}
	return vals, err
}

// StartRanks starts n machines on b, installing a rank service on
// each of them, and waits for them to be in bigmachine.Running
// state. Unlike a pool of task workers, a cluster of ranks cannot
// proceed with a subset of its machines: if any machine fails to
// start, startRanks returns an error.
func startRanks(ctx context.Context, b *bigmachine.B, group *status.Group, n int, params ...bigmachine.Param) ([]*bigmachine.Machine, error) {
	params = append([]bigmachine.Param{bigmachine.Services{"Rank": &rankService{}}}, params...)
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		return nil, errors.E(err, "start machines")
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		var task *status.Task
		if group != nil {
			task = group.Start()
			task.Print("waiting for machine to boot")
		}
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				if task != nil {
					task.Printf("failed to start: %v", err)
					task.Done()
				}
				return errors.E(err, fmt.Sprintf("start rank %d", i))
			}
			if task != nil {
				task.Title(m.Addr)
				task.Printf("rank %d", i)
			}
			log.Printf("machine %v is ready for rank %d", m.Addr, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	return machines, nil
}

type joinRequest struct {
	// Addrs holds the machine address of each rank.
	Addrs []string
	// Rank is the rank of the receiving machine.
	Rank int
	// Threads is the number of threads to use in parallel regions;
	// zero selects the machine's default.
	Threads int
}

type runRequest struct {
	// ID identifies the run; messages are delivered to the mailbox
	// of their run.
	ID         uint64
	Invocation bigreduce.Invocation
}

type runReply struct {
	Stats stats.Values
}

type message struct {
	Run  uint64
	Src  int
	Tag  comm.Tag
	Data []byte
}

// A rankService is the bigmachine service that runs a single rank of
// each program and delivers messages sent to it by peer ranks.
type rankService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B

	mu      sync.Mutex
	rank    int
	addrs   []string
	threads int
	peers   map[int]*bigmachine.Machine
	boxes   map[uint64]*comm.Mailbox
	done    uint64
	stats   stats.Values
}

func (w *rankService) Init(b *bigmachine.B) error {
	w.b = b
	w.peers = make(map[int]*bigmachine.Machine)
	w.boxes = make(map[uint64]*comm.Mailbox)
	w.stats = make(stats.Values)
	return nil
}

// Join assigns the machine its rank and tells it the addresses of
// its peers.
func (w *rankService) Join(ctx context.Context, req joinRequest, _ *struct{}) error {
	if req.Rank < 0 || req.Rank >= len(req.Addrs) {
		return errors.E(errors.Invalid, fmt.Sprintf("rank %d out of range [0, %d)", req.Rank, len(req.Addrs)))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rank = req.Rank
	w.addrs = req.Addrs
	w.threads = req.Threads
	log.Printf("joined as rank %d of %d", w.rank, len(w.addrs))
	return nil
}

// Run runs an invocation as this machine's rank.
func (w *rankService) Run(ctx context.Context, req runRequest, reply *runReply) error {
	w.mu.Lock()
	if w.addrs == nil {
		w.mu.Unlock()
		return errors.E(errors.Precondition, "run before join")
	}
	threads := w.threads
	w.mu.Unlock()
	t := &machineTransport{w: w, run: req.ID, box: w.mailbox(req.ID)}
	defer w.finish(req.ID)
	m := stats.NewMap()
	c := bigreduce.NewCluster(t, threads, m)
	log.Debug.Printf("%s: run %d: start", c, req.ID)
	err := runRank(ctx, req.Invocation, c)
	reply.Stats = m.Snapshot()
	w.mu.Lock()
	w.stats.Merge(reply.Stats)
	w.mu.Unlock()
	log.Debug.Printf("%s: run %d: %s sent, %s received", c, req.ID,
		data.Size(reply.Stats[stats.BytesSent]), data.Size(reply.Stats[stats.BytesReceived]))
	return err
}

// Deliver places a message from a peer rank in the mailbox of its
// run. Deliver returns once the message has been taken.
func (w *rankService) Deliver(ctx context.Context, msg message, _ *struct{}) error {
	w.mu.Lock()
	if msg.Run <= w.done {
		w.mu.Unlock()
		return errors.E(errors.Canceled, fmt.Sprintf("message from rank %d for completed run %d", msg.Src, msg.Run))
	}
	w.mu.Unlock()
	return w.mailbox(msg.Run).Put(ctx, msg.Src, msg.Tag, msg.Data)
}

// Stats returns the counters accumulated by this rank over all runs.
func (w *rankService) Stats(ctx context.Context, _ struct{}, vals *stats.Values) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	*vals = make(stats.Values, len(w.stats))
	vals.Merge(w.stats)
	return nil
}

func (w *rankService) mailbox(run uint64) *comm.Mailbox {
	w.mu.Lock()
	defer w.mu.Unlock()
	box := w.boxes[run]
	if box == nil {
		box = comm.NewMailbox()
		w.boxes[run] = box
	}
	return box
}

func (w *rankService) finish(run uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.boxes, run)
	if run > w.done {
		w.done = run
	}
}

// Peer returns the machine running rank dst, dialing it if needed.
func (w *rankService) peer(ctx context.Context, dst int) (*bigmachine.Machine, error) {
	w.mu.Lock()
	m := w.peers[dst]
	addr := w.addrs[dst]
	w.mu.Unlock()
	if m != nil {
		return m, nil
	}
	var err error
	for retries := 0; ; retries++ {
		m, err = w.b.Dial(ctx, addr)
		if err == nil {
			break
		}
		log.Error.Printf("dial rank %d (%s): %v", dst, addr, err)
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			return nil, errors.E(err, fmt.Sprintf("dial rank %d (%s)", dst, addr))
		}
	}
	w.mu.Lock()
	if prev := w.peers[dst]; prev != nil {
		m = prev
	} else {
		w.peers[dst] = m
	}
	w.mu.Unlock()
	return m, nil
}

// MachineTransport is the transport of a rank running on a machine.
// Messages to other ranks are delivered by calling their rank
// services.
type machineTransport struct {
	w   *rankService
	run uint64
	box *comm.Mailbox
}

func (t *machineTransport) Rank() int { return t.w.rank }
func (t *machineTransport) Size() int { return len(t.w.addrs) }

func (t *machineTransport) Send(ctx context.Context, dst int, tag comm.Tag, p []byte) error {
	if dst < 0 || dst >= t.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("comm: send to nonexistent rank %d", dst))
	}
	if dst == t.Rank() {
		return t.box.Put(ctx, dst, tag, p)
	}
	m, err := t.w.peer(ctx, dst)
	if err != nil {
		return err
	}
	msg := message{Run: t.run, Src: t.Rank(), Tag: tag, Data: p}
	return m.Call(ctx, "Rank.Deliver", msg, nil)
}

func (t *machineTransport) Recv(ctx context.Context, src int, tag comm.Tag) ([]byte, error) {
	if src < 0 || src >= t.Size() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("comm: receive from nonexistent rank %d", src))
	}
	return t.box.Take(ctx, src, tag)
}
