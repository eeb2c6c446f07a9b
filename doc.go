// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigreduce implements distributed map-reduce for SPMD
	programs. A fixed group of ranks, each of them multithreaded,
	jointly hold partitioned collections and run mapper and reducer
	computations over them; bigreduce combines emitted values across
	threads and across ranks.

	A program is an ordinary Go function registered with Func. It is
	run once on every rank of a cluster (see package
	github.com/grailbio/bigreduce/exec), and receives a *Cluster that
	identifies the rank and provides the communicator shared with its
	peers.

	Collections

	DistRange is a virtual range of integers, striped across ranks and
	dynamically chunked across threads. DistVector is a dense array
	whose key k is owned by rank k mod n. DistHashMap is a hash map
	whose keys are owned by rank hash(k) mod n.

	Updates to distributed collections are buffered: AsyncSet combines
	a value into a local shard or into a staging buffer for the owning
	rank, and Sync, a collective operation, ships staged updates to
	their owners. Values observed between AsyncSet and Sync are
	undefined.

	Map-reduce

	MapReduce runs a mapper over any Iterable source (a DistRange,
	DistVector or DistHashMap) and routes its emitted key-value pairs
	into a sharded destination (a DistVector or DistHashMap).
	MapReduceDense instead reduces into a fixed-width dense destination
	(a plain slice, via Slice, or a DistVector), first combining within
	each rank and then across ranks. Reducers must be associative and
	commutative; the named reducers Sum, Prod, Min and Max additionally
	use native all-reduce when reducing dense numeric destinations.

	Collective operations

	Every rank must call collective operations (Sync, TopK, Gather,
	Broadcast, Collect, MapReduce, and so on) in the same order.
	Collectives are not safe for concurrent use by multiple goroutines
	of the same rank.
*/
package bigreduce
