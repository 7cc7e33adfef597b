// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package loop implements the single-threaded cooperative event loop that
// every other package in this module schedules work onto. Routes,
// NetSessions, XMLStreams, and the route table are mutated only from
// functions posted to a Loop; anything that would otherwise suspend (a DNS
// lookup, a socket read, a TLS handshake) instead runs on its own goroutine
// and posts its result back as a closure.
package loop // import "vein.im/s2s/internal/loop"

import "context"

// A Loop serializes access to a set of related objects by running all
// mutation inside closures taken off a single channel. There are no locks;
// ordering comes entirely from the loop draining work in the order it was
// posted.
type Loop struct {
	work chan func()
}

// New returns a Loop with the given pending-work buffer size. A buffer of 0
// is legal and makes Post block until the loop is draining, which is useful
// in tests that want deterministic interleaving.
func New(buffer int) *Loop {
	return &Loop{work: make(chan func(), buffer)}
}

// Post schedules f to run on the loop. Post may be called from any
// goroutine; f itself is called on the loop, by Run or RunOne.
func (l *Loop) Post(f func()) {
	l.work <- f
}

// Run drains posted work until ctx is canceled. Run is meant to be called
// from exactly one goroutine for the lifetime of the Loop.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case f := <-l.work:
			f()
		case <-ctx.Done():
			return
		}
	}
}

// RunOne drains at most one pending unit of work without blocking. It
// reports whether work was run, and exists mainly to let tests drive the
// loop deterministically one step at a time.
func (l *Loop) RunOne() bool {
	select {
	case f := <-l.work:
		f()
		return true
	default:
		return false
	}
}
