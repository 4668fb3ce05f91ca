package storage

import (
	"context"

	"github.com/arx-os/pointstore/internal/eventloop"
)

// Loop is the single cooperative goroutine spec.md §5 gives storage:
// the allocator and every read or write against it happen only on this
// goroutine. Every other subsystem reaches the handler by sending a
// request through a pipe and blocking on the reply channel carried
// inside it — the Go reading of the reference engine's storage request
// pipe, with a channel standing in for its completion callback.
type Loop struct {
	handler *Handler
	loop    *eventloop.Loop
	reqs    *eventloop.Pipe[func()]
}

// NewLoop starts the storage loop's goroutine over handler. Nothing
// else may call handler's methods directly once it is owned by a Loop.
func NewLoop(handler *Handler) *Loop {
	l := &Loop{handler: handler, loop: eventloop.NewLoop(context.Background()), reqs: eventloop.NewPipe[func()]()}
	eventloop.RegisterPipe(l.loop, l.reqs, l.drain)
	go l.loop.Run()
	return l
}

func (l *Loop) drain(batch []func()) {
	for _, fn := range batch {
		fn()
	}
}

// Stop shuts the loop down; in-flight requests already queued are
// allowed to finish before Run returns.
func (l *Loop) Stop() {
	flushed := make(chan struct{})
	l.reqs.Send(func() { close(flushed) })
	<-flushed
	l.loop.Stop()
}

// WritePoints serializes a WritePoints call onto the storage loop and
// blocks the caller until it completes.
func (l *Loop) WritePoints(header Header, attrID AttributesID, columns [][]byte) (Location, error) {
	type result struct {
		loc Location
		err error
	}
	done := make(chan result, 1)
	l.reqs.Send(func() {
		loc, err := l.handler.WritePoints(header, attrID, columns)
		done <- result{loc, err}
	})
	r := <-done
	return r.loc, r.err
}

// ReadPoints serializes a ReadPoints call onto the storage loop and
// blocks the caller until it completes.
func (l *Loop) ReadPoints(loc Location) (Header, AttributesID, [][]byte, error) {
	type result struct {
		header Header
		attrID AttributesID
		cols   [][]byte
		err    error
	}
	done := make(chan result, 1)
	l.reqs.Send(func() {
		header, attrID, cols, err := l.handler.ReadPoints(loc)
		done <- result{header, attrID, cols, err}
	})
	r := <-done
	return r.header, r.attrID, r.cols, r.err
}

// Commit serializes a Commit call onto the storage loop.
func (l *Loop) Commit(newTreeRegistry []byte, oldTreeRegistryLocs []Location, newAttrConfig []byte) (Location, error) {
	type result struct {
		loc Location
		err error
	}
	done := make(chan result, 1)
	l.reqs.Send(func() {
		loc, err := l.handler.Commit(newTreeRegistry, oldTreeRegistryLocs, newAttrConfig)
		done <- result{loc, err}
	})
	r := <-done
	return r.loc, r.err
}
