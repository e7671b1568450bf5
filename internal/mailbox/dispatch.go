package mailbox

import (
	"context"
	"sync"
)

// dispatcher delivers changes to one subscriber callback, in order, on its
// own goroutine. Pushes never block the writer.
type dispatcher struct {
	fn func(Change)

	mu      sync.Mutex
	queue   []dispatchItem
	closed  bool
	seen    map[string]int64
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

type dispatchItem struct {
	change  Change
	barrier chan struct{}
}

func newDispatcher(fn func(Change)) *dispatcher {
	d := &dispatcher{
		fn:      fn,
		seen:    make(map[string]int64),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// push enqueues c. Changes for a path whose version is not newer than the
// last delivered one are skipped, so a snapshot racing with live updates
// never delivers the same version twice.
func (d *dispatcher) push(c Change) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if c.Kind != ChangeRemoved {
		if v, ok := d.seen[c.Doc.Path]; ok && c.Doc.Version <= v {
			d.mu.Unlock()
			return
		}
		d.seen[c.Doc.Path] = c.Doc.Version
	} else {
		delete(d.seen, c.Doc.Path)
	}
	d.queue = append(d.queue, dispatchItem{change: c})
	d.mu.Unlock()
	d.signal()
}

// flush waits until everything queued before the call has been delivered.
func (d *dispatcher) flush(ctx context.Context) error {
	ch := make(chan struct{})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, dispatchItem{barrier: ch})
	d.mu.Unlock()
	d.signal()

	select {
	case <-ch:
		return nil
	case <-d.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.mu.Unlock()
	close(d.done)
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			item := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()

			if item.barrier != nil {
				close(item.barrier)
				continue
			}
			d.fn(item.change)
		}
	}
}
