package store

import "sync"

type dispatchItem struct {
	change  Change
	barrier chan struct{}
}

// dispatcher delivers committed changes in commit order on one goroutine, so
// committing never waits on a subscriber and subscribers may write back into the store.
type dispatcher struct {
	mu      sync.Mutex
	queue   []dispatchItem
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	deliver func(Change)
}

func newDispatcher(deliver func(Change)) *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		deliver: deliver,
	}
	go d.run()
	return d
}

// enqueue appends a change. It never blocks; changes after close are dropped.
func (d *dispatcher) enqueue(change Change) {
	d.push(dispatchItem{change: change})
}

// barrier waits until everything enqueued before it has been delivered.
func (d *dispatcher) barrier() {
	done := make(chan struct{})
	if !d.push(dispatchItem{barrier: done}) {
		return
	}
	<-done
}

func (d *dispatcher) push(item dispatchItem) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, item)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// close drains the queue and stops the goroutine. It is idempotent.
func (d *dispatcher) close() {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()

	if !already {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	<-d.stopped
}

func (d *dispatcher) run() {
	defer close(d.stopped)

	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, item := range batch {
			if item.barrier != nil {
				close(item.barrier)
				continue
			}
			d.deliver(item.change)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}
