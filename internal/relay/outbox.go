package relay

import (
	"context"
	"log"
	"sync"
)

// outbox hands events to the publisher one at a time, in the order they were
// pushed. push never blocks, so it may be called under a room lock.
type outbox struct {
	publisher Publisher

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Remote
	closed bool
	done   chan struct{}
}

func newOutbox(p Publisher) *outbox {
	o := &outbox{
		publisher: p,
		done:      make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	go o.run()
	return o
}

func (o *outbox) push(ev Remote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.queue = append(o.queue, ev)
	o.cond.Signal()
}

func (o *outbox) run() {
	defer close(o.done)
	ctx := context.Background()

	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		ev := o.queue[0]
		o.queue[0] = Remote{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if err := o.publisher.Publish(ctx, ev); err != nil {
			log.Printf("Failed to publish %s for room %s: %v", ev.Event.Type, ev.Room, err)
		}
	}
}

// close publishes what is already queued, then stops the worker
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.done
		return
	}
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
	<-o.done
}
