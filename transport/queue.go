////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	"sync"

	"github.com/golang-collections/collections/queue"
	"github.com/nbd-wtf/go-nostr"
	jww "github.com/spf13/jwalterweatherman"
)

type delivery struct {
	relay string
	ev    *nostr.Event
}

// deliveryQueue runs a handler over an unbounded FIFO of events on its own
// goroutine so publishers never block on slow subscribers.
type deliveryQueue struct {
	handler Handler
	q       *queue.Queue
	seen    map[string]struct{}
	signal  chan struct{}
	quit    chan struct{}
	once    sync.Once
	mux     sync.Mutex
}

func newDeliveryQueue(handler Handler) *deliveryQueue {
	dq := &deliveryQueue{
		handler: handler,
		q:       queue.New(),
		seen:    make(map[string]struct{}),
		signal:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	go dq.run()
	return dq
}

// push enqueues the event unless an event with the same id was already
// delivered.
func (dq *deliveryQueue) push(relay string, ev *nostr.Event) {
	dq.mux.Lock()
	if _, exists := dq.seen[ev.ID]; exists {
		dq.mux.Unlock()
		return
	}
	dq.seen[ev.ID] = struct{}{}
	dq.q.Enqueue(delivery{relay: relay, ev: ev})
	dq.mux.Unlock()

	select {
	case dq.signal <- struct{}{}:
	default:
	}
}

func (dq *deliveryQueue) pop() (delivery, bool) {
	dq.mux.Lock()
	defer dq.mux.Unlock()
	if dq.q.Len() == 0 {
		return delivery{}, false
	}
	return dq.q.Dequeue().(delivery), true
}

func (dq *deliveryQueue) run() {
	for {
		select {
		case <-dq.quit:
			return
		case <-dq.signal:
		}
		for {
			select {
			case <-dq.quit:
				return
			default:
			}
			d, ok := dq.pop()
			if !ok {
				break
			}
			jww.TRACE.Printf("[RLY] Delivering %s from %s", d.ev.ID, d.relay)
			dq.handler(d.relay, d.ev)
		}
	}
}

func (dq *deliveryQueue) close() {
	dq.once.Do(func() { close(dq.quit) })
}
