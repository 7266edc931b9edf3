package cedar

import (
	"sync"

	"github.com/ValentinKolb/mKV/lib/db/util"
)

// --------------------------------------------------------------------------
// Change notification
// --------------------------------------------------------------------------

// ChangeEvent describes one applied put or remove of a replicated map.
type ChangeEvent struct {
	Segment   int
	Key       []byte
	Value     []byte // nil for removals
	Timestamp uint64
	Origin    uint8
	Removed   bool
}

// ChangeListener is called for every change of a replicated map. Calls happen
// in one goroutine, in the order the changes were queued, and never while a
// segment lock is held. The event is owned by the listener.
type ChangeListener func(ChangeEvent)

// notifier delivers change events to the listener. Writers push events after
// releasing the segment lock and never block on a slow listener.
type notifier struct {
	queue    *util.LockFreeMPSC[ChangeEvent]
	listener ChangeListener
	done     sync.WaitGroup
}

func newNotifier(listener ChangeListener) *notifier {
	n := &notifier{
		queue:    util.NewLockFreeMPSC[ChangeEvent](),
		listener: listener,
	}
	n.done.Add(1)
	go n.run()
	return n
}

func (n *notifier) run() {
	defer n.done.Done()
	for ev := range n.queue.Recv() {
		n.deliver(ev)
	}
}

func (n *notifier) deliver(ev *ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("change listener panicked for key %q: %v", ev.Key, r)
		}
	}()
	n.listener(*ev)
}

func (n *notifier) push(ev *ChangeEvent) {
	if !n.queue.Push(ev) {
		log.Warningf("dropped change event for key %q, map is closing", ev.Key)
	}
}

// close waits until all queued events are delivered.
func (n *notifier) close() {
	n.queue.Close()
	n.done.Wait()
}
