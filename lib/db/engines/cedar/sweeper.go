package cedar

import (
	"sync"
	"time"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/segment"
	"github.com/ValentinKolb/mKV/lib/db/util"
	"golang.org/x/sync/errgroup"
)

// location identifies an entry inside its segment.
type location struct {
	tier int64
	pos  int64
}

// tombstone is a removal registered with the sweeper.
type tombstone struct {
	segment  int
	loc      location
	deadline uint64 // removal timestamp + cleanup timeout
}

// sweeper erases tombstones of a replicated map once they are older than the
// cleanup timeout. Writers register tombstones through a lock-free queue
// after releasing the segment lock, the sweeper goroutine keeps one deadline
// heap per segment.
type sweeper struct {
	m        *Map
	timeout  uint64
	interval time.Duration
	queue    *util.LockFreeMPSC[tombstone]

	mu    sync.Mutex // guards heaps
	heaps []*util.MapHeap[location]

	stop chan struct{}
	done sync.WaitGroup
}

func newSweeper(m *Map, timeout uint64, interval time.Duration) *sweeper {
	s := &sweeper{
		m:        m,
		timeout:  timeout,
		interval: interval,
		queue:    util.NewLockFreeMPSC[tombstone](),
		heaps:    make([]*util.MapHeap[location], len(m.segments)),
		stop:     make(chan struct{}),
	}
	for i := range s.heaps {
		s.heaps[i] = util.NewMapHeap[location]()
	}
	return s
}

// seed registers the tombstones already present in the map, e.g. after
// reopening a file.
func (s *sweeper) seed() error {
	var g errgroup.Group
	for _, seg := range s.m.segments {
		g.Go(func() error {
			var found []tombstone
			_, err := seg.ForEach(true, func(e segment.EntryView) bool {
				if e.Replication.Tombstone {
					found = append(found, tombstone{
						segment:  seg.Index,
						loc:      location{tier: e.Tier, pos: e.Pos},
						deadline: e.Replication.Timestamp + s.timeout,
					})
				}
				return true
			})
			if err != nil {
				return err
			}
			s.mu.Lock()
			for _, t := range found {
				s.heaps[t.segment].AddItem(t.loc, t.deadline)
			}
			s.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (s *sweeper) start() {
	s.done.Add(1)
	go s.run()
}

// register queues a tombstone. It never blocks.
func (s *sweeper) register(segIndex int, res Result, timestamp uint64) {
	s.queue.Push(&tombstone{
		segment:  segIndex,
		loc:      location{tier: res.Tier, pos: res.Pos},
		deadline: timestamp + s.timeout,
	})
}

func (s *sweeper) run() {
	defer s.done.Done()

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case t, ok := <-s.queue.Recv():
			if !ok {
				return
			}
			s.mu.Lock()
			s.heaps[t.segment].AddItem(t.loc, t.deadline)
			s.mu.Unlock()
		case <-timer.C:
			/*
				The clock is read once per cycle, so that entries removed while
				the cycle runs cannot keep it busy.
			*/
			if n, err := s.collect(s.m.clock.Now()); err != nil {
				log.Errorf("tombstone sweep failed: %v", err)
			} else if n > 0 {
				log.Debugf("swept %d tombstones", n)
			}
			timer.Reset(s.interval)
		}
	}
}

// collect erases every registered tombstone whose deadline passed.
func (s *sweeper) collect(now uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for i, h := range s.heaps {
		seg := s.m.segments[i]
		var requeue []util.Item[location]
		for {
			item, ok := h.PopDue(now)
			if !ok {
				break
			}

			var current segment.Replication
			erased, err := seg.EraseTombstone(item.Key.tier, item.Key.pos, func(r segment.Replication) bool {
				current = r
				return s.expired(r, now)
			})
			if err != nil {
				return swept, err
			}
			if erased {
				swept++
				continue
			}

			/*
				Note: the entry at this location may have been revived or removed
				again in the meantime. A tombstone with a newer timestamp is
				scheduled again, anything else is dropped from the heap so it is
				not processed in every cycle.
			*/
			if current.Tombstone && !s.expired(current, now) {
				requeue = append(requeue, util.Item[location]{Key: item.Key, Priority: current.Timestamp + s.timeout})
			}
		}
		for _, item := range requeue {
			h.AddItem(item.Key, item.Priority)
		}
	}
	s.m.metrics.swept.Add(swept)
	return swept, nil
}

func (s *sweeper) expired(r segment.Replication, now uint64) bool {
	return r.Timestamp+s.timeout <= now
}

// reset forgets all registered tombstones.
func (s *sweeper) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.heaps {
		h.Reset()
	}
}

func (s *sweeper) close() {
	s.queue.Close()
	close(s.stop)
	s.done.Wait()
	for range s.queue.Recv() {
	}
}
