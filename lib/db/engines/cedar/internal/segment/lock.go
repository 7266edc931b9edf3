package segment

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Lock word layout. The word lives in the first tier header of a segment so
// that every process mapping the file shares it.
const (
	readerMask uint64 = 1<<32 - 1 // number of shared holders
	updateBit  uint64 = 1 << 32   // held by the single update holder
	writeBit   uint64 = 1 << 33   // set by the update holder while upgrading
)

// Lock is a three-mode lock: shared (many readers), update (one holder,
// compatible with readers) and exclusive (upgraded update lock, no readers).
//
// An update holder that upgrades sets the write bit first, which keeps new
// readers out, and then waits for the current readers to drain. Since only the
// update holder may upgrade, at most one upgrade is in progress at a time.
type Lock struct {
	word *uint64
}

// backoff yields the processor, first by rescheduling and later by sleeping,
// to bound the cost of spinning on a contended lock.
func backoff(attempt int) {
	switch {
	case attempt < 16:
		runtime.Gosched()
	case attempt < 64:
		for i := 0; i < 1<<(attempt/16); i++ {
			runtime.Gosched()
		}
	default:
		time.Sleep(20 * time.Microsecond)
	}
}

// ReadLock acquires the shared lock.
func (l Lock) ReadLock() {
	for i := 0; ; i++ {
		w := atomic.LoadUint64(l.word)
		if w&writeBit == 0 && w&readerMask < readerMask && atomic.CompareAndSwapUint64(l.word, w, w+1) {
			return
		}
		backoff(i)
	}
}

// ReadUnlock releases the shared lock.
func (l Lock) ReadUnlock() {
	if atomic.AddUint64(l.word, ^uint64(0))&readerMask == readerMask {
		panic("segment: read unlock without read lock")
	}
}

// UpdateLock acquires the update lock.
func (l Lock) UpdateLock() {
	for i := 0; ; i++ {
		w := atomic.LoadUint64(l.word)
		if w&(updateBit|writeBit) == 0 && atomic.CompareAndSwapUint64(l.word, w, w|updateBit) {
			return
		}
		backoff(i)
	}
}

// UpdateUnlock releases the update lock.
func (l Lock) UpdateUnlock() {
	l.clear(updateBit)
}

// UpgradeToWrite turns the held update lock into the exclusive lock.
func (l Lock) UpgradeToWrite() {
	for {
		w := atomic.LoadUint64(l.word)
		if w&updateBit == 0 {
			panic("segment: upgrade without update lock")
		}
		if atomic.CompareAndSwapUint64(l.word, w, w|writeBit) {
			break
		}
	}
	for i := 0; atomic.LoadUint64(l.word)&readerMask != 0; i++ {
		backoff(i)
	}
}

// WriteLock acquires the exclusive lock.
func (l Lock) WriteLock() {
	l.UpdateLock()
	l.UpgradeToWrite()
}

// WriteUnlock releases the exclusive lock.
func (l Lock) WriteUnlock() {
	l.clear(writeBit | updateBit)
}

func (l Lock) clear(bits uint64) {
	for {
		w := atomic.LoadUint64(l.word)
		if w&bits == 0 {
			panic("segment: unlock of a lock that is not held")
		}
		if atomic.CompareAndSwapUint64(l.word, w, w&^bits) {
			return
		}
	}
}

// ForceUnlock resets the lock word. It is only safe when no other process or
// goroutine can hold the lock, for example after a crash left it held. See
// cedar.Map.ResetLocks.
func (l Lock) ForceUnlock() {
	atomic.StoreUint64(l.word, 0)
}

// State returns the number of readers and whether the update and exclusive
// locks are held.
func (l Lock) State() (readers int, update, write bool) {
	w := atomic.LoadUint64(l.word)
	return int(w & readerMask), w&updateBit != 0, w&writeBit != 0
}
