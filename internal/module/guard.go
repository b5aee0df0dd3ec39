package module

import "sync"

// dispatchGuard is the single logical dispatcher every command handler and
// I/O callback funnels through before touching shared module/context state
// (spec.md §5: "all callbacks into module/context state are serialized
// onto a single logical dispatcher"). It is the teacher's processmgr
// slotPool (internal/infrastructure/processmgr/slot_pool.go) collapsed to
// a single slot: acquiring it behaves like a blocking mutex, but
// acquisition is tied to a caller-supplied id, so a double-acquire or a
// release by a non-owner is a detectable protocol violation rather than
// silent corruption — the same accountable-ownership property the
// teacher's dual-slot (preflight/onflight) concurrency gate provides for
// process launches.
type dispatchGuard struct {
	mu    sync.Mutex
	cond  *sync.Cond
	cap   int64
	usage int64
	owner map[int64]struct{}
}

func newDispatchGuard(capacity int64) *dispatchGuard {
	g := &dispatchGuard{cap: capacity, owner: make(map[int64]struct{})}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Acquire blocks until a slot is free and registers id as the holder.
func (g *dispatchGuard) Acquire(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, holds := g.owner[id]; holds {
		panic("dispatchGuard: id already holds the dispatcher")
	}
	for g.usage >= g.cap {
		g.cond.Wait()
	}
	g.usage++
	g.owner[id] = struct{}{}
}

// Release frees the slot held by id.
func (g *dispatchGuard) Release(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, holds := g.owner[id]; !holds {
		panic("dispatchGuard: release for non-owner id")
	}
	delete(g.owner, id)
	g.usage--
	g.cond.Signal()
}
