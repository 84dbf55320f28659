package lockproxy

// grant is the shared result slot of one acquisition cycle. Every caller
// parked behind the in-flight request waits on done and observes the same
// err once the slot is resolved. The fields other than done are guarded by
// the owning Proxy's mutex.
type grant struct {
	done chan struct{}
	err  error
	// live counts the callers that still hold a hold on this cycle's behalf.
	live     int
	resolved bool
}

func newGrant() *grant {
	return &grant{done: make(chan struct{}), live: 1}
}

func (g *grant) enqueue() {
	g.live++
}

// leave drops a caller that stopped waiting before resolution.
func (g *grant) leave() {
	if g.live > 0 {
		g.live--
	}
}

// resolve wakes every waiter at once. It must be called at most once.
func (g *grant) resolve(err error) {
	g.err = err
	g.resolved = true
	g.live = 0
	close(g.done)
}
