package scriptpool

import "time"

// adjusterLoop is the dynamic-sizing adjuster thread (spec.md §4.4): waits
// for an idle-state change, then on wake reads idle_thread_count and the
// global queue's size to decide whether to shrink or grow by one thread,
// damping decisions with a 1s sleep to avoid oscillation.
func (p *Pool) adjusterLoop() {
	defer close(p.adjusterDone)

	for p.adjusterRunning.Load() {
		p.idleMu.Lock()
		wake := p.idleSignal
		p.idleMu.Unlock()
		<-wake

		if !p.adjusterRunning.Load() {
			return
		}

		p.decide()
		time.Sleep(adjusterDampingInterval)
	}
}

// decide implements the heuristic spec.md §4.4 and §9 name: idle above
// threshold with more than MinThreadCount threads shrinks by one; a
// non-empty global queue with no idle threads grows by one (up to
// MaxThreadCount, when set). Both conflate "momentarily
// idle" with "over-provisioned" — spec.md §9 calls this out as a known
// thrashing risk, not something this port should silently fix.
func (p *Pool) decide() {
	idle := int(p.idleCount.Load())
	active := p.activeThreadCount()
	queued := p.globalQueue.Len()

	switch {
	case idle > p.cfg.IdleThreshold && active > p.cfg.MinThreadCount:
		_ = p.Resize(active - 1)
	case idle == 0 && queued > 0:
		if p.cfg.MaxThreadCount == 0 || active < p.cfg.MaxThreadCount {
			_ = p.Resize(active + 1)
		}
	}
}
