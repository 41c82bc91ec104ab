package background

// spawnPool bounds the in-flight spawns of one job.
// Tokens are pre-filled up to limit; Active is the number of tokens held.
type spawnPool struct {
	limit int
	ch    chan struct{}
}

func newSpawnPool(limit int) *spawnPool {
	if limit <= 0 {
		limit = 1
	}
	p := &spawnPool{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		p.ch <- struct{}{}
	}
	return p
}

// tryAcquire takes a token without blocking.
func (p *spawnPool) tryAcquire() bool {
	select {
	case <-p.ch:
		return true
	default:
		return false
	}
}

// release never blocks; a surplus release is ignored.
func (p *spawnPool) release() {
	select {
	case p.ch <- struct{}{}:
	default:
	}
}

func (p *spawnPool) active() int { return p.limit - len(p.ch) }
