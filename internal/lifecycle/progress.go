package lifecycle

import "github.com/nadmax/lancachectl/internal/operation"

// progress merges snapshots into the displayed percentage. The display never
// moves backwards unless a fresh run starts after a completed one.
type progress struct {
	display    float64
	lastSeq    uint64
	lastStatus operation.Status
}

func (p *progress) reset() {
	*p = progress{}
}

// accept drops snapshots whose sequence is not newer than the last accepted
// one. Snapshots without a sequence are always accepted.
func (p *progress) accept(s operation.Snapshot) bool {
	if s.Sequence == 0 {
		return true
	}
	if s.Sequence <= p.lastSeq {
		return false
	}
	p.lastSeq = s.Sequence
	return true
}

func (p *progress) merge(s operation.Snapshot) float64 {
	switch {
	case s.Status == operation.StatusPreparing && p.lastStatus == operation.StatusCompleted:
		p.display = s.PercentComplete
	case s.Status == operation.StatusCompleted:
		p.display = 100
	case s.PercentComplete > p.display:
		p.display = s.PercentComplete
	}
	p.lastStatus = s.Status
	return p.display
}
