package jobs

import (
	"math"
	"sync"
)

// Progress is the percentage sink of one job. Reports are clamped to 0..100
// and only increases are forwarded.
type Progress struct {
	mu   sync.Mutex
	last int
	emit func(percent int)
}

func newProgress(emit func(int)) *Progress {
	return &Progress{last: -1, emit: emit}
}

// Report records percent. It returns false when the value was dropped.
func (p *Progress) Report(percent int) bool {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent <= p.last {
		return false
	}
	p.last = percent
	// emit under the lock so concurrent reports reach the owner in order.
	if p.emit != nil {
		p.emit(percent)
	}
	return true
}

// Last returns the highest value reported so far, or -1.
func (p *Progress) Last() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Phase maps a sub-task onto the [from, to] slice of the overall percentage.
func (p *Progress) Phase(from, to int) *Phase {
	return &Phase{p: p, from: from, to: to}
}

type Phase struct {
	p        *Progress
	from, to int
}

// Step reports done out of total items of this phase.
func (ph *Phase) Step(done, total int) {
	if total <= 0 {
		ph.p.Report(ph.to)
		return
	}
	frac := float64(done) / float64(total)
	ph.p.Report(ph.from + int(math.Floor(frac*float64(ph.to-ph.from))))
}

// Done reports the end of the phase.
func (ph *Phase) Done() { ph.p.Report(ph.to) }
