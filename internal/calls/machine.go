package calls

import (
	"math/rand"
	"sync"
	"time"
)

// Random is the randomness the lifecycle draws from. *rand.Rand satisfies it
// but is not safe for concurrent use; wrap shared sources with NewLockedRand.
type Random interface {
	Intn(n int) int
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedRand returns a goroutine-safe Random seeded with seed.
func NewLockedRand(seed int64) Random {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// delayRange is an inclusive range of whole seconds.
type delayRange struct{ min, max int }

// Policy is the timing and branching policy of the lifecycle.
type Policy struct {
	AnswerProbability float64

	Ringing    delayRange // QUEUED -> RINGING
	Outcome    delayRange // RINGING -> ANSWERED | UNANSWERED
	AfterTalk  delayRange // ANSWERED -> COMPLETED
	AfterNoAns delayRange // UNANSWERED -> COMPLETED

	// Unit scales every drawn delay. One second in production.
	Unit time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		AnswerProbability: 0.7,
		Ringing:           delayRange{1, 2},
		Outcome:           delayRange{3, 5},
		AfterTalk:         delayRange{2, 4},
		AfterNoAns:        delayRange{1, 2},
		Unit:              time.Second,
	}
}

// Step is one planned transition: wait Delay, then move to Status.
type Step struct {
	Status Status
	Delay  time.Duration
}

// Next picks the successor of from and the delay before it.
// ok is false for terminal statuses.
func (p Policy) Next(from Status, rng Random) (Step, bool) {
	switch from {
	case StatusQueued:
		return Step{StatusRinging, p.draw(p.Ringing, rng)}, true
	case StatusRinging:
		// Branch first, then the delay, so both draws come from one sequence.
		to := StatusUnanswered
		if rng.Float64() < p.AnswerProbability {
			to = StatusAnswered
		}
		return Step{to, p.draw(p.Outcome, rng)}, true
	case StatusAnswered:
		return Step{StatusCompleted, p.draw(p.AfterTalk, rng)}, true
	case StatusUnanswered:
		return Step{StatusCompleted, p.draw(p.AfterNoAns, rng)}, true
	default:
		return Step{}, false
	}
}

// Plan draws the full path from QUEUED to COMPLETED.
func (p Policy) Plan(rng Random) []Step {
	var out []Step
	s := StatusQueued
	for {
		step, ok := p.Next(s, rng)
		if !ok {
			return out
		}
		out = append(out, step)
		s = step.Status
	}
}

func (p Policy) draw(r delayRange, rng Random) time.Duration {
	n := r.min
	if r.max > r.min {
		n += rng.Intn(r.max - r.min + 1)
	}
	unit := p.Unit
	if unit <= 0 {
		unit = time.Second
	}
	return time.Duration(n) * unit
}
