package pulse

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Progress is a snapshot of a long-running operation.
type Progress struct {
	Message    string `json:"message,omitempty"`
	Percentage int    `json:"percentage"` // 0..100
}

// ProgressMonitor is the surface long-running work reports through, e.g. a
// row-by-row dump that knows its row count up front.
type ProgressMonitor interface {
	// Started announces how many rows will be processed.
	Started(totalRows int64)
	// Increment marks one row done.
	Increment()
	// Finish marks the work complete (100%).
	Finish()
	SetMessage(text string)
	ClearMessage()
	TotalRows() int64
}

// DefaultUpdateInterval bounds how often RowProgress calls its OnUpdate.
const DefaultUpdateInterval = 250 * time.Millisecond

// RowProgress is a ProgressMonitor that derives a percentage from rows done.
//
// The percentage never decreases, stays at 99 until Finish and is 0 while the
// total is unknown. OnUpdate is throttled for row increments; message
// changes and Finish are always delivered.
type RowProgress struct {
	mu       sync.Mutex
	total    int64
	done     int64
	message  string
	percent  int
	finished bool

	limiter  *rate.Limiter
	onUpdate func(Progress)
}

// NewRowProgress returns a monitor that reports to onUpdate (which may be nil)
// at most once per interval for increments.
func NewRowProgress(interval time.Duration, onUpdate func(Progress)) *RowProgress {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &RowProgress{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		onUpdate: onUpdate,
	}
}

func (p *RowProgress) Started(totalRows int64) {
	p.update(true, func() {
		if totalRows < 0 {
			totalRows = 0
		}
		p.total = totalRows
	})
}

func (p *RowProgress) Increment() {
	p.update(false, func() { p.done++ })
}

// Add marks n rows done.
func (p *RowProgress) Add(n int64) {
	if n <= 0 {
		return
	}
	p.update(false, func() { p.done += n })
}

func (p *RowProgress) Finish() {
	p.update(true, func() { p.finished = true })
}

func (p *RowProgress) SetMessage(text string) {
	p.update(true, func() { p.message = text })
}

func (p *RowProgress) ClearMessage() {
	p.SetMessage("")
}

func (p *RowProgress) TotalRows() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// RowsDone returns the number of rows reported so far.
func (p *RowProgress) RowsDone() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Progress returns the current snapshot.
func (p *RowProgress) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Progress{Message: p.message, Percentage: p.percent}
}

// Reset clears everything for reuse by a new unit of work.
func (p *RowProgress) Reset() {
	p.update(true, func() {
		p.total, p.done, p.message, p.finished = 0, 0, "", false
		p.percent = 0
	})
}

func (p *RowProgress) update(force bool, mutate func()) {
	p.mu.Lock()
	before := p.percent
	mutate()
	p.percent = p.recompute()
	snap := Progress{Message: p.message, Percentage: p.percent}
	notify := p.onUpdate != nil && (force || (p.percent != before && p.limiter.Allow()))
	fn := p.onUpdate
	p.mu.Unlock()

	if notify {
		fn(snap)
	}
}

// recompute must be called with mu held.
func (p *RowProgress) recompute() int {
	if p.finished {
		return 100
	}
	pct := 0
	if p.total > 0 {
		pct = int(p.done * 100 / p.total)
	}
	if pct > 99 {
		pct = 99
	}
	if pct < p.percent {
		pct = p.percent
	}
	return pct
}
