package maintenance

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/internal/util"
	"github.com/teranos/warden/logger"
	"github.com/teranos/warden/pulse"
)

type weightedStep struct {
	step   Step
	weight int
	done   bool
}

// Phase runs weighted steps in order as one unit.
//
// Overall progress is the weight-averaged progress of finished and active
// steps, rounded down once at the end, so 100 is reported only when every
// weighted step is done. Weight-0 steps run but never move the figure.
type Phase struct {
	name string

	mu      sync.Mutex
	steps   []*weightedStep
	current int // index of the running step, -1 before Run
	started bool

	canceled atomic.Bool
	log      *zap.SugaredLogger
}

// NewPhase creates an empty phase.
func NewPhase(name string, log *zap.SugaredLogger) *Phase {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Phase{
		name:    name,
		current: -1,
		log:     logger.AddPhaseSymbol(log.Named("phase")).With(logger.FieldPhase, name),
	}
}

// Add appends step with the given weight. Steps cannot be added once the
// phase has started.
func (p *Phase) Add(step Step, weight int) error {
	if weight < 0 {
		return errors.NewInvalidRequestError("step %s: negative weight %d", step.Name(), weight)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.Newf("phase %s already started", p.name)
	}
	p.steps = append(p.steps, &weightedStep{step: step, weight: weight})
	return nil
}

// MustAdd is Add for phases assembled from constants.
func (p *Phase) MustAdd(step Step, weight int) *Phase {
	if err := p.Add(step, weight); err != nil {
		panic(err)
	}
	return p
}

// Name returns the phase name.
func (p *Phase) Name() string { return p.name }

// Steps returns the steps in execution order.
func (p *Phase) Steps() []Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Step, len(p.steps))
	for i, ws := range p.steps {
		out[i] = ws.step
	}
	return out
}

// Run executes the steps in order on the calling goroutine. The first
// error stops the phase; later steps never run. Cancellation surfaces as an
// error marked ErrCanceled.
func (p *Phase) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.Newf("phase %s already ran", p.name)
	}
	p.started = true
	steps := p.steps
	p.mu.Unlock()

	for i, ws := range steps {
		if p.canceled.Load() {
			return canceledf("phase %s canceled before step %s", p.name, ws.step.Name())
		}
		if err := ctx.Err(); err != nil {
			return canceledf("phase %s interrupted before step %s: %v", p.name, ws.step.Name(), err)
		}

		p.mu.Lock()
		p.current = i
		p.mu.Unlock()
		// a Cancel racing the index update must still reach this step
		if p.canceled.Load() {
			ws.step.Cancel()
		}

		p.log.Debugw("Step started", logger.FieldStep, ws.step.Name(), "weight", ws.weight)
		if err := ws.step.Run(ctx); err != nil {
			p.log.Infow("Step stopped",
				logger.FieldStep, ws.step.Name(),
				"canceled", IsCanceled(err),
				logger.FieldError, err)
			return failure(ws.step.Name(), err)
		}

		p.mu.Lock()
		ws.done = true
		p.mu.Unlock()
		p.log.Debugw("Step finished", logger.FieldStep, ws.step.Name(), logger.FieldProgress, p.Progress().Percentage)
	}
	return nil
}

// Cancel forwards cancellation to the running step and keeps later steps
// from starting.
func (p *Phase) Cancel() {
	p.canceled.Store(true)
	p.mu.Lock()
	var cur Step
	if p.current >= 0 && p.current < len(p.steps) {
		cur = p.steps[p.current].step
	}
	p.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}

// Progress returns the aggregated percentage and the active step's message.
func (p *Phase) Progress() pulse.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, ws := range p.steps {
		total += ws.weight
	}

	var msg string
	sum := 0
	for i, ws := range p.steps {
		switch {
		case ws.done:
			sum += ws.weight * 100
		case i == p.current:
			sp := ws.step.Progress()
			sum += ws.weight * util.ClampInt(sp.Percentage, 0, 100)
			msg = sp.Message
		}
	}
	if total == 0 {
		if len(p.steps) > 0 && p.steps[len(p.steps)-1].done {
			return pulse.Progress{Message: msg, Percentage: 100}
		}
		return pulse.Progress{Message: msg}
	}
	return pulse.Progress{Message: msg, Percentage: sum / total}
}
