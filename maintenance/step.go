package maintenance

import (
	"context"

	"go.uber.org/atomic"

	"github.com/teranos/warden/pulse"
)

// Step is one unit of work in a Phase.
//
// Run executes synchronously. A step that fails must remove whatever partial
// output it produced before returning. Cancel only sets a flag: Run checks
// it at safe points and returns an error marked ErrCanceled.
type Step interface {
	Name() string
	Run(ctx context.Context) error
	Cancel()
	Progress() pulse.Progress
}

// BaseStep carries the cancellation flag and progress monitor steps share.
type BaseStep struct {
	name     string
	canceled atomic.Bool
	monitor  *pulse.RowProgress
}

// NewBaseStep creates the shared part of a step.
func NewBaseStep(name string) *BaseStep {
	return &BaseStep{name: name, monitor: pulse.NewRowProgress(0, nil)}
}

func (b *BaseStep) Name() string { return b.name }

// Cancel requests cancellation. It cannot be undone.
func (b *BaseStep) Cancel() { b.canceled.Store(true) }

// IsCanceled reports whether Cancel was called.
func (b *BaseStep) IsCanceled() bool { return b.canceled.Load() }

// Check is the safe-point test: it returns a cancellation error once Cancel
// was called or ctx is done.
func (b *BaseStep) Check(ctx context.Context) error {
	if b.canceled.Load() {
		return canceledf("step %s canceled", b.name)
	}
	if err := ctx.Err(); err != nil {
		return canceledf("step %s interrupted: %v", b.name, err)
	}
	return nil
}

// Monitor is the progress surface the step reports through.
func (b *BaseStep) Monitor() *pulse.RowProgress { return b.monitor }

func (b *BaseStep) Progress() pulse.Progress { return b.monitor.Progress() }

// FuncStep adapts a function to Step.
type FuncStep struct {
	*BaseStep
	fn func(ctx context.Context, s *BaseStep) error
}

// NewStep builds a step from fn. fn reports progress through s.Monitor()
// and checks s.Check(ctx) at its safe points. The step reaches 100% when fn
// returns nil.
func NewStep(name string, fn func(ctx context.Context, s *BaseStep) error) *FuncStep {
	return &FuncStep{BaseStep: NewBaseStep(name), fn: fn}
}

func (f *FuncStep) Run(ctx context.Context) error {
	if err := f.Check(ctx); err != nil {
		return err
	}
	if err := f.fn(ctx, f.BaseStep); err != nil {
		return err
	}
	f.monitor.Finish()
	return nil
}
