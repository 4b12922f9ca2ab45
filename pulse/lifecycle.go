package pulse

import (
	"context"
	"fmt"

	"github.com/teranos/warden/logger"
)

// State of the scheduler lifecycle:
//
//	Standby -> Started -> Standby -> ... -> Shutdown
type State int

const (
	// StateStandby fires nothing from this node. Other nodes may still run
	// cluster jobs.
	StateStandby State = iota
	StateStarted
	// StateShutdown is terminal.
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateStarted:
		return "started"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins firing jobs. It is a no-op unless the scheduler is in Standby.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.state != StateStandby {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stop, s.done = cancel, done
	s.state = StateStarted
	// created here so a tick that happens right after Start is not missed
	ticker := s.clock.Ticker(s.cfg.TickInterval)
	s.mu.Unlock()

	go s.run(ctx, ticker, done)
	logger.AddPulseOpenSymbol(s.logger).Infow("Scheduler started",
		"interval", s.cfg.TickInterval,
		"workers", s.cfg.Workers)
}

// Standby stops firing jobs from this node. Running jobs continue.
// It is a no-op unless the scheduler is Started.
func (s *Scheduler) Standby() {
	s.mu.Lock()
	if s.state != StateStarted {
		s.mu.Unlock()
		return
	}
	s.state = StateStandby
	stop, done := s.detachTickerLocked()
	s.mu.Unlock()

	stopTicker(stop, done)
	s.pulseLog.Infow("Scheduler in standby")
}

// Shutdown stops the ticker for good and waits up to the configured
// shutdown timeout for running jobs, requesting cancellation of those still
// running afterwards. Calling it again is a no-op.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return
	}
	s.state = StateShutdown
	stop, done := s.detachTickerLocked()
	s.mu.Unlock()

	stopTicker(stop, done)

	finished := s.pool.Stop(s.cfg.ShutdownTimeout)
	logger.AddPulseCloseSymbol(s.logger).Infow("Scheduler shut down", "jobs_finished", finished)
}

func (s *Scheduler) detachTickerLocked() (context.CancelFunc, chan struct{}) {
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	return stop, done
}

// stopTicker cancels the ticker goroutine and waits for its current tick.
func stopTicker(stop context.CancelFunc, done chan struct{}) {
	if stop == nil {
		return
	}
	stop()
	<-done
}
