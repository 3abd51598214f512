// Package task provides the cooperative-loop base every long-running
// component of the master is built on, grounded on the reference
// implementation's tasks.py Task/PauseableTask classes. Python gave each
// task its own OS thread polling a zmq.Poller; Go gives each task its own
// goroutine selecting over channels, with a control channel always checked
// first (Python's OrderedDict handler registration existed for exactly the
// same reason).
package task

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Signal is a control-plane instruction delivered to a running task,
// mirroring the QUIT/PAUSE/RESUME verbs of the int_control_queue.
type Signal int

const (
	// SignalQuit asks the task to stop its loop and return.
	SignalQuit Signal = iota
	// SignalPause asks a Pauseable task to stop doing work until SignalResume.
	SignalPause
	// SignalResume cancels a prior SignalPause.
	SignalResume
)

// Runner is implemented by a component that wants Run's control-loop
// scaffolding. Step performs one unit of work and returns; Run calls it
// repeatedly until the task is asked to quit.
type Runner interface {
	// Name identifies the task in logs, mirroring the Python classes' `name`
	// class attribute (e.g. "master.the_architect").
	Name() string
	// Step performs one iteration of work. It should not block longer than
	// necessary to notice the context's cancellation.
	Step(ctx context.Context) error
}

// Base implements the control-queue plumbing shared by every task: a
// buffered Control channel fed by the owning process's control-plane
// dispatcher, and pause/resume bookkeeping for PauseableTask-equivalents.
type Base struct {
	control chan Signal
	paused  bool
}

// NewBase constructs a Base with room to queue a few control signals without
// blocking the sender (the Python control queue is a SUB socket, which never
// blocks its publisher either).
func NewBase() *Base {
	return &Base{control: make(chan Signal, 8)}
}

// Control returns the channel the owning dispatcher sends Signals on.
func (b *Base) Control() chan<- Signal { return b.control }

// Paused reports whether the task is currently honoring a SignalPause.
func (b *Base) Paused() bool { return b.paused }

// HandleControl drains any pending, already-delivered signal without
// blocking, applying PAUSE/RESUME and returning true if QUIT was seen. It is
// the Go analogue of Task.handle_control.
func (b *Base) HandleControl() (quit bool) {
	for {
		select {
		case sig := <-b.control:
			switch sig {
			case SignalQuit:
				return true
			case SignalPause:
				b.paused = true
			case SignalResume:
				b.paused = false
			}
		default:
			return false
		}
	}
}

// WaitWhilePaused blocks, consuming signals, until RESUME or QUIT arrives
// (or ctx is cancelled). It reproduces PauseableTask.handle_control's nested
// receive loop, which spins on the control socket and ignores everything but
// QUIT/RESUME while paused.
func (b *Base) WaitWhilePaused(ctx context.Context) (quit bool) {
	for b.paused {
		select {
		case <-ctx.Done():
			return true
		case sig := <-b.control:
			switch sig {
			case SignalQuit:
				return true
			case SignalResume:
				b.paused = false
			}
		}
	}
	return false
}

// Run drives r.Step in a loop until ctx is cancelled or a QUIT signal
// arrives on the Base's control channel, logging start/stop the way every
// Python Task.run did ("starting" / "closing").
func Run(ctx context.Context, r Runner, base *Base) {
	logger := log.With().Str("task", r.Name()).Logger()
	logger.Info().Msg("starting")
	defer logger.Info().Msg("closing")

	for {
		if base.HandleControl() {
			return
		}
		if base.WaitWhilePaused(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := r.Step(ctx); err != nil {
			logger.Error().Err(err).Msg("step failed")
		}
	}
}

// Logger returns a child logger named after the task, mirroring
// logging.getLogger(self.name).
func Logger(name string) zerolog.Logger {
	return log.With().Str("task", name).Logger()
}
