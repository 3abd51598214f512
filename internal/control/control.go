// Package control implements the control-plane relay and status fan-out,
// grounded on high_priest.py's HighPriest. Two independent relays run here:
// external control commands (QUIT/PAUSE/RESUME/KILL/...) arrive on a PULL
// queue, are applied directly to the registered tasks (see Register), and
// are rebroadcast on an internal PUB for any out-of-process subscriber;
// status events pushed by every task onto an internal PULL queue are
// rebroadcast on an external PUB for monitors. The reference ran both
// relays on one thread via a zmq.Poller; here they run as two independent
// Steps, matching how internal/receiver splits its file and control queues
// across goroutines rather than one hand-rolled poll loop.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pkgforge/master/internal/task"
	"github.com/pkgforge/master/internal/transport"
	"github.com/pkgforge/master/internal/wire"
)

// SlaveControl is the subset of the slave driver's control surface the relay
// needs to forward per-builder verbs to, satisfied by *slavedriver.Driver.
type SlaveControl interface {
	Apply(ctx context.Context, verb string, builderID int64)
}

// Relay is the master.high_priest task.
type Relay struct {
	*task.Base
	intControl *transport.Channel // PUB, bound; rebroadcast for out-of-process subscribers
	extControl *transport.Channel // PULL, bound; piw-ctrl PUSHes here
	intStatus  *transport.Channel // PULL, bound; every task PUSHes here
	extStatus  *transport.Channel // PUB, bound; monitors SUB to this

	bases []*task.Base
	slave SlaveControl

	quitOnce sync.Once
	quitCh   chan struct{}
}

// New binds all four control/status sockets.
func New(ctx context.Context, intControlAddr, extControlAddr, intStatusAddr, extStatusAddr string) (*Relay, error) {
	intControl, err := transport.NewPub(ctx, intControlAddr, wire.ControlProtocol, transport.WithHWM(1))
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	extControl, err := transport.NewPull(ctx, extControlAddr, wire.ControlProtocol, transport.WithHWM(1))
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	intStatus, err := transport.NewPull(ctx, intStatusAddr, wire.StatusProtocol, transport.WithHWM(10))
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	extStatus, err := transport.NewPub(ctx, extStatusAddr, wire.StatusProtocol, transport.WithHWM(10))
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	return &Relay{
		Base:       task.NewBase(),
		intControl: intControl,
		extControl: extControl,
		intStatus:  intStatus,
		extStatus:  extStatus,
		quitCh:     make(chan struct{}),
	}, nil
}

func (r *Relay) Name() string { return "master.high_priest" }

// Register tells the relay which tasks' control channels to forward
// global QUIT/PAUSE/RESUME onto, and which slave driver to forward
// per-builder KILL/SKIP/SLEEP/WAKE/LIST/HELLO onto. In the reference
// implementation every task independently SUBs to the internal control
// queue; here, since every task lives in the same process, the relay holds
// direct references instead of adding a second internal socket hop.
func (r *Relay) Register(bases []*task.Base, slave SlaveControl) {
	r.bases = bases
	r.slave = slave
}

// Done is closed once an external QUIT has been relayed, letting the main
// goroutine trigger orderly shutdown the same way an OS signal does.
func (r *Relay) Done() <-chan struct{} { return r.quitCh }

// Step services the control relay; run StepStatus on its own goroutine for
// the status relay (see cmd/master).
func (r *Relay) Step(ctx context.Context) error {
	return r.StepControl(ctx)
}

// StepControl relays one command from the external control queue onto the
// internal fan-out, matching HighPriest.run's ext_control_queue branch, and
// additionally applies it directly to the registered tasks and slave driver
// (see Register).
func (r *Relay) StepControl(ctx context.Context) error {
	verb, raw, err := r.extControl.RecvRaw()
	if err != nil {
		return fmt.Errorf("control: recv: %w", err)
	}
	switch verb {
	case "QUIT":
		log.Warn().Msg("shutting down on QUIT message")
		r.broadcast(task.SignalQuit)
		r.quitOnce.Do(func() { close(r.quitCh) })
	case "PAUSE":
		log.Warn().Msg("pausing operations")
		r.broadcast(task.SignalPause)
	case "RESUME":
		log.Warn().Msg("resuming operations")
		r.broadcast(task.SignalResume)
	case "KILL", "SKIP", "SLEEP", "WAKE":
		var a wire.BuilderIDArgs
		_ = wire.DecodeArgs(raw, &a)
		log.Warn().Int64("builder_id", a.BuilderID).Str("verb", verb).Msg("builder control op")
		if r.slave != nil {
			r.slave.Apply(ctx, verb, a.BuilderID)
		}
	case "LIST", "HELLO":
		if r.slave != nil {
			r.slave.Apply(ctx, verb, 0)
		}
	}
	return r.intControl.SendRaw(verb, raw)
}

// broadcast delivers sig to every registered task's control channel without
// blocking; a task that hasn't drained its (buffered) channel yet simply
// sees the signal on its next poll.
func (r *Relay) broadcast(sig task.Signal) {
	for _, b := range r.bases {
		select {
		case b.Control() <- sig:
		default:
		}
	}
}

// StepStatus relays one event from the internal status queue onto the
// external fan-out, matching HighPriest.run's int_status_queue branch.
func (r *Relay) StepStatus(ctx context.Context) error {
	verb, raw, err := r.intStatus.RecvRaw()
	if err != nil {
		return fmt.Errorf("control: recv status: %w", err)
	}
	return r.extStatus.SendRaw(verb, raw)
}

// Quit broadcasts a final QUIT to every internal subscriber, matching
// HighPriest.run's finally-block int_control_queue.send_json(['QUIT']).
func (r *Relay) Quit() error {
	r.broadcast(task.SignalQuit)
	raw, err := wire.EncodeArgs(nil)
	if err != nil {
		return err
	}
	return r.intControl.SendRaw("QUIT", raw)
}
