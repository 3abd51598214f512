// Package transport implements the typed message layer every queue is built
// on top of github.com/go-zeromq/zmq4, a pure-Go implementation of the
// ZeroMQ wire protocol. zmq4 is the one dependency in the ecosystem that
// reproduces, socket type for socket type, the REQ/REP, ROUTER/DEALER,
// PUB/SUB, and PUSH/PULL patterns this package builds channels out of —
// this is not a coincidence: the reference implementation this system is
// modeled on was itself built on pyzmq.
package transport

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"

	"github.com/pkgforge/master/internal/wire"
)

// Channel wraps one zmq4 socket together with the protocol schemas that
// govern what it may send and receive. Every Send/Recv validates its verb
// against the relevant schema before touching the wire.
type Channel struct {
	sock zmq4.Socket
	send wire.Protocol
	recv wire.Protocol
}

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithHWM sets the socket's high-water mark, configurable per socket.
func WithHWM(n int) Option {
	return func(c *Channel) {
		_ = c.sock.SetOption(zmq4.OptionHWM, n)
	}
}

func newChannel(sock zmq4.Socket, send, recv wire.Protocol, opts ...Option) *Channel {
	c := &Channel{sock: sock, send: send, recv: recv}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewReqRep returns a Channel bound to a fresh REQ socket dialed to addr,
// validating outgoing verbs against send and incoming replies against recv.
func NewReqRep(ctx context.Context, addr string, send, recv wire.Protocol, opts ...Option) (*Channel, error) {
	sock := zmq4.NewReq(ctx)
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("transport: dial REQ %s: %w", addr, err)
	}
	return newChannel(sock, send, recv, opts...), nil
}

// NewRepServer returns a Channel bound to a REP socket listening on addr.
// Its schemas are the client's swapped by parameter order: recvFromClient
// governs what it receives and sendToClient what it sends.
func NewRepServer(ctx context.Context, addr string, recvFromClient, sendToClient wire.Protocol, opts ...Option) (*Channel, error) {
	sock := zmq4.NewRep(ctx)
	if err := sock.Listen(addr); err != nil {
		return nil, fmt.Errorf("transport: listen REP %s: %w", addr, err)
	}
	return newChannel(sock, sendToClient, recvFromClient, opts...), nil
}

// NewRouter returns a Channel bound to a ROUTER socket listening on addr,
// for identity-tagged multi-client protocols (slave driver, file transfer).
func NewRouter(ctx context.Context, addr string, recvFromClients, sendToClients wire.Protocol, opts ...Option) (*Channel, error) {
	sock := zmq4.NewRouter(ctx)
	if err := sock.Listen(addr); err != nil {
		return nil, fmt.Errorf("transport: listen ROUTER %s: %w", addr, err)
	}
	return newChannel(sock, sendToClients, recvFromClients, opts...), nil
}

// NewDealer returns a Channel bound to a fresh DEALER socket dialed to addr,
// the client-side counterpart of NewRouter (admin ingress, slave driver).
// Unlike a REQ/REP pair, a DEALER may have several requests in flight and
// isn't restricted to strict send/recv alternation, but the admin CLI only
// ever uses it for synchronous one-at-a-time calls.
func NewDealer(ctx context.Context, addr string, send, recv wire.Protocol, opts ...Option) (*Channel, error) {
	sock := zmq4.NewDealer(ctx)
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("transport: dial DEALER %s: %w", addr, err)
	}
	return newChannel(sock, send, recv, opts...), nil
}

// NewPub returns a Channel bound to a PUB socket listening on addr.
func NewPub(ctx context.Context, addr string, send wire.Protocol, opts ...Option) (*Channel, error) {
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(addr); err != nil {
		return nil, fmt.Errorf("transport: listen PUB %s: %w", addr, err)
	}
	return newChannel(sock, send, nil, opts...), nil
}

// NewSub returns a Channel bound to a SUB socket dialed to addr, subscribed
// to every topic.
func NewSub(ctx context.Context, addr string, recv wire.Protocol, opts ...Option) (*Channel, error) {
	sock := zmq4.NewSub(ctx)
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("transport: dial SUB %s: %w", addr, err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return nil, fmt.Errorf("transport: subscribe: %w", err)
	}
	return newChannel(sock, nil, recv, opts...), nil
}

// NewPush returns a Channel bound to a PUSH socket dialed to addr.
func NewPush(ctx context.Context, addr string, send wire.Protocol, opts ...Option) (*Channel, error) {
	sock := zmq4.NewPush(ctx)
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("transport: dial PUSH %s: %w", addr, err)
	}
	return newChannel(sock, send, nil, opts...), nil
}

// NewPull returns a Channel bound to a PULL socket listening on addr.
func NewPull(ctx context.Context, addr string, recv wire.Protocol, opts ...Option) (*Channel, error) {
	sock := zmq4.NewPull(ctx)
	if err := sock.Listen(addr); err != nil {
		return nil, fmt.Errorf("transport: listen PULL %s: %w", addr, err)
	}
	return newChannel(sock, nil, recv, opts...), nil
}

// Close releases the underlying socket.
func (c *Channel) Close() error {
	return c.sock.Close()
}

// Send validates verb/args against the channel's send protocol and writes a
// two-frame [verb, args] message (no routing identity).
func (c *Channel) Send(verb string, args interface{}) error {
	if _, ok := c.send.ArgsType(verb); !ok {
		return fmt.Errorf("transport: verb %q is not valid to send on this channel", verb)
	}
	raw, err := wire.EncodeArgs(args)
	if err != nil {
		return fmt.Errorf("transport: encode %s args: %w", verb, err)
	}
	return c.sock.Send(zmq4.NewMsgFrom([]byte(verb), raw))
}

// SendRaw validates verb against the send protocol like Send, but writes
// raw directly instead of re-encoding args — for relays that only need to
// forward a message they already received undecoded (see internal/control).
func (c *Channel) SendRaw(verb string, raw []byte) error {
	if _, ok := c.send.ArgsType(verb); !ok {
		return fmt.Errorf("transport: verb %q is not valid to send on this channel", verb)
	}
	return c.sock.Send(zmq4.NewMsgFrom([]byte(verb), raw))
}

// SendTo is Send's ROUTER-aware counterpart: identity is prepended as the
// routing frame, matching a builder addressed as a DEALER.
func (c *Channel) SendTo(identity []byte, verb string, args interface{}) error {
	if _, ok := c.send.ArgsType(verb); !ok {
		return fmt.Errorf("transport: verb %q is not valid to send on this channel", verb)
	}
	raw, err := wire.EncodeArgs(args)
	if err != nil {
		return fmt.Errorf("transport: encode %s args: %w", verb, err)
	}
	return c.sock.Send(zmq4.NewMsgFrom(identity, []byte(verb), raw))
}

// Recv reads a [verb, args] message and validates its verb against the
// channel's receive protocol. dst receives the decoded args (nil for
// argument-less verbs); pass a pointer to the type registered for the verb
// you expect. For protocols with more than one possible incoming verb, use
// RecvRaw and decode once the verb is known.
func (c *Channel) Recv(dst interface{}) (verb string, err error) {
	verb, raw, err := c.RecvRaw()
	if err != nil {
		return verb, err
	}
	if err := wire.DecodeArgs(raw, dst); err != nil {
		return verb, fmt.Errorf("transport: decode %s args: %w", verb, err)
	}
	return verb, nil
}

// RecvRaw reads a [verb, args] message, validates its verb, and returns the
// still-undecoded argument payload so the caller can pick a destination
// type based on the verb's registered argument schema.
func (c *Channel) RecvRaw() (verb string, raw []byte, err error) {
	msg, err := c.sock.Recv()
	if err != nil {
		return "", nil, err
	}
	if len(msg.Frames) < 2 {
		return "", nil, fmt.Errorf("transport: malformed message: %d frames", len(msg.Frames))
	}
	verb = string(msg.Frames[0])
	if _, ok := c.recv.ArgsType(verb); !ok {
		return verb, nil, fmt.Errorf("transport: protocol error: unexpected verb %q", verb)
	}
	return verb, msg.Frames[1], nil
}

// RecvFrom is Recv's ROUTER-aware counterpart, returning the sender's
// routing identity alongside the verb.
func (c *Channel) RecvFrom(dst interface{}) (identity []byte, verb string, err error) {
	identity, verb, raw, err := c.RecvRawFrom()
	if err != nil {
		return identity, verb, err
	}
	if err := wire.DecodeArgs(raw, dst); err != nil {
		return identity, verb, fmt.Errorf("transport: decode %s args: %w", verb, err)
	}
	return identity, verb, nil
}

// RecvRawFrom is RecvFrom's counterpart to RecvRaw: it returns the sender's
// routing identity, the verb, and the still-undecoded argument payload.
func (c *Channel) RecvRawFrom() (identity []byte, verb string, raw []byte, err error) {
	msg, err := c.sock.Recv()
	if err != nil {
		return nil, "", nil, err
	}
	if len(msg.Frames) < 3 {
		return nil, "", nil, fmt.Errorf("transport: malformed routed message: %d frames", len(msg.Frames))
	}
	identity = msg.Frames[0]
	verb = string(msg.Frames[1])
	if _, ok := c.recv.ArgsType(verb); !ok {
		return identity, verb, nil, fmt.Errorf("transport: protocol error: unexpected verb %q from %x", verb, identity)
	}
	return identity, verb, msg.Frames[2], nil
}
