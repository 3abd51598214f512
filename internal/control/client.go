package control

import (
	"context"
	"fmt"
	"time"

	"github.com/pkgforge/master/internal/transport"
	"github.com/pkgforge/master/internal/wire"
)

// Client is the admin CLI's handle onto the control plane: a PUSH socket
// for issuing verbs, and (opened lazily) a SUB socket for observing the
// status fan-out that LIST/HELLO replay onto, matching piw-ctrl's own
// fire-the-command / tail-the-status-queue split.
type Client struct {
	push *transport.Channel
}

// NewClient dials the external control PUSH queue at addr.
func NewClient(ctx context.Context, addr string) (*Client, error) {
	sock, err := transport.NewPush(ctx, addr, wire.ControlProtocol, transport.WithHWM(1))
	if err != nil {
		return nil, fmt.Errorf("control client: %w", err)
	}
	return &Client{push: sock}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error { return c.push.Close() }

// Quit, Pause, and Resume send the corresponding argument-less control verb.
func (c *Client) Quit() error   { return c.push.Send("QUIT", nil) }
func (c *Client) Pause() error  { return c.push.Send("PAUSE", nil) }
func (c *Client) Resume() error { return c.push.Send("RESUME", nil) }

// Kill, Skip, Sleep, and Wake target one builder by its stable id.
func (c *Client) Kill(id int64) error  { return c.push.Send("KILL", wire.BuilderIDArgs{BuilderID: id}) }
func (c *Client) Skip(id int64) error  { return c.push.Send("SKIP", wire.BuilderIDArgs{BuilderID: id}) }
func (c *Client) Sleep(id int64) error { return c.push.Send("SLEEP", wire.BuilderIDArgs{BuilderID: id}) }
func (c *Client) Wake(id int64) error  { return c.push.Send("WAKE", wire.BuilderIDArgs{BuilderID: id}) }

// List sends LIST and prints every SLAVE status event the external status
// fan-out emits within window, then returns. It opens its own SUB socket
// for the duration of the call rather than keeping one open permanently,
// since the CLI is a one-shot process.
func (c *Client) List(ctx context.Context, statusAddr string, window time.Duration, onEvent func(wire.SlaveStatusArgs)) error {
	sub, err := transport.NewSub(ctx, statusAddr, wire.StatusProtocol)
	if err != nil {
		return fmt.Errorf("control client: %w", err)
	}
	defer sub.Close()

	if err := c.push.Send("LIST", nil); err != nil {
		return err
	}

	type msg struct {
		verb string
		raw  []byte
		err  error
	}
	msgs := make(chan msg, 16)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			verb, raw, err := sub.RecvRaw()
			select {
			case msgs <- msg{verb, raw, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	deadline := time.After(window)
	for {
		select {
		case <-deadline:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case m := <-msgs:
			if m.err != nil {
				return m.err
			}
			if m.verb != "SLAVE" {
				continue
			}
			var a wire.SlaveStatusArgs
			if err := wire.DecodeArgs(m.raw, &a); err != nil {
				continue
			}
			onEvent(a)
		}
	}
}
