package planner

import (
	"context"
	"fmt"

	"github.com/pkgforge/master/internal/transport"
	"github.com/pkgforge/master/internal/wire"
)

// Client is the slave driver's REQ handle onto the planner's NEXT queue,
// letting the driver reach the_architect.py's in-memory queueing semantics
// over the network instead of querying the catalog directly.
type Client struct {
	sock *transport.Channel
}

// NewClient dials the planner at addr.
func NewClient(ctx context.Context, addr string) (*Client, error) {
	sock, err := transport.NewReqRep(ctx, addr, plannerRequestProtocol, plannerReplyProtocol, transport.WithHWM(1))
	if err != nil {
		return nil, fmt.Errorf("planner client: %w", err)
	}
	return &Client{sock: sock}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error { return c.sock.Close() }

// Next asks the planner for the next pending (package, version) for abi.
func (c *Client) Next(ctx context.Context, abi string) (pkg, version string, ok bool, err error) {
	if err := c.sock.Send("NEXT", nextArgs{ABI: abi}); err != nil {
		return "", "", false, err
	}
	verb, raw, err := c.sock.RecvRaw()
	if err != nil {
		return "", "", false, err
	}
	if verb == "NONE" {
		return "", "", false, nil
	}
	var t taskArgs
	if err := wire.DecodeArgs(raw, &t); err != nil {
		return "", "", false, err
	}
	return t.Package, t.Version, true, nil
}
