package admin

import (
	"context"
	"fmt"

	"github.com/pkgforge/master/internal/transport"
	"github.com/pkgforge/master/internal/wire"
)

// Client is the admin CLI's DEALER handle onto the ingress ROUTER queue,
// grounded on mr_chase.py's own command-line client. Each call is a
// synchronous one-shot request/reply, matching the admin protocol's
// DONE(verb)/ERROR(reason) contract.
type Client struct {
	sock *transport.Channel
}

// NewClient dials the admin ingress at addr.
func NewClient(ctx context.Context, addr string) (*Client, error) {
	sock, err := transport.NewDealer(ctx, addr, wire.AdminProtocol, wire.AdminReplyProtocol, transport.WithHWM(1))
	if err != nil {
		return nil, fmt.Errorf("admin client: %w", err)
	}
	return &Client{sock: sock}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error { return c.sock.Close() }

// call issues one request and returns DONE's verb, or an error built from
// ERROR's reason.
func (c *Client) call(verb string, args interface{}) (string, error) {
	if err := c.sock.Send(verb, args); err != nil {
		return "", err
	}
	replyVerb, raw, err := c.sock.RecvRaw()
	if err != nil {
		return "", err
	}
	if replyVerb == "ERROR" {
		var e wire.ErrorArgs
		_ = wire.DecodeArgs(raw, &e)
		return "", fmt.Errorf("admin: %s: %s", verb, e.Reason)
	}
	var d wire.DoneArgs
	if err := wire.DecodeArgs(raw, &d); err != nil {
		return "", err
	}
	return d.Verb, nil
}

// Import walks a pre-built artifact set through the same log/EXPECT/SEND/
// VERIFY path a real build uses, driving the SEND/SENT handshake itself
// until the ingress reports DONE or ERROR.
func (c *Client) Import(ctx context.Context, args wire.ImportArgs) error {
	if err := c.sock.Send("IMPORT", args); err != nil {
		return err
	}
	for {
		verb, raw, err := c.sock.RecvRaw()
		if err != nil {
			return err
		}
		switch verb {
		case "ERROR":
			var e wire.ErrorArgs
			_ = wire.DecodeArgs(raw, &e)
			return fmt.Errorf("admin: IMPORT: %s", e.Reason)
		case "DONE":
			return nil
		case "SEND":
			// The reference driver here would actually push the named file's
			// bytes through the file-transfer queue; the admin protocol only
			// asks this client to acknowledge with SENT once that transfer
			// completes out of band.
			if err := c.sock.Send("SENT", nil); err != nil {
				return err
			}
		default:
			return fmt.Errorf("admin: IMPORT: unexpected verb %q", verb)
		}
	}
}

func (c *Client) AddPkg(ctx context.Context, pkg string) error {
	_, err := c.call("ADDPKG", wire.AddPkgArgs{Package: pkg})
	return err
}

func (c *Client) AddVer(ctx context.Context, pkg, version, skip string) error {
	_, err := c.call("ADDVER", wire.AddVerArgs{Package: pkg, Version: version, Skip: skip})
	return err
}

func (c *Client) RemPkg(ctx context.Context, pkg string, cascade bool) error {
	_, err := c.call("REMPKG", wire.RemPkgArgs{Package: pkg, Cascade: cascade})
	return err
}

func (c *Client) RemVer(ctx context.Context, pkg, version string, cascade bool) error {
	_, err := c.call("REMVER", wire.RemVerArgs{Package: pkg, Version: version, Cascade: cascade})
	return err
}

func (c *Client) Rebuild(ctx context.Context, target, pkg string) error {
	_, err := c.call("REBUILD", wire.RebuildArgs{Target: target, Package: pkg})
	return err
}
