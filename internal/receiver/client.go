package receiver

import (
	"context"
	"fmt"

	"github.com/pkgforge/master/internal/model"
	"github.com/pkgforge/master/internal/transport"
	"github.com/pkgforge/master/internal/wire"
)

// Client is the slave driver's REQ handle onto the receiver's control queue,
// grounded on file_juggler.py's FsClient. It satisfies slavedriver.Receiver
// structurally without either package importing the other.
type Client struct {
	sock *transport.Channel
}

// NewClient dials the receiver's control queue at addr.
func NewClient(ctx context.Context, addr string) (*Client, error) {
	sock, err := transport.NewReqRep(ctx, addr, wire.ReceiverControlProtocol, wire.ReceiverReplyProtocol, transport.WithHWM(1))
	if err != nil {
		return nil, fmt.Errorf("receiver client: %w", err)
	}
	return &Client{sock: sock}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error { return c.sock.Close() }

func (c *Client) call(verb string, args interface{}) (wire.ReceiverOKArgs, error) {
	if err := c.sock.Send(verb, args); err != nil {
		return wire.ReceiverOKArgs{}, err
	}
	replyVerb, raw, err := c.sock.RecvRaw()
	if err != nil {
		return wire.ReceiverOKArgs{}, err
	}
	if replyVerb == "ERR" {
		var e wire.ReceiverErrArgs
		_ = wire.DecodeArgs(raw, &e)
		return wire.ReceiverOKArgs{}, fmt.Errorf("receiver: %s: %s", verb, e.Reason)
	}
	var ok wire.ReceiverOKArgs
	if err := wire.DecodeArgs(raw, &ok); err != nil {
		return wire.ReceiverOKArgs{}, err
	}
	return ok, nil
}

// Expect announces an incoming file for builderID, matching FsClient.expect.
func (c *Client) Expect(ctx context.Context, builderID int64, artifact model.Artifact) error {
	_, err := c.call("EXPECT", wire.ExpectArgs{
		BuilderID: builderID,
		Artifact: wire.ArtifactArgs{
			Filename: artifact.Filename, Size: artifact.Size, SHA256: artifact.SHA256,
			Package: artifact.Package, Version: artifact.Version,
			PyTag: artifact.PyTag, ABITag: artifact.ABITag, PlatformTag: artifact.PlatformTag,
			Deps: artifact.Dependencies,
		},
	})
	return err
}

// Verify asks whether builderID's last-announced transfer for pkg has
// verified and been committed, matching FsClient.verify's IOError-to-false
// translation.
func (c *Client) Verify(ctx context.Context, builderID int64, pkg string) (bool, error) {
	result, err := c.call("VERIFY", wire.VerifyArgs{BuilderID: builderID, Package: pkg})
	if err != nil {
		return false, nil
	}
	return result.Verified, nil
}

// Remove unlinks one artifact file by (package, filename), matching
// FsClient.remove / do_REMOVE's ENOENT-is-ok semantics: it ignores
// missing-file errors.
func (c *Client) Remove(ctx context.Context, pkg, filename string) error {
	_, err := c.call("REMOVE", wire.RemoveArgs{Package: pkg, Filename: filename})
	return err
}

var _ interface {
	Expect(ctx context.Context, builderID int64, artifact model.Artifact) error
	Verify(ctx context.Context, builderID int64, pkg string) (bool, error)
	Remove(ctx context.Context, pkg, filename string) error
} = (*Client)(nil)
