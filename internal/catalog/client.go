package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/xerrors"

	"github.com/pkgforge/master/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is a synchronous REQ wrapper around the catalog's REP queue,
// grounded on file_juggler.py's FsClient._execute: send a [verb, args] pair,
// block for the single reply, surface ERR replies as a Go error. A task
// handed a Client reaches the catalog only through this queue; cmd/master
// itself hands its tasks a store.Store opened directly on the database.
type Client struct {
	sock zmq4.Socket
	addr string
}

// NewClient dials the catalog queue at addr.
func NewClient(ctx context.Context, addr string) (*Client, error) {
	sock := zmq4.NewReq(ctx, zmq4.WithTimeout(30*time.Second))
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("catalog: dial %s: %w", addr, err)
	}
	return &Client{sock: sock, addr: addr}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error { return c.sock.Close() }

// call sends one request and waits for its reply, crossing the process
// boundary between this task and the catalog queue; errors from here on are
// wrapped with xerrors (rather than fmt.Errorf) so the originating frame
// survives for anything that walks the chain with xerrors.Is/As, matching
// how distri's own RPC boundary wraps errors it cannot otherwise trace.
func (c *Client) call(verb string, args, result interface{}) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return xerrors.Errorf("catalog: encode %s: %w", verb, err)
	}
	if err := c.sock.Send(zmq4.NewMsgFrom([]byte(verb), payload)); err != nil {
		return xerrors.Errorf("catalog: send %s: %w", verb, err)
	}
	msg, err := c.sock.Recv()
	if err != nil {
		return xerrors.Errorf("catalog: recv reply to %s: %w", verb, err)
	}
	if len(msg.Frames) != 1 {
		return xerrors.Errorf("catalog: malformed reply to %s", verb)
	}
	var env replyEnvelope
	if result != nil {
		env.Result = result
	}
	if err := json.Unmarshal(msg.Frames[0], &env); err != nil {
		return xerrors.Errorf("catalog: decode reply to %s: %w", verb, err)
	}
	if !env.OK {
		return xerrors.Errorf("catalog: %s: %s", verb, env.Err)
	}
	return nil
}

func (c *Client) GetUpstreamSerial(ctx context.Context) (int64, error) {
	var serial int64
	err := c.call("GET_UPSTREAM_SERIAL", struct{}{}, &serial)
	return serial, err
}

func (c *Client) SetUpstreamSerial(ctx context.Context, serial int64) error {
	return c.call("SET_UPSTREAM_SERIAL", setUpstreamSerialArgs{Serial: serial}, nil)
}

func (c *Client) AddNewPackage(ctx context.Context, name string) error {
	return c.call("ADD_NEW_PACKAGE", addNewPackageArgs{Package: name}, nil)
}

func (c *Client) AddNewPackageVersion(ctx context.Context, name, version string) error {
	return c.call("ADD_NEW_PACKAGE_VERSION", addNewPackageVersionArgs{Package: name, Version: version}, nil)
}

func (c *Client) GetBuildQueue(ctx context.Context, abi string) ([]BuildQueueEntry, error) {
	var entries []BuildQueueEntry
	err := c.call("GET_BUILD_QUEUE", getBuildQueueArgs{ABI: abi}, &entries)
	return entries, err
}

func (c *Client) GetBuildABIs(ctx context.Context) ([]string, error) {
	var abis []string
	err := c.call("GET_BUILD_ABIS", struct{}{}, &abis)
	return abis, err
}

func (c *Client) LogBuildRun(ctx context.Context, builderID int64, abi string, started time.Time, success bool) error {
	return c.call("LOG_BUILD_RUN", logBuildRunArgs{BuilderID: builderID, ABI: abi, Started: started, Success: success}, nil)
}

func (c *Client) LogBuild(ctx context.Context, b model.Build) error {
	args := logBuildArgs{
		BuilderID: b.BuilderID,
		Package:   b.Package,
		Version:   b.Version,
		ABI:       b.ABI,
		Success:   b.Success,
		Duration:  b.Duration,
		Log:       b.Log,
	}
	return c.call("LOG_BUILD", args, nil)
}

func (c *Client) GetAllPackages(ctx context.Context) ([]string, error) {
	var pkgs []string
	err := c.call("GET_ALL_PACKAGES", struct{}{}, &pkgs)
	return pkgs, err
}

func (c *Client) GetPackageFiles(ctx context.Context, pkg string) ([]PackageFile, error) {
	var files []PackageFile
	err := c.call("GET_PACKAGE_FILES", getPackageFilesArgs{Package: pkg}, &files)
	return files, err
}

func (c *Client) VersionExists(ctx context.Context, pkg, version string) (bool, error) {
	var exists bool
	err := c.call("VERSION_EXISTS", addNewPackageVersionArgs{Package: pkg, Version: version}, &exists)
	return exists, err
}

func (c *Client) AddPackageManual(ctx context.Context, pkg string) error {
	return c.call("ADD_PACKAGE_MANUAL", addPackageManualArgs{Package: pkg}, nil)
}

func (c *Client) AddVersionManual(ctx context.Context, pkg, version, skipReason string) error {
	return c.call("ADD_VERSION_MANUAL", addVersionManualArgs{Package: pkg, Version: version, SkipReason: skipReason}, nil)
}

func (c *Client) RemovePackage(ctx context.Context, pkg string, cascade bool) error {
	return c.call("REMOVE_PACKAGE", removePackageArgs{Package: pkg, Cascade: cascade}, nil)
}

func (c *Client) RemoveVersion(ctx context.Context, pkg, version string, cascade bool) error {
	return c.call("REMOVE_VERSION", removeVersionArgs{Package: pkg, Version: version, Cascade: cascade}, nil)
}

func (c *Client) GetSummary(ctx context.Context) (Summary, error) {
	var s Summary
	err := c.call("GET_SUMMARY", struct{}{}, &s)
	return s, err
}

var _ Operations = (*Client)(nil)
