package receiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/pkgforge/master/internal/model"
	"github.com/pkgforge/master/internal/task"
	"github.com/pkgforge/master/internal/transport"
	"github.com/pkgforge/master/internal/wire"
)

// Indexer is notified each time one of a package's files is verified and
// committed, mirroring the index_queue PUSH in file_juggler.py's handle_file.
type Indexer interface {
	NotifyPackageBuilt(pkg string)
}

// Juggler is the artifact-receiver task: a ROUTER file queue driven by
// unsolicited builder CHUNK/HELLO frames, plus a REP control queue serving
// EXPECT/VERIFY/STATFS from the slave driver (file_juggler.py's FileJuggler).
type Juggler struct {
	*task.Base
	fileSock    *transport.Channel
	controlSock *transport.Channel
	outputDir   string
	stagingDir  string
	indexer     Indexer

	// pending holds artifacts announced via EXPECT but not yet claimed by a
	// builder's first HELLO on the file queue.
	pending   map[int64]model.Artifact
	transfers map[string]*activeTransfer
}

type activeTransfer struct {
	builderID int64
	pkg       string
	xfer      *Transfer
}

// New binds the file-transfer ROUTER queue and the control REP queue.
func New(ctx context.Context, fileAddr, controlAddr, outputDir string, idx Indexer) (*Juggler, error) {
	fileSock, err := transport.NewRouter(ctx, fileAddr, wire.FileFromBuilderProtocol, wire.FileToBuilderProtocol, transport.WithHWM(pipelineSize*50))
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	controlSock, err := transport.NewRepServer(ctx, controlAddr, wire.ReceiverControlProtocol, wire.ReceiverReplyProtocol, transport.WithHWM(1))
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	stagingDir := filepath.Join(outputDir, "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	return &Juggler{
		Base:        task.NewBase(),
		fileSock:    fileSock,
		controlSock: controlSock,
		outputDir:   outputDir,
		stagingDir:  stagingDir,
		indexer:     idx,
		pending:     map[int64]model.Artifact{},
		transfers:   map[string]*activeTransfer{},
	}, nil
}

func (j *Juggler) Name() string { return "master.file_juggler" }

// Step services one message on whichever queue is ready; since both queues
// are handled in-process here rather than via a shared poller, callers
// typically run StepControl and StepFile on separate goroutines (see
// cmd/master) — Step itself handles the control queue, matching the
// reference's priority of checking control before file traffic.
func (j *Juggler) Step(ctx context.Context) error {
	return j.StepControl(ctx)
}

// StepControl services one EXPECT/VERIFY/STATFS request.
func (j *Juggler) StepControl(ctx context.Context) error {
	verb, raw, err := j.controlSock.RecvRaw()
	if err != nil {
		return fmt.Errorf("receiver: control recv: %w", err)
	}
	switch verb {
	case "EXPECT":
		var args wire.ExpectArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return j.controlSock.Send("ERR", wire.ReceiverErrArgs{Reason: err.Error()})
		}
		artifact := model.Artifact{
			Filename: args.Artifact.Filename, Size: args.Artifact.Size, SHA256: args.Artifact.SHA256,
			Package: args.Artifact.Package, Version: args.Artifact.Version,
			PyTag: args.Artifact.PyTag, ABITag: args.Artifact.ABITag, PlatformTag: args.Artifact.PlatformTag,
		}
		j.pending[args.BuilderID] = artifact
		return j.controlSock.Send("OK", wire.ReceiverOKArgs{})
	case "VERIFY":
		var args wire.VerifyArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return j.controlSock.Send("ERR", wire.ReceiverErrArgs{Reason: err.Error()})
		}
		ok := j.verify(args.BuilderID, args.Package)
		return j.controlSock.Send("OK", wire.ReceiverOKArgs{Verified: ok})
	case "REMOVE":
		var args wire.RemoveArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return j.controlSock.Send("ERR", wire.ReceiverErrArgs{Reason: err.Error()})
		}
		path := filepath.Join(j.outputDir, "simple", args.Package, args.Filename)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return j.controlSock.Send("ERR", wire.ReceiverErrArgs{Reason: err.Error()})
		}
		return j.controlSock.Send("OK", wire.ReceiverOKArgs{})
	case "STATFS":
		var st unix.Statfs_t
		if err := unix.Statfs(j.outputDir, &st); err != nil {
			return j.controlSock.Send("ERR", wire.ReceiverErrArgs{Reason: err.Error()})
		}
		return j.controlSock.Send("OK", wire.ReceiverOKArgs{
			StatFS: []int64{int64(st.Bavail), int64(st.Bsize), int64(st.Blocks)},
		})
	default:
		return fmt.Errorf("receiver: unexpected control verb %q", verb)
	}
}

// StepFile services one unsolicited message on the file-transfer queue.
func (j *Juggler) StepFile(ctx context.Context) error {
	identity, verb, raw, err := j.fileSock.RecvRawFrom()
	if err != nil {
		return fmt.Errorf("receiver: file recv: %w", err)
	}
	key := string(identity)
	t, known := j.transfers[key]

	switch verb {
	case "HELLO":
		var args wire.TransferHelloArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return err
		}
		if known {
			t.xfer.ResetCredit()
		} else {
			artifact, ok := j.pending[args.BuilderID]
			if !ok {
				log.Error().Int64("builder_id", args.BuilderID).Msg("no active transfer expected")
				return nil
			}
			delete(j.pending, args.BuilderID)
			xfer, err := NewTransfer(j.stagingDir, artifact)
			if err != nil {
				return err
			}
			t = &activeTransfer{builderID: args.BuilderID, pkg: artifact.Package, xfer: xfer}
			j.transfers[key] = t
		}
	case "CHUNK":
		if !known {
			log.Debug().Msg("ignoring redundant CHUNK from prior transfer")
			return nil
		}
		var args wire.ChunkArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return err
		}
		if err := t.xfer.Chunk(args.Offset, args.Bytes); err != nil {
			return err
		}
		if t.xfer.Done() {
			if err := j.fileSock.SendTo(identity, "DONE", nil); err != nil {
				return err
			}
			return nil
		}
	default:
		return fmt.Errorf("receiver: unexpected file verb %q", verb)
	}

	for {
		r, ok := t.xfer.Fetch()
		if !ok {
			break
		}
		if err := j.fileSock.SendTo(identity, "FETCH", wire.FetchArgs{Offset: r.Start, Length: r.Len()}); err != nil {
			return err
		}
	}
	return nil
}

// verify hashes and commits the named builder's pending transfer, matching
// do_VERIFY's verify-then-commit-or-rollback sequence.
func (j *Juggler) verify(builderID int64, pkg string) bool {
	var key string
	var t *activeTransfer
	for k, v := range j.transfers {
		if v.builderID == builderID {
			key, t = k, v
			break
		}
	}
	if t == nil {
		return false
	}
	if err := t.xfer.Verify(); err != nil {
		log.Error().Err(err).Msg("transfer verification failed")
		_ = t.xfer.Rollback()
		delete(j.transfers, key)
		return false
	}
	if err := t.xfer.Commit(j.outputDir, pkg); err != nil {
		log.Error().Err(err).Msg("transfer commit failed")
		delete(j.transfers, key)
		return false
	}
	delete(j.transfers, key)
	j.indexer.NotifyPackageBuilt(pkg)
	return true
}
