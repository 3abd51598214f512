// Package admin implements the out-of-band import/maintenance ingress,
// grounded on mr_chase.py's MrChase: an abbreviated slave driver that walks
// a pre-built artifact set through the same log/EXPECT/SEND/VERIFY sequence
// a real builder goes through, plus a handful of direct catalog mutations
// (ADDPKG/ADDVER/REMPKG/REMVER) and a forced publisher pass (REBUILD).
// Unlike the slave driver, the caller here is the admin CLI (cmd/masterctl)
// rather than a build node, and builderID is always the reference's literal
// sentinel 0.
package admin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pkgforge/master/internal/catalog"
	"github.com/pkgforge/master/internal/model"
	"github.com/pkgforge/master/internal/publisher"
	"github.com/pkgforge/master/internal/task"
	"github.com/pkgforge/master/internal/transport"
	"github.com/pkgforge/master/internal/wire"
)

const importBuilderID = 0

// Receiver is the subset of the artifact receiver's control interface
// needed to walk an import through the same transfer path a real build
// uses.
type Receiver interface {
	Expect(ctx context.Context, builderID int64, artifact model.Artifact) error
	Verify(ctx context.Context, builderID int64, pkg string) (bool, error)
	Remove(ctx context.Context, pkg, filename string) error
}

// Indexer is notified each time one of an imported package's files is
// verified, same contract the slave driver uses.
type Indexer interface {
	NotifyPackageBuilt(pkg string)
}

// importState tracks one in-flight IMPORT/SEND/SENT exchange, mirroring
// MrChase.states[address].
type importState struct {
	build *model.Build
}

// Ingress is the master.mr_chase task: a ROUTER queue (so concurrent
// importers each get their own state, matching the reference's per-address
// self.states map) serving the admin protocol.
type Ingress struct {
	*task.Base
	sock     *transport.Channel
	cat      catalog.Operations
	receiver Receiver
	indexer  Indexer
	pub      *publisher.Publisher

	states map[string]*importState
}

// New binds the admin ROUTER queue at addr.
func New(ctx context.Context, addr string, cat catalog.Operations, recv Receiver, idx Indexer, pub *publisher.Publisher) (*Ingress, error) {
	sock, err := transport.NewRouter(ctx, addr, wire.AdminProtocol, wire.AdminReplyProtocol)
	if err != nil {
		return nil, fmt.Errorf("admin: %w", err)
	}
	return &Ingress{
		Base:     task.NewBase(),
		sock:     sock,
		cat:      cat,
		receiver: recv,
		indexer:  idx,
		pub:      pub,
		states:   map[string]*importState{},
	}, nil
}

func (ing *Ingress) Name() string { return "master.mr_chase" }

// Step services one admin request.
func (ing *Ingress) Step(ctx context.Context) error {
	identity, verb, raw, err := ing.sock.RecvRawFrom()
	if err != nil {
		return fmt.Errorf("admin: recv: %w", err)
	}
	key := string(identity)

	var replyVerb string
	var replyArgs interface{}
	switch verb {
	case "IMPORT":
		var args wire.ImportArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return fmt.Errorf("admin: decode IMPORT: %w", err)
		}
		replyVerb, replyArgs = ing.doImport(ctx, key, args)
	case "ADDPKG":
		var args wire.AddPkgArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return fmt.Errorf("admin: decode ADDPKG: %w", err)
		}
		replyVerb, replyArgs = ing.doAddPkg(ctx, args)
	case "ADDVER":
		var args wire.AddVerArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return fmt.Errorf("admin: decode ADDVER: %w", err)
		}
		replyVerb, replyArgs = ing.doAddVer(ctx, args)
	case "REMPKG":
		var args wire.RemPkgArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return fmt.Errorf("admin: decode REMPKG: %w", err)
		}
		replyVerb, replyArgs = ing.doRemPkg(ctx, args)
	case "REMVER":
		var args wire.RemVerArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return fmt.Errorf("admin: decode REMVER: %w", err)
		}
		replyVerb, replyArgs = ing.doRemVer(ctx, args)
	case "REBUILD":
		var args wire.RebuildArgs
		if err := wire.DecodeArgs(raw, &args); err != nil {
			return fmt.Errorf("admin: decode REBUILD: %w", err)
		}
		replyVerb, replyArgs = ing.doRebuild(ctx, args)
	default:
		// The "SENT" continuation isn't part of wire.AdminProtocol proper
		// (it rides the same queue but only ever follows an IMPORT handshake
		// for this identity); dispatch it explicitly.
		if verb == "SENT" {
			replyVerb, replyArgs = ing.doSent(ctx, key)
			break
		}
		return fmt.Errorf("admin: unexpected verb %q", verb)
	}
	return ing.sock.SendTo(identity, replyVerb, replyArgs)
}

// doImport validates and logs a manually-supplied build, matching
// do_import's checks and log/EXPECT sequence.
func (ing *Ingress) doImport(ctx context.Context, key string, args wire.ImportArgs) (string, interface{}) {
	if !args.Status {
		log.Error().Msg("attempting to import a failed build")
		return "ERROR", wire.ErrorArgs{Reason: "importing a failed build is not supported"}
	}
	if len(args.Artifacts) == 0 {
		log.Error().Msg("attempting to import an empty build")
		return "ERROR", wire.ErrorArgs{Reason: "no files listed for import"}
	}
	for _, a := range args.Artifacts {
		if a.PlatformTag == "linux_armv6l" {
			log.Error().Msg("attempting to import an armv6l wheel")
			return "ERROR", wire.ErrorArgs{Reason: "armv6l wheels will be automatically linked"}
		}
	}

	build := &model.Build{
		Package:   args.Package,
		Version:   args.Version,
		Success:   true,
		Duration:  args.Duration,
		Log:       args.Output,
		Artifacts: make(map[string]model.Artifact, len(args.Artifacts)),
	}
	for _, a := range args.Artifacts {
		build.Artifacts[a.Filename] = model.Artifact{
			Filename: a.Filename, Size: a.Size, SHA256: a.SHA256,
			Package: a.Package, Version: a.Version,
			PyTag: a.PyTag, ABITag: a.ABITag, PlatformTag: a.PlatformTag,
			Dependencies: a.Deps,
		}
	}
	build.ApplyArmV6Aliases()

	abi, err := ing.resolveABI(ctx, args.ABI)
	if err != nil {
		return "ERROR", wire.ErrorArgs{Reason: err.Error()}
	}
	build.ABI = abi

	exists, err := ing.cat.VersionExists(ctx, build.Package, build.Version)
	if err != nil {
		return "ERROR", wire.ErrorArgs{Reason: err.Error()}
	}
	if !exists {
		return "ERROR", wire.ErrorArgs{Reason: fmt.Sprintf("unknown package version %s-%s", build.Package, build.Version)}
	}

	if err := ing.cat.LogBuild(ctx, *build); err != nil {
		return "ERROR", wire.ErrorArgs{Reason: err.Error()}
	}

	ing.states[key] = &importState{build: build}
	pending := build.PendingFiles()
	if len(pending) > 0 {
		next := pending[0]
		if err := ing.receiver.Expect(ctx, importBuilderID, build.Artifacts[next]); err != nil {
			log.Error().Err(err).Msg("admin: receiver.Expect failed")
		}
		log.Info().Str("package", build.Package).Str("file", next).Msg("import: send")
		return "SEND", wire.DoneArgs{Verb: next}
	}
	ing.indexer.NotifyPackageBuilt(build.Package)
	delete(ing.states, key)
	return "DONE", wire.DoneArgs{Verb: "IMPORT"}
}

// doSent handles the importer's SENT continuation, matching do_sent's
// verify-then-advance-or-retry logic.
func (ing *Ingress) doSent(ctx context.Context, key string) (string, interface{}) {
	state, ok := ing.states[key]
	if !ok {
		log.Error().Msg("admin: SENT with no active import")
		return "ERROR", wire.ErrorArgs{Reason: "no active import"}
	}
	build := state.build
	pending := build.PendingFiles()
	current := ""
	if len(pending) > 0 {
		current = pending[0]
	}

	ok2, err := ing.receiver.Verify(ctx, importBuilderID, build.Package)
	if err != nil {
		log.Error().Err(err).Msg("admin: receiver.Verify failed")
	}
	if !ok2 {
		log.Info().Str("file", current).Msg("import: retry send")
		return "SEND", wire.DoneArgs{Verb: current}
	}

	if current != "" {
		art := build.Artifacts[current].Verified()
		build.Artifacts[current] = art
	}
	ing.indexer.NotifyPackageBuilt(build.Package)
	log.Info().Str("file", current).Msg("import: verified transfer")

	pending = build.PendingFiles()
	if len(pending) == 0 {
		delete(ing.states, key)
		return "DONE", wire.DoneArgs{Verb: "IMPORT"}
	}
	next := pending[0]
	if err := ing.receiver.Expect(ctx, importBuilderID, build.Artifacts[next]); err != nil {
		log.Error().Err(err).Msg("admin: receiver.Expect failed")
	}
	return "SEND", wire.DoneArgs{Verb: next}
}

// resolveABI applies do_import's default-ABI rule: the lexicographically
// smallest supported ABI when the caller didn't name one, otherwise the
// named ABI validated against the supported set.
func (ing *Ingress) resolveABI(ctx context.Context, requested string) (string, error) {
	abis, err := ing.cat.GetBuildABIs(ctx)
	if err != nil {
		return "", err
	}
	if len(abis) == 0 {
		return "", fmt.Errorf("no supported ABIs configured")
	}
	if requested == "" {
		min := abis[0]
		for _, a := range abis[1:] {
			if a < min {
				min = a
			}
		}
		return min, nil
	}
	for _, a := range abis {
		if a == requested {
			return requested, nil
		}
	}
	return "", fmt.Errorf("invalid ABI: %s", requested)
}

func (ing *Ingress) doAddPkg(ctx context.Context, args wire.AddPkgArgs) (string, interface{}) {
	if err := ing.cat.AddPackageManual(ctx, args.Package); err != nil {
		return "ERROR", wire.ErrorArgs{Reason: err.Error()}
	}
	return "DONE", wire.DoneArgs{Verb: "ADDPKG"}
}

func (ing *Ingress) doAddVer(ctx context.Context, args wire.AddVerArgs) (string, interface{}) {
	if err := ing.cat.AddVersionManual(ctx, args.Package, args.Version, args.Skip); err != nil {
		return "ERROR", wire.ErrorArgs{Reason: err.Error()}
	}
	return "DONE", wire.DoneArgs{Verb: "ADDVER"}
}

// doRemPkg deletes every known artifact of a package from the repository
// (ENOENT-tolerant, like a real REMOVE), then the catalog row, then the
// package's directory and root-index entry: delete an artifact/package
// from the repository and from the catalog.
func (ing *Ingress) doRemPkg(ctx context.Context, args wire.RemPkgArgs) (string, interface{}) {
	files, err := ing.cat.GetPackageFiles(ctx, args.Package)
	if err != nil {
		return "ERROR", wire.ErrorArgs{Reason: err.Error()}
	}
	for _, f := range files {
		if err := ing.receiver.Remove(ctx, args.Package, f.Filename); err != nil {
			log.Warn().Err(err).Str("package", args.Package).Str("file", f.Filename).Msg("REMPKG: file remove failed")
		}
	}
	if err := ing.cat.RemovePackage(ctx, args.Package, args.Cascade); err != nil {
		return "ERROR", wire.ErrorArgs{Reason: err.Error()}
	}
	if err := ing.pub.RemovePackage(args.Package); err != nil {
		log.Error().Err(err).Str("package", args.Package).Msg("REMPKG: index cleanup failed")
	}
	return "DONE", wire.DoneArgs{Verb: "REMPKG"}
}

// doRemVer deletes only the artifacts belonging to one version (identified
// by the filename grammar's version component), then the catalog row for
// that version, then rebuilds the package's own index with the remaining
// files.
func (ing *Ingress) doRemVer(ctx context.Context, args wire.RemVerArgs) (string, interface{}) {
	files, err := ing.cat.GetPackageFiles(ctx, args.Package)
	if err != nil {
		return "ERROR", wire.ErrorArgs{Reason: err.Error()}
	}
	for _, f := range files {
		_, ver, _, _, _, err := model.ParseFilename(f.Filename)
		if err != nil || ver != args.Version {
			continue
		}
		if err := ing.receiver.Remove(ctx, args.Package, f.Filename); err != nil {
			log.Warn().Err(err).Str("package", args.Package).Str("file", f.Filename).Msg("REMVER: file remove failed")
		}
	}
	if err := ing.cat.RemoveVersion(ctx, args.Package, args.Version, args.Cascade); err != nil {
		return "ERROR", wire.ErrorArgs{Reason: err.Error()}
	}
	if err := ing.pub.RebuildPackage(ctx, args.Package); err != nil {
		log.Error().Err(err).Str("package", args.Package).Msg("REMVER: index rebuild failed")
	}
	return "DONE", wire.DoneArgs{Verb: "REMVER"}
}

// doRebuild forces a publisher pass, matching REBUILD HOME|SEARCH|PROJECT|BOTH.
// SEARCH is accepted and acknowledged but is a no-op: this system has no
// search-index component for the publisher to rebuild.
func (ing *Ingress) doRebuild(ctx context.Context, args wire.RebuildArgs) (string, interface{}) {
	if ing.pub == nil {
		return "ERROR", wire.ErrorArgs{Reason: "publisher not available"}
	}
	switch args.Target {
	case "HOME":
		if err := ing.pub.RebuildHome(); err != nil {
			return "ERROR", wire.ErrorArgs{Reason: err.Error()}
		}
	case "SEARCH":
		log.Info().Msg("REBUILD SEARCH acknowledged: no search index in this deployment")
	case "PROJECT":
		if args.Package == "" {
			return "ERROR", wire.ErrorArgs{Reason: "PROJECT rebuild requires a package"}
		}
		if err := ing.pub.RebuildPackage(ctx, args.Package); err != nil {
			return "ERROR", wire.ErrorArgs{Reason: err.Error()}
		}
	case "BOTH":
		if err := ing.pub.RebuildHome(); err != nil {
			return "ERROR", wire.ErrorArgs{Reason: err.Error()}
		}
		if args.Package != "" {
			if err := ing.pub.RebuildPackage(ctx, args.Package); err != nil {
				return "ERROR", wire.ErrorArgs{Reason: err.Error()}
			}
		}
	default:
		return "ERROR", wire.ErrorArgs{Reason: fmt.Sprintf("invalid REBUILD target: %s", args.Target)}
	}
	return "DONE", wire.DoneArgs{Verb: "REBUILD"}
}
