// Package slavedriver implements the builder-facing protocol state machine,
// grounded on slave_driver.py's SlaveDriver: a ROUTER queue driven entirely
// by the builder (it requests work; the driver never pushes unsolicited
// instructions), plus the HELLO/BYE/IDLE/BUILT/SENT verb handlers and the
// armv7l->armv6l build-record aliasing hack.
package slavedriver

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pkgforge/master/internal/catalog"
	"github.com/pkgforge/master/internal/model"
	"github.com/pkgforge/master/internal/task"
	"github.com/pkgforge/master/internal/transport"
	"github.com/pkgforge/master/internal/wire"
)

// Receiver is the subset of the file-transfer receiver's control interface
// the slave driver needs: announce an incoming file, and ask whether the
// last-announced transfer for a builder has verified.
type Receiver interface {
	Expect(ctx context.Context, builderID int64, artifact model.Artifact) error
	Verify(ctx context.Context, builderID int64, pkg string) (bool, error)
}

// Indexer is notified of a package whose index page needs a rebuild each
// time one of its build's files is verified (index_queue in the reference).
type Indexer interface {
	NotifyPackageBuilt(pkg string)
}

// Planner hands out the next pending (package, version) for an ABI,
// satisfied by planner.Client so the driver reaches the_architect.py's
// queueing over the network rather than querying the catalog directly.
type Planner interface {
	Next(ctx context.Context, abi string) (pkg, version string, ok bool, err error)
}

// evictionTick is how often Step checks for heartbeat-expired builders when
// no message has arrived: every poll returns periodically (default 1
// second) so tasks notice control-plane QUIT promptly — the same tick
// doubles as the eviction sweep (any state, on heartbeat-timeout, evicted).
const evictionTick = time.Second

type routedMsg struct {
	identity []byte
	verb     string
	raw      []byte
	err      error
}

// builderOp is a control-plane instruction delivered out of band from the
// high_priest control relay (KILL/SKIP/SLEEP/WAKE target one builder by its
// stable id; LIST/HELLO with id 0 ask for a replay of every builder's last
// request/reply onto the status fan-out). It is applied on the driver's own
// goroutine from within Step, preserving single-threaded cooperative access
// to d.builders instead of letting the control relay mutate it directly.
type builderOp struct {
	verb string
	id   int64
}

// Driver is the slave-driver task.
type Driver struct {
	*task.Base
	sock        *transport.Channel
	status      *transport.Channel
	cat         catalog.Operations
	receiver    Receiver
	indexer     Indexer
	planner     Planner
	upstreamURL string

	builders   map[string]*model.Builder
	nextID     int64
	events     chan model.StatusEvent
	incoming   chan routedMsg
	builderOps chan builderOp
}

// New binds the slave-driver ROUTER queue at addr, plus a PUSH handle onto
// the internal status queue (statusAddr) that every builder request/reply
// is fanned out on, matching int_status_queue. upstreamURL is echoed back to
// every builder in ACK so it knows which index to pull its build inputs from.
func New(ctx context.Context, addr, statusAddr, upstreamURL string, cat catalog.Operations, recv Receiver, idx Indexer, plan Planner) (*Driver, error) {
	sock, err := transport.NewRouter(ctx, addr, wire.SlaveFromBuilderProtocol, wire.SlaveToBuilderProtocol)
	if err != nil {
		return nil, fmt.Errorf("slavedriver: %w", err)
	}
	status, err := transport.NewPush(ctx, statusAddr, wire.StatusProtocol, transport.WithHWM(10))
	if err != nil {
		return nil, fmt.Errorf("slavedriver: %w", err)
	}
	d := &Driver{
		Base:        task.NewBase(),
		sock:        sock,
		status:      status,
		cat:         cat,
		receiver:    recv,
		indexer:     idx,
		planner:     plan,
		upstreamURL: upstreamURL,
		builders:    map[string]*model.Builder{},
		events:      make(chan model.StatusEvent, 256),
		incoming:    make(chan routedMsg, 32),
		builderOps:  make(chan builderOp, 16),
	}
	go d.recvLoop(ctx)
	go d.pushStatus(ctx)
	return d, nil
}

// pushStatus forwards every recorded builder request/reply onto the
// internal status PUSH queue, which the control relay rebroadcasts
// externally (see internal/control). It is the one place d.events is
// drained; Events() remains for tests that want to observe the channel
// directly without a socket.
func (d *Driver) pushStatus(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.events:
			args := wire.SlaveStatusArgs{BuilderID: e.BuilderID, Timestamp: e.Timestamp, Verb: e.Verb}
			if err := d.status.Send("SLAVE", args); err != nil {
				log.Error().Err(err).Msg("slavedriver: status push failed")
			}
		}
	}
}

// Apply queues a control-plane instruction (KILL/SKIP/SLEEP/WAKE/LIST/HELLO)
// for the driver's own goroutine to pick up on its next Step, satisfying
// control.SlaveControl.
func (d *Driver) Apply(ctx context.Context, verb string, id int64) {
	select {
	case d.builderOps <- builderOp{verb: verb, id: id}:
	case <-ctx.Done():
	}
}

// recvLoop is the only goroutine that touches the ROUTER socket's Recv side;
// it exists so Step can multiplex an incoming message against the eviction
// ticker instead of blocking forever inside zmq4's Recv, which has no
// context-aware timeout of its own.
func (d *Driver) recvLoop(ctx context.Context) {
	for {
		identity, verb, raw, err := d.sock.RecvRawFrom()
		select {
		case d.incoming <- routedMsg{identity: identity, verb: verb, raw: raw, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (d *Driver) Name() string { return "master.slave_driver" }

// Events exposes the status-queue fan-out (every request/reply recorded
// against a builder), mirroring int_status_queue.
func (d *Driver) Events() <-chan model.StatusEvent { return d.events }

// Step services one message from a builder, or (if none arrives within
// evictionTick) sweeps for heartbeat-expired builders.
func (d *Driver) Step(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(evictionTick):
		d.sweepExpired()
		return nil
	case msg := <-d.incoming:
		if msg.err != nil {
			return fmt.Errorf("slavedriver: recv: %w", msg.err)
		}
		return d.handle(ctx, msg.identity, msg.verb, msg.raw)
	case op := <-d.builderOps:
		d.applyBuilderOp(op)
		return nil
	}
}

// applyBuilderOp handles one control-plane instruction targeting a builder.
// KILL/SKIP/SLEEP/WAKE look up the builder by its stable id (not its
// ephemeral transport identity, which the control plane never sees) and flip
// the corresponding flag. doIdle consults Killed and Paused on the builder's
// next request (doBusy consults Killed too); Skipped is recorded but no
// handler reads it.
// LIST/HELLO (id 0, "every builder") replay each builder's last request and
// reply onto the status fan-out, matching "HELLO ... triggers a replay of
// all builder HELLO+last-reply".
func (d *Driver) applyBuilderOp(op builderOp) {
	switch op.verb {
	case "LIST", "HELLO":
		now := time.Now()
		for _, b := range d.builders {
			d.emit(model.StatusEvent{BuilderID: b.ID, Timestamp: now, Direction: model.DirectionRX, Verb: lastVerb(b.LastRequest)})
			d.emit(model.StatusEvent{BuilderID: b.ID, Timestamp: now, Direction: model.DirectionTX, Verb: lastVerb(b.LastReply)})
		}
		return
	}
	for _, b := range d.builders {
		if b.ID != op.id {
			continue
		}
		switch op.verb {
		case "KILL":
			b.Killed = true
		case "SKIP":
			b.Skipped = true
		case "SLEEP":
			b.Paused = true
		case "WAKE":
			b.Paused = false
		}
		log.Warn().Int64("builder_id", op.id).Str("verb", op.verb).Msg("control op applied")
		return
	}
	log.Warn().Int64("builder_id", op.id).Str("verb", op.verb).Msg("control op: unknown builder")
}

// emit pushes a status event without blocking Step if the channel (and its
// pushStatus drainer) is momentarily backed up.
func (d *Driver) emit(e model.StatusEvent) {
	select {
	case d.events <- e:
	default:
	}
}

func lastVerb(slot []string) string {
	if len(slot) == 0 {
		return ""
	}
	return slot[0]
}

// sweepExpired evicts every builder that has gone silent past its declared
// heartbeat timeout (any state, on heartbeat-timeout, evicted). A builder
// evicted mid-BUILDING simply disappears from the map; its (pkg, version)
// becomes eligible again at the planner's next tick since alreadyBuilding
// no longer sees it.
func (d *Driver) sweepExpired() {
	now := time.Now()
	for key, b := range d.builders {
		if b.Expired(now) {
			log.Warn().Int64("builder_id", b.ID).Str("status", b.Status.String()).Msg("builder heartbeat expired, evicting")
			delete(d.builders, key)
		}
	}
}

func (d *Driver) handle(ctx context.Context, identity []byte, verb string, raw []byte) error {
	key := string(identity)
	b, known := d.builders[key]

	if !known {
		if verb != "HELLO" {
			log.Error().Str("verb", verb).Msg("invalid first message from builder")
			return nil
		}
		d.nextID++
		b = &model.Builder{ID: d.nextID, Address: key, FirstSeen: time.Now()}
		d.builders[key] = b
	}

	var args interface{}
	switch verb {
	case "HELLO":
		var a wire.HelloArgs
		args = &a
	case "IDLE", "BUSY":
		var a wire.StatsArgs
		args = &a
	case "BUILT":
		var a wire.BuiltArgs
		args = &a
	case "SENT", "BYE":
		args = nil
	default:
		log.Error().Int64("builder_id", b.ID).Str("verb", verb).Msg("protocol error")
		return d.sock.SendTo(identity, "DIE", nil)
	}
	if args != nil {
		if err := wire.DecodeArgs(raw, args); err != nil {
			return fmt.Errorf("slavedriver: decode %s: %w", verb, err)
		}
	}

	d.emit(b.RecordRequest(time.Now(), verb))

	var replyVerb string
	var replyArgs interface{}
	switch verb {
	case "HELLO":
		replyVerb, replyArgs = d.doHello(b, args.(*wire.HelloArgs))
	case "BYE":
		d.doBye(b, key)
		return nil
	case "IDLE":
		replyVerb, replyArgs = d.doIdle(ctx, b, args.(*wire.StatsArgs))
	case "BUSY":
		replyVerb, replyArgs = d.doBusy(b, args.(*wire.StatsArgs))
	case "BUILT":
		replyVerb, replyArgs = d.doBuilt(ctx, b, args.(*wire.BuiltArgs))
	case "SENT":
		replyVerb, replyArgs = d.doSent(ctx, b)
	}

	if replyVerb == "" {
		return nil
	}
	event := b.RecordReply(time.Now(), replyVerb)
	select {
	case d.events <- event:
	default:
	}
	return d.sock.SendTo(identity, replyVerb, replyArgs)
}

func (d *Driver) doHello(b *model.Builder, args *wire.HelloArgs) (string, interface{}) {
	b.NativePy = args.Py
	b.NativeABI = args.ABI
	b.NativePlatform = args.Platform
	b.BuildTimeout = args.BuildTimeout
	b.BusyTimeout = args.BusyTimeout
	b.Label = args.Label
	b.OSName = args.OSName
	b.OSVersion = args.OSVersion
	b.HWRevision = args.HWRevision
	b.HWSerial = args.HWSerial
	b.Status = model.StatusReady
	log.Warn().Int64("builder_id", b.ID).Str("abi", b.NativeABI).Str("platform", b.NativePlatform).Msg("builder hello")
	return "ACK", wire.AckArgs{BuilderID: b.ID, UpstreamURL: d.upstreamURL}
}

func (d *Driver) doBye(b *model.Builder, key string) {
	log.Warn().Int64("builder_id", b.ID).Msg("builder shutdown")
	delete(d.builders, key)
}

func (d *Driver) doIdle(ctx context.Context, b *model.Builder, stats *wire.StatsArgs) (string, interface{}) {
	recordHeartbeat(b, stats)
	if !lastReplyIn(b, "ACK", "SLEEP", "DONE") {
		log.Error().Int64("builder_id", b.ID).Msg("protocol error: IDLE out of sequence")
		return "DIE", nil
	}
	if b.Killed {
		return "DIE", nil
	}
	if b.Paused {
		return "SLEEP", nil
	}

	entry, ok := d.nextTask(ctx, b.NativeABI)
	if !ok {
		return "SLEEP", nil
	}
	if d.alreadyBuilding(entry.Package, entry.Version) {
		return "SLEEP", nil
	}
	b.Status = model.StatusBuilding
	b.Build = &model.Build{BuilderID: b.ID, Package: entry.Package, Version: entry.Version, ABI: b.NativeABI}
	log.Info().Int64("builder_id", b.ID).Str("package", entry.Package).Str("version", entry.Version).Msg("dispatching build")
	return "BUILD", wire.BuildArgs{Package: entry.Package, Version: entry.Version}
}

// doBusy handles the heartbeat a builder sends while BUILDING: it stays in
// BUILDING on every BUSY. Unlike IDLE it never hands out new work or puts
// the builder to SLEEP; it only records the heartbeat sample and keeps the
// build alive with a CONT, the keepalive counterpart to BUILD's SEND/DONE
// replies.
func (d *Driver) doBusy(b *model.Builder, stats *wire.StatsArgs) (string, interface{}) {
	recordHeartbeat(b, stats)
	if b.Killed {
		return "DIE", nil
	}
	if b.Status != model.StatusBuilding {
		log.Error().Int64("builder_id", b.ID).Msg("protocol error: BUSY while not building")
		return "DIE", nil
	}
	return "CONT", nil
}

// recordHeartbeat pushes one heartbeat sample onto the builder's ring buffer,
// matching the data model's "ring buffer of the last 100 heartbeat
// statistics samples" from every IDLE and BUSY message.
func recordHeartbeat(b *model.Builder, stats *wire.StatsArgs) {
	if stats == nil {
		return
	}
	b.PushHeartbeat(model.HeartbeatSample{
		Timestamp: time.Now(),
		CPUTemp:   stats.CPUTemp,
		LoadAvg:   stats.LoadAvg,
		FreeMem:   stats.FreeMem,
		FreeDisk:  stats.FreeDisk,
	})
}

func (d *Driver) doBuilt(ctx context.Context, b *model.Builder, args *wire.BuiltArgs) (string, interface{}) {
	if !lastReplyIs(b, "BUILD") || b.Build == nil {
		log.Error().Int64("builder_id", b.ID).Msg("protocol error: BUILT out of sequence")
		return "DIE", nil
	}
	build := b.Build
	build.Success = args.Status
	build.Duration = args.Duration
	build.Log = args.Log
	build.Artifacts = map[string]model.Artifact{}
	for _, a := range args.Artifacts {
		build.Artifacts[a.Filename] = model.Artifact{
			Filename: a.Filename, Size: a.Size, SHA256: a.SHA256,
			Package: a.Package, Version: a.Version,
			PyTag: a.PyTag, ABITag: a.ABITag, PlatformTag: a.PlatformTag,
			Dependencies: a.Deps,
		}
	}
	// NOTE: armv6l aliasing is applied both here (a synthetic build-record
	// entry) and independently by the receiver at commit time (a
	// filesystem symlink, see receiver.Transfer.Commit) — the reference kept
	// both paths and so do we; see
	// design notes on why neither alone is sufficient.
	build.ApplyArmV6Aliases()

	if err := d.cat.LogBuild(ctx, *build); err != nil {
		log.Error().Err(err).Int64("builder_id", b.ID).Msg("log_build failed")
	}

	pending := build.PendingFiles()
	if build.Success && len(pending) > 0 {
		next := pending[0]
		art := build.Artifacts[next]
		if err := d.receiver.Expect(ctx, b.ID, art); err != nil {
			log.Error().Err(err).Msg("receiver.Expect failed")
		}
		b.Status = model.StatusSending
		log.Info().Int64("builder_id", b.ID).Str("file", next).Msg("requesting send")
		return "SEND", wire.SendArgs{Filename: next}
	}
	log.Info().Int64("builder_id", b.ID).Bool("success", build.Success).Msg("build complete")
	b.Status = model.StatusReady
	return "DONE", nil
}

func (d *Driver) doSent(ctx context.Context, b *model.Builder) (string, interface{}) {
	if !lastReplyIs(b, "SEND") || b.Build == nil {
		log.Error().Int64("builder_id", b.ID).Msg("protocol error: SENT out of sequence")
		return "DIE", nil
	}
	build := b.Build
	ok, err := d.receiver.Verify(ctx, b.ID, build.Package)
	if err != nil {
		log.Error().Err(err).Msg("receiver.Verify failed")
	}
	pending := build.PendingFiles()
	current := ""
	if len(pending) > 0 {
		current = pending[0]
	}
	if ok && current != "" {
		art := build.Artifacts[current]
		art.Transferred = true
		build.Artifacts[current] = art
		d.indexer.NotifyPackageBuilt(build.Package)
	}

	pending = build.PendingFiles()
	if !ok {
		if current == "" {
			return "DONE", nil
		}
		return "SEND", wire.SendArgs{Filename: current}
	}
	if len(pending) == 0 {
		b.Status = model.StatusReady
		return "DONE", nil
	}
	next := pending[0]
	art := build.Artifacts[next]
	if err := d.receiver.Expect(ctx, b.ID, art); err != nil {
		log.Error().Err(err).Msg("receiver.Expect failed")
	}
	return "SEND", wire.SendArgs{Filename: next}
}

// nextTask asks the planner task for the next build for abi, matching
// the_architect.py's handle_build being reached over its own NEXT queue
// rather than the driver querying the catalog's build-queue view itself.
func (d *Driver) nextTask(ctx context.Context, abi string) (catalog.BuildQueueEntry, bool) {
	pkg, version, ok, err := d.planner.Next(ctx, abi)
	if err != nil || !ok {
		return catalog.BuildQueueEntry{}, false
	}
	return catalog.BuildQueueEntry{Package: pkg, Version: version}, true
}

// alreadyBuilding mirrors active_builds(): a (package, version) already
// assigned to a live builder isn't handed out twice.
func (d *Driver) alreadyBuilding(pkg, version string) bool {
	now := time.Now()
	for _, b := range d.builders {
		if b.Build == nil || b.Status != model.StatusBuilding {
			continue
		}
		if b.Expired(now) {
			continue
		}
		if b.Build.Package == pkg && b.Build.Version == version {
			return true
		}
	}
	return false
}

func lastReplyIs(b *model.Builder, verb string) bool {
	if len(b.LastReply) == 0 {
		return false
	}
	return b.LastReply[0] == verb
}

func lastReplyIn(b *model.Builder, verbs ...string) bool {
	if len(b.LastReply) == 0 {
		return true // no reply recorded yet
	}
	for _, v := range verbs {
		if b.LastReply[0] == v {
			return true
		}
	}
	return false
}
