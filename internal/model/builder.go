package model

import "time"

// BuilderStatus is the slave driver's state-machine label for a connected
// builder.
type BuilderStatus int

const (
	StatusNew BuilderStatus = iota
	StatusReady
	StatusBuilding
	StatusSending
)

func (s BuilderStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusReady:
		return "READY"
	case StatusBuilding:
		return "BUILDING"
	case StatusSending:
		return "SENDING"
	default:
		return "UNKNOWN"
	}
}

// HeartbeatSample is one entry in a builder's ring buffer of recent
// heartbeat statistics.
type HeartbeatSample struct {
	Timestamp time.Time `json:"timestamp"`
	CPUTemp   float64   `json:"cpu_temp,omitempty"`
	LoadAvg   float64   `json:"load_avg,omitempty"`
	FreeMem   uint64    `json:"free_mem,omitempty"`
	FreeDisk  uint64    `json:"free_disk,omitempty"`
}

const heartbeatHistory = 100

// Builder holds everything the slave driver knows about one connected
// builder node. It is owned exclusively by the slave driver; nothing else
// may mutate it.
type Builder struct {
	ID      int64  // stable, assigned at HELLO, monotonic at this master
	Address string // ephemeral transport identity, changes on every reconnect

	NativePy       string
	NativeABI      string
	NativePlatform string
	BuildTimeout   time.Duration
	BusyTimeout    time.Duration
	Label          string
	OSName         string
	OSVersion      string
	HWRevision     string
	HWSerial       string

	FirstSeen time.Time
	LastSeen  time.Time

	LastRequest []string // the last verb+args received from this builder
	LastReply   []string // the last verb+args sent to this builder

	Status BuilderStatus
	Build  *Build // non-nil while Status is BUILDING or SENDING

	heartbeats []HeartbeatSample
	ClockSkew  time.Duration

	Killed  bool
	Skipped bool
	Paused  bool
}

// RecordRequest stores msg in the builder's last-request slot (replacing the
// previous one), updates LastSeen, and returns
// the status event to publish on the fan-out. This re-expresses the
// reference implementation's request/reply-assigning-trigger pattern as
// explicit methods instead of overloaded attribute assignment.
func (b *Builder) RecordRequest(now time.Time, verb string, args ...string) StatusEvent {
	b.LastSeen = now
	b.LastRequest = append([]string{verb}, args...)
	return StatusEvent{BuilderID: b.ID, Timestamp: now, Direction: DirectionRX, Verb: verb, Args: args}
}

// RecordReply stores msg in the builder's last-reply slot (replacing the
// previous one) and returns the corresponding status event.
func (b *Builder) RecordReply(now time.Time, verb string, args ...string) StatusEvent {
	b.LastReply = append([]string{verb}, args...)
	return StatusEvent{BuilderID: b.ID, Timestamp: now, Direction: DirectionTX, Verb: verb, Args: args}
}

// PushHeartbeat appends a sample to the ring buffer, discarding the oldest
// entry once it holds heartbeatHistory samples.
func (b *Builder) PushHeartbeat(s HeartbeatSample) {
	b.heartbeats = append(b.heartbeats, s)
	if len(b.heartbeats) > heartbeatHistory {
		b.heartbeats = b.heartbeats[len(b.heartbeats)-heartbeatHistory:]
	}
}

// Heartbeats returns the ring buffer contents, oldest first.
func (b *Builder) Heartbeats() []HeartbeatSample {
	return b.heartbeats
}

// Expired reports whether the builder has gone silent past its declared
// heartbeat timeout as of now.
func (b *Builder) Expired(now time.Time) bool {
	timeout := b.BusyTimeout
	if b.Status != StatusBuilding && b.Status != StatusSending {
		timeout = b.BuildTimeout
	}
	return now.Sub(b.LastSeen) > timeout
}

// Direction labels which end of the wire sent a status event.
type Direction int

const (
	DirectionRX Direction = iota
	DirectionTX
)

// StatusEvent is fanned out on the status PUB socket for monitors as a
// SLAVE(id, timestamp, verb, payload) event.
type StatusEvent struct {
	BuilderID int64     `json:"builder_id"`
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	Verb      string    `json:"verb"`
	Args      []string  `json:"args,omitempty"`
}
