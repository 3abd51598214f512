package catalog

import "time"

// The catalog queue is a plain REQ/REP pair (the same shape the_oracle.py's
// DbClient used): one verb per Operations method, one reply carrying either
// a result or an error string. Unlike the other queues it does not go through
// transport.Channel or a wire.Protocol: Client.call sends the verb and a JSON
// payload as two zmq4 frames and reads back a single-frame JSON
// replyEnvelope.

type getBuildQueueArgs struct {
	ABI string `json:"abi"`
}

type addNewPackageArgs struct {
	Package string `json:"package"`
}

type addNewPackageVersionArgs struct {
	Package string `json:"package"`
	Version string `json:"version"`
}

type setUpstreamSerialArgs struct {
	Serial int64 `json:"serial"`
}

type logBuildRunArgs struct {
	BuilderID int64     `json:"builder_id"`
	ABI       string    `json:"abi"`
	Started   time.Time `json:"started"`
	Success   bool      `json:"success"`
}

type logBuildArgs struct {
	BuilderID int64  `json:"builder_id"`
	Package   string `json:"package"`
	Version   string `json:"version"`
	ABI       string `json:"abi"`
	Success   bool   `json:"success"`
	Duration  time.Duration `json:"duration"`
	Log       string `json:"log"`
}

type getPackageFilesArgs struct {
	Package string `json:"package"`
}

type addPackageManualArgs struct {
	Package string `json:"package"`
}

type addVersionManualArgs struct {
	Package    string `json:"package"`
	Version    string `json:"version"`
	SkipReason string `json:"skip_reason,omitempty"`
}

type removePackageArgs struct {
	Package string `json:"package"`
	Cascade bool   `json:"cascade"`
}

type removeVersionArgs struct {
	Package string `json:"package"`
	Version string `json:"version"`
	Cascade bool   `json:"cascade"`
}

// replyEnvelope wraps every reply: exactly one of Result/Err is populated,
// mirroring file_juggler.py's ['OK', result] / ['ERR', reason] convention.
type replyEnvelope struct {
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Err    string      `json:"err,omitempty"`
}
