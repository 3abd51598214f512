package model

import (
	"sort"
	"time"
)

// Build is a build record: the outcome of one builder attempting one
// (package, version, ABI) triple.
//
// Invariants: if Success is false, Artifacts is empty; every artifact in
// Artifacts shares Package and Version with the build; ABI is never the
// sentinel "none" and must be a member of the catalog's supported-ABI set.
type Build struct {
	BuilderID int64      `json:"builder_id"`
	Package   string     `json:"package"`
	Version   string     `json:"version"`
	ABI       string     `json:"abi"`
	Success   bool       `json:"success"`
	Duration  time.Duration `json:"duration"`
	Log       string     `json:"log"`
	// Artifacts maps filename to descriptor.
	Artifacts map[string]Artifact `json:"artifacts"`
	// BuildID is assigned by the catalog once the log has been accepted;
	// zero until then.
	BuildID int64 `json:"build_id,omitempty"`
}

// NoneABI is the sentinel value a build's ABI must never equal.
const NoneABI = "none"

// Files returns the build's artifacts in a stable order (by filename),
// suitable for driving the SEND/SENT file-transfer sequence one file at a
// time.
func (b *Build) Files() []string {
	names := make([]string, 0, len(b.Artifacts))
	for name := range b.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PendingFiles returns, in stable order, the artifacts still awaiting
// transfer. Synthesized armv6 aliases are marked pre-transferred and are
// never included: the receiver never transfers them.
func (b *Build) PendingFiles() []string {
	all := b.Files()
	pending := make([]string, 0, len(all))
	for _, name := range all {
		if !b.Artifacts[name].Transferred {
			pending = append(pending, name)
		}
	}
	return pending
}

// ApplyArmV6Aliases mutates b in place, adding a synthesized armv6 twin for
// every armv7 artifact it contains. This must run before the build is
// logged to the catalog, and is independent of the receiver's own armv6
// symlink step at commit time: the aliasing is applied both at
// artifact-receiver commit time (for the files that exist on disk) and at
// build-log time (for the catalog row), deliberately and redundantly.
func (b *Build) ApplyArmV6Aliases() {
	for _, a := range b.Artifacts {
		if alias, ok := a.ArmV6Alias(); ok {
			b.Artifacts[alias.Filename] = alias
		}
	}
}
