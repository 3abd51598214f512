// Package model defines the data types shared across every master
// component: artifact descriptors, build records, builder state, transfers,
// and the planner's queue entries.
package model

import (
	"fmt"
	"strings"
)

// Artifact describes one built binary package file. It is immutable except
// for Transferred, which the receiver sets exactly once, after verification
// .
type Artifact struct {
	Filename     string            `json:"filename"`
	Size         int64             `json:"size"`
	SHA256       string            `json:"sha256"` // lowercase hex
	Package      string            `json:"package"`
	Version      string            `json:"version"`
	PyTag        string            `json:"py_tag"`
	ABITag       string            `json:"abi_tag"`
	PlatformTag  string            `json:"platform_tag"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
	Transferred  bool              `json:"transferred"`
}

// Verified returns a copy of a with Transferred set, matching the
// receiver's verified() mutation (FileState.verified in the reference
// implementation) without letting callers mutate a shared descriptor.
func (a Artifact) Verified() Artifact {
	a.Transferred = true
	return a
}

// ArmV6Alias synthesizes the twin descriptor the slave driver creates for
// every linux_armv7l artifact: same content hash, platform rewritten to
// linux_armv6l, marked pre-transferred.
// ok is false unless a.PlatformTag is exactly "linux_armv7l".
func (a Artifact) ArmV6Alias() (alias Artifact, ok bool) {
	if a.PlatformTag != "linux_armv7l" {
		return Artifact{}, false
	}
	alias = a
	alias.PlatformTag = "linux_armv6l"
	alias.Filename = renamePlatform(a.Filename, "linux_armv6l")
	alias.Transferred = true
	return alias, true
}

func renamePlatform(filename, platform string) string {
	ext := ".whl"
	base := strings.TrimSuffix(filename, ext)
	parts := strings.Split(base, "-")
	if len(parts) == 0 {
		return filename
	}
	parts[len(parts)-1] = platform
	return strings.Join(parts, "-") + ext
}

// ParseFilename recovers the five dash-delimited tags from a wheel filename
// by splitting from the right, following the artifact filename grammar:
// {pkg_tag}-{ver_tag}-{py_tag}-{abi_tag}-{platform_tag}.whl
func ParseFilename(filename string) (pkg, ver, py, abi, platform string, err error) {
	base := strings.TrimSuffix(filename, ".whl")
	if base == filename {
		return "", "", "", "", "", fmt.Errorf("%q: missing .whl extension", filename)
	}
	parts := strings.Split(base, "-")
	if len(parts) < 5 {
		return "", "", "", "", "", fmt.Errorf("%q: expected 5 dash-delimited tags, got %d", filename, len(parts))
	}
	n := len(parts)
	platform = parts[n-1]
	abi = parts[n-2]
	py = parts[n-3]
	ver = parts[n-4]
	pkg = strings.Join(parts[:n-4], "-")
	return pkg, ver, py, abi, platform, nil
}
