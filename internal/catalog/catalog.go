// Package catalog defines the master's view of the relational catalog: the
// package/version/build/file bookkeeping the reference implementation kept
// in PostgreSQL behind db.py's PiWheelsDatabase and the_oracle.py's DbClient.
// The relational schema and its own process are treated as external; what
// belongs here is the client contract every other component programs
// against, plus one concrete implementation of it so the module is
// runnable end to end.
package catalog

import (
	"context"
	"time"

	"github.com/pkgforge/master/internal/model"
)

// PackageFile is a row of the catalog's "files" relation: one published
// artifact belonging to a package version, as served back for index
// rendering (index_scribe.py's get_package_files).
type PackageFile struct {
	Filename string
	SHA256   string
	PyTag    string
	ABITag   string
	Platform string
}

// Summary mirrors db.py's get_package_summary aggregate.
type Summary struct {
	Success int64
	Fail    int64
	Total   int64
}

// BuildQueueEntry is one (package, version) pair awaiting a build for a
// given ABI, the unit the_architect.py's get_build_queue hands out.
type BuildQueueEntry struct {
	Package string
	Version string
}

// Operations is the full set of catalog queries and mutations the master's
// tasks issue. Every task that needs the catalog depends on this interface,
// never on a concrete driver, so the zmq-backed Client and the direct SQL
// Store are interchangeable.
type Operations interface {
	// PyPI / upstream serial cursor (cloud_gazer.py).
	GetUpstreamSerial(ctx context.Context) (int64, error)
	SetUpstreamSerial(ctx context.Context, serial int64) error
	AddNewPackage(ctx context.Context, name string) error
	AddNewPackageVersion(ctx context.Context, name, version string) error

	// Build queue (the_architect.py).
	GetBuildQueue(ctx context.Context, abi string) ([]BuildQueueEntry, error)

	// Supported ABI set (db.py's get_build_abis), consulted by admin ingress
	// to pick a default ABI when an import omits one.
	GetBuildABIs(ctx context.Context) ([]string, error)

	// Build bookkeeping (db.py log_build_run/log_build, slave_driver.py).
	LogBuildRun(ctx context.Context, builderID int64, abi string, started time.Time, success bool) error
	LogBuild(ctx context.Context, b model.Build) error

	// Index rendering (index_scribe.py).
	GetAllPackages(ctx context.Context) ([]string, error)
	GetPackageFiles(ctx context.Context, pkg string) ([]PackageFile, error)

	// Admin ingress (mr_chase.py).
	// VersionExists reports whether (pkg, version) is already known, mirroring
	// db.py's test_package_version check on import.
	VersionExists(ctx context.Context, pkg, version string) (bool, error)
	AddPackageManual(ctx context.Context, pkg string) error
	AddVersionManual(ctx context.Context, pkg, version, skipReason string) error
	RemovePackage(ctx context.Context, pkg string, cascade bool) error
	RemoveVersion(ctx context.Context, pkg, version string, cascade bool) error

	// Dashboard/status (high_priest.py, big_brother.py).
	GetSummary(ctx context.Context) (Summary, error)
}
