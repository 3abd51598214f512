// Package watcher implements the upstream change-ingest task, grounded on
// cloud_gazer.py (CloudGazer): poll upstream for the full package list and
// the version list of every package, and feed newly-discovered packages and
// versions into the catalog. The reference implementation drove this off
// PyPI's XML-RPC changelog serial; since the upstream here is a plain
// PEP 503 "simple" index rather than an XML-RPC service, the serial cursor
// instead tracks the monotonically increasing
// count of packages observed, with retries and backoff grounded on
// checkupstream.go's retry loop in the example pack.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/pkgforge/master/internal/catalog"
	"github.com/pkgforge/master/internal/model"
	"github.com/pkgforge/master/internal/repo"
	"github.com/pkgforge/master/internal/task"
)

// Watcher polls repo.Upstream's simple index and feeds new packages/versions
// into the catalog.
type Watcher struct {
	*task.Base
	upstream repo.Upstream
	cat      catalog.Operations

	pollInterval time.Duration
	lastSerial   int64
}

// New constructs a Watcher against upstream, restoring its cursor from the
// catalog the way cloud_gazer.py's run() seeds self.pypi.last_serial from
// get_pypi_serial before its first poll.
func New(ctx context.Context, upstream repo.Upstream, cat catalog.Operations, pollInterval time.Duration) (*Watcher, error) {
	serial, err := cat.GetUpstreamSerial(ctx)
	if err != nil {
		return nil, fmt.Errorf("watcher: restore serial: %w", err)
	}
	return &Watcher{
		Base:         task.NewBase(),
		upstream:     upstream,
		cat:          cat,
		pollInterval: pollInterval,
		lastSerial:   serial,
	}, nil
}

func (w *Watcher) Name() string { return "master.cloud_gazer" }

// Step performs one poll cycle: fetch the package list, diff against the
// catalog, record new packages and new versions, then persist the advanced
// serial — mirroring cloud_gazer.py's finally-block persistence, except we
// persist after every successful cycle rather than only at shutdown, since a
// crash between cycles should not re-scan everything.
func (w *Watcher) Step(ctx context.Context) error {
	links, err := w.fetchWithRetry(ctx, "")
	if err != nil {
		return fmt.Errorf("watcher: fetch package list: %w", err)
	}
	packages := basenames(links)

	known, err := w.cat.GetAllPackages(ctx)
	if err != nil {
		return fmt.Errorf("watcher: get known packages: %w", err)
	}
	knownSet := make(map[string]bool, len(known))
	for _, p := range known {
		knownSet[p] = true
	}

	for _, pkg := range packages {
		if !knownSet[pkg] {
			if err := w.cat.AddNewPackage(ctx, pkg); err != nil {
				log.Error().Err(err).Str("package", pkg).Msg("add_new_package failed")
				continue
			}
			w.lastSerial++
		}
		if err := w.handleControl(ctx); err != nil {
			return err
		}
		if err := w.pollPackageVersions(ctx, pkg); err != nil {
			log.Error().Err(err).Str("package", pkg).Msg("version scan failed")
		}
	}

	if err := w.cat.SetUpstreamSerial(ctx, w.lastSerial); err != nil {
		log.Error().Err(err).Msg("persist serial failed")
	}

	select {
	case <-time.After(w.pollInterval):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// handleControl checks between packages during a long scan whether ctx has
// been cancelled, so the scan stops promptly on shutdown. It does not read
// the task's control channel: QUIT/PAUSE take effect only once Step returns.
func (w *Watcher) handleControl(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (w *Watcher) pollPackageVersions(ctx context.Context, pkg string) error {
	links, err := w.fetchLinks(ctx, pkg)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, filename := range basenames(links) {
		p, ver, _, _, _, err := model.ParseFilename(filename)
		if err != nil || p == "" || seen[ver] {
			continue
		}
		seen[ver] = true
		if err := w.cat.AddNewPackageVersion(ctx, pkg, ver); err != nil {
			return fmt.Errorf("add_new_package_version %s %s: %w", pkg, ver, err)
		}
	}
	return nil
}

// basenames reduces a list of resolved href URLs to their final path
// segment (a package name on the root index, a wheel filename on a package
// page), matching what index_scribe.py's anchors actually point at.
func basenames(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		out = append(out, path.Base(u))
	}
	return out
}

// fetchWithRetry is a thin retry wrapper grounded on checkupstream.go's
// retry loop (distr1-distri), using capped exponential backoff for up to two
// minutes. Only a 404 (repo.ErrNotFound) or an unparseable page stops the
// retries at once; every other error, other 4xx statuses included, is
// retried.
func (w *Watcher) fetchWithRetry(ctx context.Context, relPath string) ([]string, error) {
	op := func() ([]string, error) {
		rc, err := repo.Reader(ctx, w.upstream, relPath, true)
		if err != nil {
			var notFound *repo.ErrNotFound
			if errors.As(err, &notFound) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer rc.Close()
		body, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		links, err := repo.ExtractLinks(w.upstream.URL(relPath), body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return links, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Minute),
	)
}

func (w *Watcher) fetchLinks(ctx context.Context, pkg string) ([]string, error) {
	return w.fetchWithRetry(ctx, pkg+"/")
}
