// Package publisher renders the simple-index web pages served to pip,
// grounded on index_scribe.py: a root index listing every known package,
// one index per package listing its files, and a PEP 503 canonical-name
// symlink pointing at each package's real directory. Every write lands via
// an atomic rename (github.com/google/renameio) so a concurrent GET from
// pip never observes a half-written file.
package publisher

import (
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/renameio"
	"github.com/rs/zerolog/log"

	"github.com/pkgforge/master/internal/catalog"
	"github.com/pkgforge/master/internal/task"
)

var canonicalizeRegexp = regexp.MustCompile(`[-_.]+`)

// Canonicalize applies PEP 503's package-name canonicalization rule, used
// both for the simple-index symlink and (by callers) for comparing package
// names case/separator-insensitively.
func Canonicalize(name string) string {
	return strings.ToLower(canonicalizeRegexp.ReplaceAllString(name, "-"))
}

var rootIndexTemplate = template.Must(template.New("root").Parse(`<!DOCTYPE html>
<html>
<head><title>Simple Index</title><meta name="api-version" value="2"></head>
<body>
{{- range . }}
<a href="{{ . }}/">{{ . }}</a><br>
{{- end }}
</body>
</html>
`))

var packageIndexTemplate = template.Must(template.New("package").Parse(`<!DOCTYPE html>
<html>
<head><title>Links for {{ .Package }}</title></head>
<body>
<h1>Links for {{ .Package }}</h1>
{{- range .Files }}
<a href="{{ .Filename }}#sha256={{ .SHA256 }}" rel="internal">{{ .Filename }}</a><br>
{{- end }}
</body>
</html>
`))

// packageIndexData feeds packageIndexTemplate.
type packageIndexData struct {
	Package string
	Files   []catalog.PackageFile
}

// Publisher writes the simple-index tree to OutputDir. It holds the set of
// package names it has already written a root-index entry for, matching
// IndexScribe's in-memory package_cache, plus the order they were first seen
// in so the root index lists them the way index_scribe.py's set iteration
// historically happened to (insertion order), not alphabetically.
type Publisher struct {
	*task.Base
	OutputDir string
	cat       catalog.Operations

	queue        chan string
	packageCache map[string]bool
	packageOrder []string
}

// New returns a Publisher rooted at outputDir and primes its package cache
// from the catalog, matching IndexScribe.run's initial "building package
// cache" step. It also lays out the simple/ subdirectory, mirroring
// setup_output_path.
func New(ctx context.Context, cat catalog.Operations, outputDir string) (*Publisher, error) {
	if err := os.MkdirAll(filepath.Join(outputDir, "simple"), 0o755); err != nil {
		return nil, fmt.Errorf("publisher: setup output path: %w", err)
	}
	pkgs, err := cat.GetAllPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("publisher: prime package cache: %w", err)
	}
	cache := make(map[string]bool, len(pkgs))
	order := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		cache[p] = true
		order = append(order, p)
	}
	return &Publisher{
		Base:         task.NewBase(),
		OutputDir:    outputDir,
		cat:          cat,
		queue:        make(chan string, 256),
		packageCache: cache,
		packageOrder: order,
	}, nil
}

func (p *Publisher) Name() string { return "master.index_scribe" }

// NotifyPackageBuilt enqueues a package for index rebuild, matching a
// ['PKG', package] push onto the reference's index_queue. Never blocks: a
// full queue drops the notification and logs, since the next successful
// build for the same package will requeue it anyway.
func (p *Publisher) NotifyPackageBuilt(pkg string) {
	select {
	case p.queue <- pkg:
	default:
		log.Warn().Str("package", pkg).Msg("index queue full, dropping notification")
	}
}

// Step rebuilds the index for one queued package, writing the root index
// first if the package is new.
func (p *Publisher) Step(ctx context.Context) error {
	var pkg string
	select {
	case pkg = <-p.queue:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !p.packageCache[pkg] {
		p.packageCache[pkg] = true
		p.packageOrder = append(p.packageOrder, pkg)
		if err := p.writeRootIndex(); err != nil {
			return err
		}
	}
	files, err := p.cat.GetPackageFiles(ctx, pkg)
	if err != nil {
		return fmt.Errorf("publisher: get files for %s: %w", pkg, err)
	}
	return p.writePackageIndex(pkg, files)
}

// writeRootIndex rebuilds simple/index.html from the full package cache, in
// the order packages were first seen.
func (p *Publisher) writeRootIndex() error {
	dst := filepath.Join(p.OutputDir, "simple", "index.html")
	return atomicWriteTemplate(dst, rootIndexTemplate, p.packageOrder)
}

// writePackageIndex rebuilds simple/<package>/index.html. If the package
// directory is currently a canonical-name symlink (created for a different,
// colliding package), it is removed and replaced with a real directory —
// the same "new package takes the place of the symlink" rule index_scribe.py
// documents at length.
func (p *Publisher) writePackageIndex(pkg string, files []catalog.PackageFile) error {
	pkgDir := filepath.Join(p.OutputDir, "simple", pkg)
	if info, err := os.Lstat(pkgDir); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(pkgDir); err != nil {
			return fmt.Errorf("publisher: remove stale symlink %s: %w", pkgDir, err)
		}
	}
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return fmt.Errorf("publisher: mkdir %s: %w", pkgDir, err)
	}

	dst := filepath.Join(pkgDir, "index.html")
	if err := atomicWriteTemplate(dst, packageIndexTemplate, packageIndexData{Package: pkg, Files: files}); err != nil {
		return err
	}

	canonical := Canonicalize(pkg)
	if canonical != pkg {
		link := filepath.Join(p.OutputDir, "simple", canonical)
		if err := os.Symlink(pkg, link); err != nil && !os.IsExist(err) {
			log.Warn().Err(err).Str("package", pkg).Msg("canonical symlink not created")
		}
	}
	return nil
}

// RebuildHome forces an immediate root-index rewrite, matching the admin
// ingress's REBUILD HOME op.
func (p *Publisher) RebuildHome() error {
	return p.writeRootIndex()
}

// RemovePackage deletes a package's directory (and its canonical-name
// symlink, if any still points at it) from the repository and drops it from
// the known-package set, then rewrites the root index — the filesystem half
// of the admin ingress's REMPKG op: delete an artifact/package from the
// repository and from the catalog.
func (p *Publisher) RemovePackage(pkg string) error {
	pkgDir := filepath.Join(p.OutputDir, "simple", pkg)
	if err := os.RemoveAll(pkgDir); err != nil {
		return fmt.Errorf("publisher: remove %s: %w", pkgDir, err)
	}

	canonical := Canonicalize(pkg)
	if canonical != pkg {
		link := filepath.Join(p.OutputDir, "simple", canonical)
		if target, err := os.Readlink(link); err == nil && target == pkg {
			if err := os.Remove(link); err != nil {
				log.Warn().Err(err).Str("package", pkg).Msg("canonical symlink not removed")
			}
		}
	}

	delete(p.packageCache, pkg)
	for i, name := range p.packageOrder {
		if name == pkg {
			p.packageOrder = append(p.packageOrder[:i], p.packageOrder[i+1:]...)
			break
		}
	}
	return p.writeRootIndex()
}

// RebuildPackage forces an immediate index rewrite for one package,
// matching the admin ingress's REBUILD PROJECT(pkg) op.
func (p *Publisher) RebuildPackage(ctx context.Context, pkg string) error {
	files, err := p.cat.GetPackageFiles(ctx, pkg)
	if err != nil {
		return fmt.Errorf("publisher: get files for %s: %w", pkg, err)
	}
	if !p.packageCache[pkg] {
		p.packageCache[pkg] = true
		p.packageOrder = append(p.packageOrder, pkg)
	}
	return p.writePackageIndex(pkg, files)
}

// WriteHomepage renders the master's top-level status page, matching
// write_homepage's template.format(**status_info).
func (p *Publisher) WriteHomepage(tmpl *template.Template, data interface{}) error {
	dst := filepath.Join(p.OutputDir, "index.html")
	return atomicWriteTemplate(dst, tmpl, data)
}

func atomicWriteTemplate(dst string, tmpl *template.Template, data interface{}) error {
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return fmt.Errorf("publisher: stage %s: %w", dst, err)
	}
	defer t.Cleanup()
	if err := tmpl.Execute(t, data); err != nil {
		return fmt.Errorf("publisher: render %s: %w", dst, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("publisher: commit %s: %w", dst, err)
	}
	return nil
}
