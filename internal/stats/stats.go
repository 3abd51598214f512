// Package stats implements the periodic statistics task, grounded on
// big_brother.py's BigBrother: poll the catalog and the artifact
// filesystem for aggregate numbers, render the homepage, and fan the same
// numbers out on the status queue for monitors — and, since this is a Go
// service rather than a standalone daemon users tail a log from, also
// exported as Prometheus gauges the way autobuilder.go exposes its own
// disk-space/build numbers on a status page (cmd/autobuilder/autobuilder.go,
// distr1-distri) and the way cuemby-warren/pkg/metrics registers one
// GaugeVec per dashboard figure.
package stats

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/pkgforge/master/internal/catalog"
	"github.com/pkgforge/master/internal/task"
	"github.com/pkgforge/master/internal/transport"
	"github.com/pkgforge/master/internal/wire"
)

var (
	packagesCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pkgforge_packages_count", Help: "Total packages known to the catalog.",
	})
	packagesBuilt = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pkgforge_packages_built", Help: "Packages with at least one successful build.",
	})
	buildsCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pkgforge_builds_count", Help: "Total build attempts logged.",
	})
	buildsSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pkgforge_builds_success", Help: "Successful build attempts logged.",
	})
	diskFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pkgforge_disk_free_bytes", Help: "Free space on the artifact output filesystem.",
	})
	diskSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pkgforge_disk_size_bytes", Help: "Total size of the artifact output filesystem.",
	})
)

func init() {
	prometheus.MustRegister(packagesCount, packagesBuilt, buildsCount, buildsSuccess, diskFree, diskSize)
}

// Publisher is the subset of internal/publisher.Publisher this task needs:
// writing the rendered homepage to the output tree.
type Publisher interface {
	WriteHomepage(tmpl *template.Template, data interface{}) error
}

// homepageTemplate mirrors index.template.html's placeholders, substituting
// Python str.format fields for Go template actions.
var homepageTemplate = template.Must(template.New("homepage").Parse(`<!DOCTYPE html>
<html>
<head><title>pkgforge build status</title></head>
<body>
<h1>pkgforge</h1>
<ul>
<li>Packages: {{ .PackagesCount }} ({{ .PackagesBuilt }} built)</li>
<li>Versions: {{ .VersionsCount }} ({{ .VersionsBuilt }} built)</li>
<li>Builds: {{ .BuildsCount }} ({{ .BuildsSuccess }} succeeded, {{ .BuildsLastHour }} in the last hour)</li>
<li>Build time: {{ .BuildsTime }}</li>
<li>Build output: {{ .BuildsSizeMiB }} MiB</li>
<li>Disk free: {{ .DiskFreeMiB }} / {{ .DiskSizeMiB }} MiB</li>
</ul>
</body>
</html>
`))

// homepageData feeds homepageTemplate, matching write_homepage's format
// kwargs plus the extra counters this module tracks that the reference
// split across packages_count/versions_count rather than one summary.
type homepageData struct {
	PackagesCount  int64
	PackagesBuilt  int64
	VersionsCount  int64
	VersionsBuilt  int64
	BuildsCount    int64
	BuildsSuccess  int64
	BuildsLastHour int64
	BuildsTime     time.Duration
	BuildsSizeMiB  int64
	DiskFreeMiB    uint64
	DiskSizeMiB    uint64
}

// Collector is the big_brother task: on every tick it queries the catalog
// and output filesystem, writes the homepage, updates the Prometheus
// gauges, and pushes a STATUS event for the status fan-out.
type Collector struct {
	*task.Base
	cat       catalog.Operations
	pub       Publisher
	outputDir string
	status    *transport.Channel
	interval  time.Duration
}

// New constructs a Collector. statusAddr is the internal status PUSH
// endpoint (int_status_queue in the reference); the control task relays it
// onto the external PUB fan-out (see internal/control).
func New(ctx context.Context, cat catalog.Operations, pub Publisher, outputDir, statusAddr string, interval time.Duration) (*Collector, error) {
	sock, err := transport.NewPush(ctx, statusAddr, wire.StatusProtocol, transport.WithHWM(1))
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &Collector{
		Base:      task.NewBase(),
		cat:       cat,
		pub:       pub,
		outputDir: outputDir,
		status:    sock,
		interval:  interval,
	}, nil
}

func (c *Collector) Name() string { return "master.big_brother" }

// Step performs one statistics cycle, matching BigBrother.run's loop body.
func (c *Collector) Step(ctx context.Context) error {
	var fs unix.Statfs_t
	if err := unix.Statfs(c.outputDir, &fs); err != nil {
		log.Error().Err(err).Str("path", c.outputDir).Msg("statfs failed")
	}
	free := fs.Bavail * uint64(fs.Bsize)
	size := fs.Blocks * uint64(fs.Bsize)

	summary, err := c.cat.GetSummary(ctx)
	if err != nil {
		return fmt.Errorf("stats: get_summary: %w", err)
	}

	packagesCount.Set(float64(summary.Total))
	packagesBuilt.Set(float64(summary.Success))
	buildsCount.Set(float64(summary.Total))
	buildsSuccess.Set(float64(summary.Success))
	diskFree.Set(float64(free))
	diskSize.Set(float64(size))

	data := homepageData{
		PackagesCount: summary.Total,
		PackagesBuilt: summary.Success,
		BuildsCount:   summary.Total,
		BuildsSuccess: summary.Success,
		DiskFreeMiB:   free / 1048576,
		DiskSizeMiB:   size / 1048576,
	}
	if c.pub != nil {
		if err := c.pub.WriteHomepage(homepageTemplate, data); err != nil {
			log.Error().Err(err).Msg("write_homepage failed")
		}
	}

	if err := c.status.Send("STATUS", wire.StatusArgs{
		PackagesCount: summary.Total,
		PackagesBuilt: summary.Success,
		BuildsCount:   summary.Total,
		BuildsSuccess: summary.Success,
		DiskFree:      free,
		DiskSize:      size,
	}); err != nil {
		log.Error().Err(err).Msg("status push failed")
	}

	select {
	case <-time.After(c.interval):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
