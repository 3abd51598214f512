// Command masterctl is the admin CLI for the master coordinator, grounded
// on the reference implementation's piw-import/piw-add/piw-remove/piw-rebuild
// and piw-ctrl scripts: one process per invocation, each issuing a single
// request against either the admin ingress (import/addpkg/addver/rempkg/
// remver/rebuild) or the control plane (quit/pause/resume/kill/skip/sleep/
// wake/list) and printing the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pkgforge/master/internal/admin"
	"github.com/pkgforge/master/internal/config"
	"github.com/pkgforge/master/internal/control"
	"github.com/pkgforge/master/internal/wire"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	root := &cobra.Command{
		Use:           "masterctl",
		Short:         "admin client for the pkgforge build-farm coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/pkgforge/master.yaml", "path to master.yaml")

	root.AddCommand(
		importCmd(),
		addPkgCmd(),
		addVerCmd(),
		remPkgCmd(),
		remVerCmd(),
		rebuildCmd(),
		quitCmd(),
		pauseCmd(),
		resumeCmd(),
		killCmd(),
		skipCmd(),
		sleepCmd(),
		wakeCmd(),
		listCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func adminClient(ctx context.Context) (*admin.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return admin.NewClient(ctx, cfg.AdminAddr)
}

func controlClient(ctx context.Context) (*control.Client, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	c, err := control.NewClient(ctx, cfg.ExtControlAddr)
	return c, cfg, err
}

// importPayload is the on-disk shape of the --artifacts-json file: one
// admin IMPORT request, artifact descriptors included, so a caller can
// stage a build's output and hand the whole thing to masterctl in one shot
// rather than threading a dozen flags.
type importPayload struct {
	Package   string             `json:"package"`
	Version   string             `json:"version"`
	ABI       string             `json:"abi,omitempty"`
	Duration  time.Duration      `json:"duration"`
	Output    string             `json:"output"`
	Artifacts []wire.ArtifactArgs `json:"artifacts"`
}

func importCmd() *cobra.Command {
	var artifactsPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "import a pre-built artifact set as a successful build",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(artifactsPath)
			if err != nil {
				return fmt.Errorf("masterctl: read %s: %w", artifactsPath, err)
			}
			var p importPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("masterctl: parse %s: %w", artifactsPath, err)
			}
			c, err := adminClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Import(cmd.Context(), wire.ImportArgs{
				Package: p.Package, Version: p.Version, ABI: p.ABI,
				Status: true, Duration: p.Duration, Output: p.Output,
				Artifacts: p.Artifacts,
			})
		},
	}
	cmd.Flags().StringVar(&artifactsPath, "artifacts-json", "", "path to a JSON build descriptor (package, version, artifacts)")
	cmd.MarkFlagRequired("artifacts-json")
	return cmd
}

func addPkgCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "addpkg <package>",
		Short: "add a package to the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.AddPkg(cmd.Context(), args[0])
		},
	}
}

func addVerCmd() *cobra.Command {
	var skip string
	cmd := &cobra.Command{
		Use:   "addver <package> <version>",
		Short: "add a package version to the catalog",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.AddVer(cmd.Context(), args[0], args[1], skip)
		},
	}
	cmd.Flags().StringVar(&skip, "skip", "", "reason to mark this version skipped (empty: not skipped)")
	return cmd
}

func remPkgCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "rempkg <package>",
		Short: "remove a package from the repository and catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.RemPkg(cmd.Context(), args[0], cascade)
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also delete build history")
	return cmd
}

func remVerCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "remver <package> <version>",
		Short: "remove one version's artifacts from the repository and catalog",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.RemVer(cmd.Context(), args[0], args[1], cascade)
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also delete build history")
	return cmd
}

func rebuildCmd() *cobra.Command {
	var pkg string
	cmd := &cobra.Command{
		Use:   "rebuild <HOME|SEARCH|PROJECT|BOTH>",
		Short: "force a publisher pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Rebuild(cmd.Context(), args[0], pkg)
		},
	}
	cmd.Flags().StringVar(&pkg, "package", "", "package name, required for PROJECT and optional for BOTH")
	return cmd
}

func quitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "shut the master down in orderly fashion",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := controlClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Quit()
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "pause every task",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := controlClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Pause()
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "resume every task",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := controlClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Resume()
		},
	}
}

func builderIDCmd(use, short string, call func(*control.Client, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <builder-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("masterctl: invalid builder id %q", args[0])
			}
			c, _, err := controlClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return call(c, id)
		},
	}
}

func killCmd() *cobra.Command {
	return builderIDCmd("kill", "terminate a builder", (*control.Client).Kill)
}

func skipCmd() *cobra.Command {
	return builderIDCmd("skip", "skip a builder's current build", (*control.Client).Skip)
}

func sleepCmd() *cobra.Command {
	return builderIDCmd("sleep", "stop handing a builder new work", (*control.Client).Sleep)
}

func wakeCmd() *cobra.Command {
	return builderIDCmd("wake", "resume handing a builder new work", (*control.Client).Wake)
}

func listCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list connected builders",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := controlClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.List(cmd.Context(), cfg.ExtStatusAddr, window, func(e wire.SlaveStatusArgs) {
				fmt.Printf("%d\t%s\t%s\n", e.BuilderID, e.Timestamp.Format(time.RFC3339), e.Verb)
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 2*time.Second, "how long to listen for the LIST replay")
	return cmd
}

func init() {
	log.Logger = log.Output(os.Stderr)
}
