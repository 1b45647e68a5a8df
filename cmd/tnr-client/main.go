// tnr-client is a standalone CLI tool for driving and inspecting the GPU
// TNR client. It runs sessions against an in-process sandbox service,
// lists and cleans shared-memory segments, diagnoses the host, and writes
// CDI spec files exposing render nodes and /dev/shm to the service
// container.
//
// Usage:
//
//	tnr-client run --camera 0 --frames 30
//	tnr-client segments
//	tnr-client discover
//	tnr-client doctor --show-pass
//	tnr-client generate --all
//	tnr-client cleanup segments --dry-run
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/gpu-tnr-client/pkg/cdi"
	"github.com/Nativu5/gpu-tnr-client/pkg/config"
	"github.com/Nativu5/gpu-tnr-client/pkg/discover"
	"github.com/Nativu5/gpu-tnr-client/pkg/doctor"
	"github.com/Nativu5/gpu-tnr-client/pkg/gpu"
	"github.com/Nativu5/gpu-tnr-client/pkg/shm"
	"github.com/Nativu5/gpu-tnr-client/pkg/types"
	"github.com/Nativu5/gpu-tnr-client/pkg/utils"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(exitRuntimeError)
	}
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "tnr-client",
		Short: "GPU TNR client driver",
		Long:  "A standalone tool for driving GPU TNR (temporal noise reduction) sessions over shared memory and preparing the host for the TNR service.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	root.AddCommand(
		newRunCmd(),
		newSegmentsCmd(),
		newDiscoverCmd(),
		newDoctorCmd(),
		newGenerateCmd(),
		newCleanupCmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  segments
// ──────────────────────────────────────────────

func newSegmentsCmd() *cobra.Command {
	var (
		shmDir string
		prefix string
		output string
	)

	cmd := &cobra.Command{
		Use:   "segments",
		Short: "List shared-memory segment files on the host",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := shm.ListSegments(shmDir, prefix)
			if err != nil {
				return fmt.Errorf("cannot list segments: %w", err)
			}

			switch output {
			case "json":
				return discover.PrintSegmentsJSON(cmd.OutOrStdout(), files)
			default:
				if len(files) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No segments found.")
					return nil
				}
				discover.PrintSegments(cmd.OutOrStdout(), files)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&shmDir, "shm-dir", "", "Shared-memory directory (default /dev/shm or the temp dir)")
	cmd.Flags().StringVar(&prefix, "prefix", shm.DefaultPrefix, "Segment file name prefix")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  discover
// ──────────────────────────────────────────────

func newDiscoverCmd() *cobra.Command {
	var (
		all    bool
		node   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover GPU render nodes usable by the TNR service",
		RunE: func(cmd *cobra.Command, args []string) error {
			// If a target is specified, --all is implicitly false
			if node != "" && all {
				log.Debug("--all ignored because --node was specified")
			}

			nodes, err := discoverNodes(gpu.NewDiscoverer(), node)
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}

			switch output {
			case "json":
				return discover.PrintJSON(cmd.OutOrStdout(), nodes)
			default:
				discover.PrintTable(cmd.OutOrStdout(), nodes)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", true, "Discover all render nodes on the host")
	cmd.Flags().StringVar(&node, "node", "", "Render node name or path (e.g. renderD128)")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd() *cobra.Command {
	var (
		node       string
		configPath string
		shmDir     string
		prefix     string
		strict     bool
		showPass   bool
		output     string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics for GPU TNR readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				// Report the broken config instead of bailing out.
				log.Warnf("config not loaded: %v", err)
				cfg = nil
			}
			if shmDir == "" {
				shmDir = shm.ResolveDir()
				if cfg != nil && cfg.ShmDir != "" {
					shmDir = cfg.ShmDir
				}
			}

			reports := []*doctor.Report{doctor.DiagnoseHost(doctor.HostOptions{
				ShmDir: shmDir,
				Prefix: prefix,
				Config: cfg,
			})}
			if cfg == nil {
				reports = append(reports, doctor.DiagnoseConfigLoad(err))
			}

			nodes, err := discoverNodes(gpu.NewDiscoverer(), node)
			if err != nil {
				reports = append(reports, doctor.DiagnoseNoNodes(err))
			}
			for _, n := range nodes {
				reports = append(reports, doctor.DiagnoseNode(n))
			}
			merged := doctor.MergeReports(reports...)

			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), merged, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), merged, showPass)
			}

			// Exit code strategy
			if merged.HasFail || (strict && merged.HasWarn) {
				os.Exit(exitRuntimeError)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "Check a single render node (all if omitted)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the TNR config file (YAML)")
	cmd.Flags().StringVar(&shmDir, "shm-dir", "", "Shared-memory directory (default from config, then /dev/shm)")
	cmd.Flags().StringVar(&prefix, "prefix", shm.DefaultPrefix, "Segment file name prefix")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  generate
// ──────────────────────────────────────────────

func newGenerateCmd() *cobra.Command {
	var (
		all       bool
		node      string
		prefix    string
		name      string
		shmDir    string
		noShm     bool
		outputDir string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate CDI spec files for the TNR service container",
		RunE: func(cmd *cobra.Command, args []string) error {
			discoverer := gpu.NewDiscoverer()
			mount := shmDir
			if noShm {
				mount = ""
			}

			switch {
			case all:
				// Batch mode: generate a spec for every discovered render node
				nodes, err := discoverer.DiscoverAll()
				if err != nil {
					return fmt.Errorf("render node discovery failed: %w", err)
				}

				var errCount int
				for _, n := range nodes {
					autoName := deriveDefaultName(n.Name)
					if err := cdi.CreateCDISpec(prefix, autoName, []types.RenderNode{*n}, mount, outputDir, format); err != nil {
						log.Errorf("failed to generate spec for %s: %v", n.Name, err)
						errCount++
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "CDI spec written to %s\n",
						filepath.Join(outputDir, cdi.SpecFileName(prefix, autoName, format)))
				}
				if errCount > 0 {
					return fmt.Errorf("%d render node(s) failed to generate", errCount)
				}
				return nil

			default:
				// Single-node mode
				if name == "" {
					name = deriveDefaultName(node)
				}

				n, err := discoverer.DiscoverByNode(node)
				if err != nil {
					return fmt.Errorf("render node discovery failed: %w", err)
				}

				if err := cdi.CreateCDISpec(prefix, name, []types.RenderNode{*n}, mount, outputDir, format); err != nil {
					return fmt.Errorf("CDI spec generation failed: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "CDI spec written to %s\n",
					filepath.Join(outputDir, cdi.SpecFileName(prefix, name, format)))
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Generate specs for all discovered render nodes")
	cmd.Flags().StringVar(&node, "node", "", "Render node name or path (e.g. renderD128)")
	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name (auto-derived if omitted; incompatible with --all)")
	cmd.Flags().StringVar(&shmDir, "shm-dir", shm.DefaultDir, "Shared-memory directory to bind-mount into the container")
	cmd.Flags().BoolVar(&noShm, "no-shm", false, "Do not add the shared-memory mount")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "Output directory for CDI spec files")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (json|yaml)")

	cmd.MarkFlagsMutuallyExclusive("all", "node")
	cmd.MarkFlagsOneRequired("all", "node")
	// --name is only meaningful for single-node mode
	cmd.MarkFlagsMutuallyExclusive("all", "name")
	cmd.MarkFlagsMutuallyExclusive("shm-dir", "no-shm")

	return cmd
}

// ──────────────────────────────────────────────
//  cleanup
// ──────────────────────────────────────────────

func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftover segments or CDI spec files created by this tool",
	}
	cmd.AddCommand(newCleanupSegmentsCmd(), newCleanupSpecsCmd())
	return cmd
}

func newCleanupSegmentsCmd() *cobra.Command {
	var (
		shmDir string
		prefix string
		match  string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "segments",
		Short: "Remove segment files left behind by a crashed client",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := shm.CleanupSegments(shmDir, prefix, match, dryRun)
			if err != nil {
				return err
			}
			printRemoved(cmd, removed, dryRun, "No matching segment files found.")
			return nil
		},
	}

	cmd.Flags().StringVar(&shmDir, "shm-dir", "", "Shared-memory directory (default /dev/shm or the temp dir)")
	cmd.Flags().StringVar(&prefix, "prefix", shm.DefaultPrefix, "Segment file name prefix to match")
	cmd.Flags().StringVar(&match, "match", "", "Only remove files whose name contains this string (e.g. an instance id)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview files that would be removed")

	return cmd
}

func newCleanupSpecsCmd() *cobra.Command {
	var (
		prefix    string
		name      string
		outputDir string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "specs",
		Short: "Remove CDI spec files created by this tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := cdi.CleanupSpecs(outputDir, prefix, name, dryRun)
			if err != nil {
				return err
			}
			printRemoved(cmd, removed, dryRun, "No matching spec files found.")
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix to match")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name to match (all if omitted)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "CDI spec directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview files that would be removed")

	return cmd
}

func printRemoved(cmd *cobra.Command, removed []string, dryRun bool, none string) {
	if len(removed) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), none)
		return
	}
	action := "Removed"
	if dryRun {
		action = "Would remove"
	}
	for _, f := range removed {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", action, f)
	}
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tnr-client %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

// discoverNodes returns the named render node, or every node when name is
// empty.
func discoverNodes(d types.RenderNodeDiscoverer, name string) ([]*types.RenderNode, error) {
	if name == "" {
		return d.DiscoverAll()
	}
	n, err := d.DiscoverByNode(name)
	if err != nil {
		return nil, err
	}
	return []*types.RenderNode{n}, nil
}

// deriveDefaultName builds a default resource name from a render node name
// or path.
func deriveDefaultName(node string) string {
	if node == "" {
		return "unknown"
	}
	return utils.SanitizeName(filepath.Base(node))
}
