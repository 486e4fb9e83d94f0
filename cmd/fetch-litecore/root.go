package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/couchbaselabs/litecore-download-script/pkg/config"
	"github.com/couchbaselabs/litecore-download-script/pkg/fetcher"
	"github.com/couchbaselabs/litecore-download-script/pkg/ident"
	"github.com/couchbaselabs/litecore-download-script/pkg/locate"
	"github.com/couchbaselabs/litecore-download-script/pkg/platform"
	"github.com/couchbaselabs/litecore-download-script/pkg/store"
	"github.com/couchbaselabs/litecore-download-script/pkg/variant"
	"github.com/couchbaselabs/litecore-download-script/pkg/version"
)

type options struct {
	mode           string
	variants       []string
	debug          bool
	dryRun         bool
	quiet          bool
	sha            string
	build          string
	repo           string
	eeRepo         string
	ee             bool
	output         string
	baseURL        string
	configPath     string
	platformConfig string
	checksum       string
}

func newRootCommand() *cobra.Command {
	var verbose bool
	opts := &options{}

	cmd := &cobra.Command{
		Use:     "fetch-litecore",
		Short:   "fetch-litecore - download prebuilt LiteCore artifacts",
		Version: version.GetBuildID(),
		Long: `Download prebuilt LiteCore artifacts from the latestbuilds store.

The build to fetch is addressed either by source revision (--mode revision:
an explicit --sha, or the checked-out revision of --repo, optionally paired
with --ee-repo) or by released build number (--mode build: an explicit
--build like 3.1.0-107 or 3.1.0-107-EE, or the Build-To-Use: marker in the
newest commit of --repo that carries one).

Each requested variant is probed, downloaded, and extracted into a
platform-specific subdirectory of the output root. One missing or failing
variant does not stop the others.`,
		Example: `  fetch-litecore -v android -v windows-win64 -o vendor/litecore -r ../couchbase-lite-core
  fetch-litecore --mode build -b 3.1.0-107-EE -v dotnet -o vendor/litecore --dry-run`,
		Args: cobra.NoArgs,
		PersistentPreRun: func(c *cobra.Command, args []string) {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
		},
		RunE: func(c *cobra.Command, args []string) error {
			return run(c, opts)
		},
	}

	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.mode, "mode", "revision", "How the build is addressed: revision or build")
	cmd.Flags().StringSliceVarP(&opts.variants, "variants", "v", nil,
		fmt.Sprintf("Variants to fetch (repeatable; names: %s; groups: %s)",
			strings.Join(variant.Names(), ", "), strings.Join(variant.GroupNames(), ", ")))
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Fetch the debug flavor of each artifact")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "D", false, "Only check which artifacts exist, download nothing")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress per-variant report and progress output")
	cmd.Flags().StringVarP(&opts.sha, "sha", "x", "", "Explicit community revision (revision mode)")
	cmd.Flags().StringVarP(&opts.build, "build", "b", "", "Explicit build, <version>-<number>[-EE] (build mode)")
	cmd.Flags().StringVarP(&opts.repo, "repo", "r", "", "Path to a LiteCore checkout to resolve from")
	cmd.Flags().StringVar(&opts.eeRepo, "ee-repo", "", "Path to the enterprise overlay checkout (revision mode)")
	cmd.Flags().BoolVar(&opts.ee, "ee", false, "Fetch enterprise edition artifacts (build mode)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output root for the extracted artifacts")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "Artifact store folder (default: latestbuilds)")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to a TOML config file")
	cmd.Flags().StringVar(&opts.platformConfig, "platform-config", "", "TOML file with a [subdirectories] layout table")
	cmd.Flags().StringVar(&opts.checksum, "sha256", "", "Expected sha256 of the archive (single-variant runs only)")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	ctx := cmd.Context()

	cfg := &config.Config{}
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	variants, err := variant.Expand(opts.variants)
	if err != nil {
		return &ident.ResolutionError{Reason: "invalid variant request", Err: err}
	}
	if len(variants) == 0 {
		return &ident.ResolutionError{Reason: "at least one --variants entry is required"}
	}
	if opts.checksum != "" && len(variants) > 1 {
		return &ident.ResolutionError{Reason: "--sha256 applies to a single variant, not a batch"}
	}

	id, err := resolveIdentifier(ctx, opts)
	if err != nil {
		return err
	}
	slog.Info("resolved build identifier", "identifier", id.String(), "variants", len(variants))

	subdir, err := buildSubdirResolver(cfg, opts.platformConfig)
	if err != nil {
		return err
	}

	baseURL := opts.baseURL
	if baseURL == "" {
		baseURL = cfg.BaseURL
	}
	var progressOut io.Writer
	if !opts.quiet {
		progressOut = os.Stderr
	}

	orch := &fetcher.Orchestrator{
		Locator:    locate.New(baseURL),
		Store:      store.NewClient(cfg.Timeout(), progressOut),
		Subdir:     subdir,
		OutputRoot: opts.output,
		Checksum:   opts.checksum,
	}

	result, err := orch.Run(ctx, id, variants, opts.debug, opts.dryRun)
	if err != nil {
		return err
	}

	if !opts.quiet {
		renderResult(cmd.OutOrStdout(), result)
	}
	if !result.Success() {
		return fmt.Errorf("%d of %d variants failed", countFailed(result), len(result.Outcomes))
	}
	return nil
}

func resolveIdentifier(ctx context.Context, opts *options) (ident.Identifier, error) {
	resolver := ident.NewResolver()
	switch opts.mode {
	case "revision":
		if opts.build != "" {
			return nil, &ident.ResolutionError{Reason: "--build is a build-mode flag; use --mode build"}
		}
		return resolver.ResolveRevision(ctx, opts.sha, opts.repo, opts.eeRepo)
	case "build":
		if opts.sha != "" || opts.eeRepo != "" {
			return nil, &ident.ResolutionError{Reason: "--sha and --ee-repo are revision-mode flags; use --mode revision"}
		}
		edition := ident.EditionCommunity
		if opts.ee {
			edition = ident.EditionEnterprise
		}
		return resolver.ResolveBuild(ctx, opts.build, opts.repo, edition)
	default:
		return nil, &ident.ResolutionError{Reason: fmt.Sprintf("unknown mode %q (expected revision or build)", opts.mode)}
	}
}

func buildSubdirResolver(cfg *config.Config, platformConfigPath string) (platform.Func, error) {
	fn := platform.FromMap(cfg.Subdirectories, nil)
	if platformConfigPath == "" {
		return fn, nil
	}
	// The dedicated platform file wins; the main config's table and the
	// default layout remain the fallbacks.
	loaded, err := platform.Load(platformConfigPath, fn)
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

func renderResult(w io.Writer, result fetcher.Result) {
	for _, o := range result.Outcomes {
		line := fmt.Sprintf("%-22s %s", o.Variant, o.Status)
		if result.DryRun {
			line += fmt.Sprintf("  %s -> %s", o.URL, o.Dest)
		}
		if o.Err != nil {
			line += fmt.Sprintf("  (%v)", o.Err)
		}
		fmt.Fprintln(w, line)
	}
}

func countFailed(result fetcher.Result) int {
	failed := 0
	for _, o := range result.Outcomes {
		if o.Failed() {
			failed++
		}
	}
	return failed
}
