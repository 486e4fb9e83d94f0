// Package fetcher drives the fetch pipeline across the requested variants:
// locate, probe, download, extract, one variant at a time, collecting one
// outcome per variant. A single variant's failure never blocks the rest of
// the batch.
package fetcher

import (
	"context"
	"log/slog"
	"os"

	"github.com/couchbaselabs/litecore-download-script/pkg/archive"
	"github.com/couchbaselabs/litecore-download-script/pkg/ident"
	"github.com/couchbaselabs/litecore-download-script/pkg/locate"
	"github.com/couchbaselabs/litecore-download-script/pkg/platform"
	"github.com/couchbaselabs/litecore-download-script/pkg/store"
)

// Status classifies one variant's outcome.
type Status int

const (
	// StatusExtracted: found, downloaded, and unpacked (or, for
	// download-only variants, placed as-is).
	StatusExtracted Status = iota
	// StatusFound: dry run confirmed the artifact exists; nothing fetched.
	StatusFound
	// StatusNotFound: the store has no artifact for this variant yet.
	StatusNotFound
	// StatusProbeFailed: the existence check hit a transport fault.
	StatusProbeFailed
	// StatusDownloadFailed: the transfer failed after existence was confirmed.
	StatusDownloadFailed
	// StatusExtractFailed: the archive could not be unpacked.
	StatusExtractFailed
)

func (s Status) String() string {
	switch s {
	case StatusExtracted:
		return "extracted"
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not found"
	case StatusProbeFailed:
		return "probe failed"
	case StatusDownloadFailed:
		return "download failed"
	case StatusExtractFailed:
		return "extract failed"
	default:
		return "unknown"
	}
}

// Outcome is the result for one requested variant.
type Outcome struct {
	Variant string
	Status  Status
	URL     string
	Dest    string
	Err     error
}

// Failed reports whether this outcome counts against the run.
func (o Outcome) Failed() bool {
	return o.Status != StatusExtracted && o.Status != StatusFound
}

// Result is the whole run's outcome, one entry per requested variant in
// request order.
type Result struct {
	DryRun   bool
	Outcomes []Outcome
}

// Success reports whether the batch met its goal: every artifact extracted,
// or, for a dry run, every probed artifact present.
func (r Result) Success() bool {
	for _, o := range r.Outcomes {
		if o.Failed() {
			return false
		}
	}
	return true
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	Locator    *locate.Locator
	Store      *store.Client
	Subdir     platform.Func
	OutputRoot string
	// Checksum, when set, applies to the (single) downloaded archive.
	Checksum string
}

// Run processes variants sequentially in request order. Identifier
// resolution has already happened; all targets are located up front so that
// a bad variant name aborts before any store traffic.
func (o *Orchestrator) Run(ctx context.Context, id ident.Identifier, variants []string, debug, dryRun bool) (Result, error) {
	targets := make([]locate.Target, 0, len(variants))
	for _, name := range variants {
		target, err := o.Locator.Locate(id, name, debug)
		if err != nil {
			return Result{}, &ident.ResolutionError{Reason: "invalid variant request", Err: err}
		}
		targets = append(targets, target)
	}

	result := Result{DryRun: dryRun}
	for _, target := range targets {
		result.Outcomes = append(result.Outcomes, o.processTarget(ctx, target, dryRun))
	}
	return result, nil
}

func (o *Orchestrator) processTarget(ctx context.Context, target locate.Target, dryRun bool) Outcome {
	out := Outcome{Variant: target.Variant, URL: target.URL}

	dest, err := archive.ResolveDest(o.OutputRoot, target.OS, target.ABI, o.Subdir)
	if err != nil {
		out.Status = StatusExtractFailed
		out.Err = &archive.ExtractError{Archive: target.Filename, Err: err}
		return out
	}
	out.Dest = dest

	slog.Debug("checking", "variant", target.Variant, "url", target.URL)
	exists, err := o.Store.Exists(ctx, target.URL)
	if err != nil {
		slog.Warn("existence check failed", "variant", target.Variant, "error", err)
		out.Status = StatusProbeFailed
		out.Err = err
		return out
	}
	if !exists {
		out.Status = StatusNotFound
		return out
	}
	if dryRun {
		out.Status = StatusFound
		return out
	}

	if target.DownloadOnly {
		// The archive itself is the artifact; place it in the destination.
		if err := os.MkdirAll(dest, 0755); err != nil {
			out.Status = StatusDownloadFailed
			out.Err = &store.DownloadError{URL: target.URL, Err: err}
			return out
		}
		if _, err := o.fetch(ctx, target.URL, dest); err != nil {
			out.Status = StatusDownloadFailed
			out.Err = err
			return out
		}
		out.Status = StatusExtracted
		return out
	}

	tmpDir, err := os.MkdirTemp("", "fetch-litecore-*")
	if err != nil {
		out.Status = StatusDownloadFailed
		out.Err = &store.DownloadError{URL: target.URL, Err: err}
		return out
	}
	defer os.RemoveAll(tmpDir)

	archivePath, err := o.fetch(ctx, target.URL, tmpDir)
	if err != nil {
		out.Status = StatusDownloadFailed
		out.Err = err
		return out
	}

	if err := archive.Extract(archivePath, o.OutputRoot, target.OS, target.ABI, o.Subdir); err != nil {
		slog.Warn("extraction failed", "variant", target.Variant, "error", err)
		out.Status = StatusExtractFailed
		out.Err = err
		return out
	}

	out.Status = StatusExtracted
	return out
}

func (o *Orchestrator) fetch(ctx context.Context, url, destDir string) (string, error) {
	if o.Checksum != "" {
		return o.Store.FetchVerified(ctx, url, destDir, o.Checksum)
	}
	return o.Store.Fetch(ctx, url, destDir)
}
