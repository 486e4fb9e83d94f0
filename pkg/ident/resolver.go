package ident

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// BuildMarker is the commit-message token that pins the build a repository
// checkout should fetch artifacts for.
const BuildMarker = "Build-To-Use:"

// GitRunner executes git in dir and returns trimmed stdout.
type GitRunner func(ctx context.Context, dir string, args ...string) (string, error)

// Resolver turns command-line input into an Identifier. Repository state is
// read exactly once per call; the returned Identifier is stable for the rest
// of the run.
type Resolver struct {
	// RunGit defaults to invoking the git binary. Tests replace it.
	RunGit GitRunner
}

func NewResolver() *Resolver {
	return &Resolver{RunGit: runGit}
}

// ResolveRevision resolves revision-mode input. An explicit revision wins;
// otherwise the community repository's checked-out revision is read, paired
// with the enterprise repository's revision when that path is given too.
func (r *Resolver) ResolveRevision(ctx context.Context, manual, communityRepo, enterpriseRepo string) (Identifier, error) {
	if manual != "" {
		slog.Debug("using explicit revision", "revision", manual)
		return RevisionPair{Community: manual}, nil
	}
	if communityRepo == "" {
		return nil, &ResolutionError{Reason: "a revision or a community repository path is required"}
	}

	community, err := r.RunGit(ctx, communityRepo, "rev-parse", "HEAD")
	if err != nil {
		return nil, &ResolutionError{Reason: fmt.Sprintf("reading checked-out revision of %s", communityRepo), Err: err}
	}

	var enterprise string
	if enterpriseRepo != "" {
		enterprise, err = r.RunGit(ctx, enterpriseRepo, "rev-parse", "HEAD")
		if err != nil {
			return nil, &ResolutionError{Reason: fmt.Sprintf("reading checked-out revision of %s", enterpriseRepo), Err: err}
		}
	}

	slog.Debug("resolved revision pair", "community", community, "enterprise", enterprise)
	return RevisionPair{Community: community, Enterprise: enterprise}, nil
}

// ResolveBuild resolves build-mode input. An explicit build string wins;
// otherwise the repository's history is walked from the checkout and the
// value after the Build-To-Use: marker in the newest commit carrying it is
// used. The -EE suffix on either source forces the enterprise edition.
func (r *Resolver) ResolveBuild(ctx context.Context, manual, repo string, edition Edition) (Identifier, error) {
	if manual != "" {
		return ParseBuild(manual, edition)
	}
	if repo == "" {
		return nil, &ResolutionError{Reason: "a build string or a repository path is required"}
	}

	messages, err := r.RunGit(ctx, repo, "log", "--format=%B")
	if err != nil {
		return nil, &ResolutionError{Reason: fmt.Sprintf("reading commit history of %s", repo), Err: err}
	}
	for _, line := range strings.Split(messages, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), BuildMarker)
		if !ok {
			continue
		}
		value := strings.TrimSpace(rest)
		slog.Debug("found build marker", "value", value)
		return ParseBuild(value, edition)
	}
	return nil, &ResolutionError{Reason: fmt.Sprintf("no commit reachable from the checkout of %s contains %q", repo, BuildMarker)}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, detail)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
