// Package ident resolves the user's partially specified input (an explicit
// revision or build string, or a checked-out repository) into the canonical
// identifier that addresses one build's artifacts on the store.
package ident

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Edition is the build flavor.
type Edition string

const (
	EditionCommunity  Edition = "community"
	EditionEnterprise Edition = "enterprise"
)

// Identifier is the canonical value addressing a specific build. It is one of
// RevisionPair or BuildVersion, resolved once per run and read-only after.
type Identifier interface {
	fmt.Stringer
	isIdentifier()
}

// RevisionPair addresses a build by source revision: the community LiteCore
// revision, optionally paired with the enterprise overlay revision.
type RevisionPair struct {
	Community  string
	Enterprise string
}

func (RevisionPair) isIdentifier() {}

func (r RevisionPair) String() string {
	if r.Enterprise == "" {
		return r.Community
	}
	return r.Community + "_" + r.Enterprise
}

// BuildVersion addresses a build by released version number.
type BuildVersion struct {
	Version *semver.Version
	Build   int
	Edition Edition
}

func (BuildVersion) isIdentifier() {}

func (b BuildVersion) String() string {
	s := fmt.Sprintf("%s-%d", b.Version, b.Build)
	if b.Edition == EditionEnterprise {
		s += "-EE"
	}
	return s
}

// ResolutionError reports bad or missing identifier inputs. It is fatal for
// the whole run: no variant can be addressed without a valid identifier.
type ResolutionError struct {
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot resolve build identifier: %s: %v", e.Reason, e.Err)
	}
	return "cannot resolve build identifier: " + e.Reason
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ParseBuild parses a manual build string of the form <major>.<minor>.<patch>-<build>,
// optionally suffixed with -EE. The suffix forces the enterprise edition;
// without it the supplied edition applies.
func ParseBuild(s string, edition Edition) (BuildVersion, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) < 2 || len(parts) > 3 {
		return BuildVersion{}, &ResolutionError{Reason: fmt.Sprintf("malformed build %q (expected <version>-<build> or <version>-<build>-EE)", s)}
	}
	if len(parts) == 3 {
		if parts[2] != "EE" {
			return BuildVersion{}, &ResolutionError{Reason: fmt.Sprintf("malformed build %q: unknown suffix %q", s, parts[2])}
		}
		edition = EditionEnterprise
	}
	if edition == "" {
		edition = EditionCommunity
	}

	version, err := semver.StrictNewVersion(parts[0])
	if err != nil {
		return BuildVersion{}, &ResolutionError{Reason: fmt.Sprintf("invalid version %q", parts[0]), Err: err}
	}
	number, err := strconv.Atoi(parts[1])
	if err != nil || number < 0 {
		return BuildVersion{}, &ResolutionError{Reason: fmt.Sprintf("invalid build number %q", parts[1])}
	}

	return BuildVersion{Version: version, Build: number, Edition: edition}, nil
}
