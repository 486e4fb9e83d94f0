// Package locate turns an identifier, a variant, and the debug flag into the
// remote artifact address and local archive name. It performs no I/O: the
// same inputs always produce the same address, so dry runs, real runs, and
// tests all agree on what would be fetched.
package locate

import (
	"fmt"

	"github.com/couchbaselabs/litecore-download-script/pkg/ident"
	"github.com/couchbaselabs/litecore-download-script/pkg/variant"
)

// DefaultBaseURL is the latestbuilds folder holding LiteCore artifacts.
const DefaultBaseURL = "https://latestbuilds.service.couchbase.com/builds/latestbuilds/couchbase-lite-core"

// Target is one fetchable artifact.
type Target struct {
	Variant  string
	OS       string
	ABI      string
	URL      string
	Filename string

	// DownloadOnly marks variants whose archive is consumed as-is and must
	// not be unpacked (ios/net: the .NET build reads the zip directly).
	DownloadOnly bool
}

type Locator struct {
	baseURL string
}

// New returns a Locator rooted at baseURL; empty means DefaultBaseURL.
func New(baseURL string) *Locator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Locator{baseURL: baseURL}
}

// Locate builds the target for one variant. It fails on unknown variant
// names and on revisions too short to address a store directory; both are
// input validation, not store state.
func (l *Locator) Locate(id ident.Identifier, name string, debug bool) (Target, error) {
	pair, err := variant.Lookup(name)
	if err != nil {
		return Target{}, err
	}

	filename, err := filenameFor(id, name, debug)
	if err != nil {
		return Target{}, err
	}
	folder, err := l.folderFor(id)
	if err != nil {
		return Target{}, err
	}

	return Target{
		Variant:      name,
		OS:           pair.OS,
		ABI:          pair.ABI,
		URL:          folder + "/" + filename,
		Filename:     filename,
		DownloadOnly: name == "ios/net",
	}, nil
}

// filenameFor mirrors the store's archive naming: platform name plus an
// optional debug marker, with the edition/version/build prefix for versioned
// builds. Linux-family artifacts are tarballs, everything else is zipped.
func filenameFor(id ident.Identifier, name string, debug bool) (string, error) {
	platform := name
	if platform == "ios/net" {
		platform = "ios"
	}

	ext := "zip"
	if platform == "linux" || platform == "centos6" {
		ext = "tar.gz"
	}
	debugStr := ""
	if debug {
		debugStr = "-debug"
	}

	switch id := id.(type) {
	case ident.RevisionPair:
		return fmt.Sprintf("couchbase-lite-core-%s%s.%s", platform, debugStr, ext), nil
	case ident.BuildVersion:
		return fmt.Sprintf("couchbase-lite-core-%s-%s-%d-%s%s.%s",
			id.Edition, id.Version, id.Build, platform, debugStr, ext), nil
	default:
		return "", fmt.Errorf("unsupported identifier type %T", id)
	}
}

func (l *Locator) folderFor(id ident.Identifier) (string, error) {
	switch id := id.(type) {
	case ident.RevisionPair:
		if len(id.Community) < 2 {
			return "", fmt.Errorf("revision %q is too short to address a store folder", id.Community)
		}
		return fmt.Sprintf("%s/sha/%s/%s", l.baseURL, id.Community[:2], id.String()), nil
	case ident.BuildVersion:
		return fmt.Sprintf("%s/%s/%d", l.baseURL, id.Version, id.Build), nil
	default:
		return "", fmt.Errorf("unsupported identifier type %T", id)
	}
}
