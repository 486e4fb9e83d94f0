package fetcher

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/couchbaselabs/litecore-download-script/pkg/archive"
	"github.com/couchbaselabs/litecore-download-script/pkg/ident"
	"github.com/couchbaselabs/litecore-download-script/pkg/locate"
	"github.com/couchbaselabs/litecore-download-script/pkg/store"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// storeServer serves the named archives under any folder path, 404s the
// rest, like a latestbuilds folder with only some variants built.
func storeServer(t *testing.T, archives map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		body, ok := archives[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}))
}

func newOrchestrator(srvURL, outputRoot string) *Orchestrator {
	return &Orchestrator{
		Locator:    locate.New(srvURL),
		Store:      store.NewClient(0, nil),
		OutputRoot: outputRoot,
	}
}

func TestRunPartialFailureIsolation(t *testing.T) {
	t.Parallel()

	content := zipBytes(t, map[string]string{"lib/libLiteCore.so": "bits"})
	srv := storeServer(t, map[string][]byte{
		"couchbase-lite-core-android-arm64-v8a.zip": content,
		"couchbase-lite-core-windows-win64.zip":     content,
	})
	defer srv.Close()

	root := t.TempDir()
	o := newOrchestrator(srv.URL, root)
	id := ident.RevisionPair{Community: "abc1234"}
	variants := []string{"android-arm64-v8a", "macosx", "windows-win64"}

	result, err := o.Run(context.Background(), id, variants, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(result.Outcomes))
	}
	for i, want := range variants {
		if result.Outcomes[i].Variant != want {
			t.Errorf("outcome %d is %s, want %s (request order must be preserved)", i, result.Outcomes[i].Variant, want)
		}
	}
	if got := result.Outcomes[0].Status; got != StatusExtracted {
		t.Errorf("outcome 0 = %s", got)
	}
	if got := result.Outcomes[1].Status; got != StatusNotFound {
		t.Errorf("outcome 1 = %s", got)
	}
	if got := result.Outcomes[2].Status; got != StatusExtracted {
		t.Errorf("outcome 2 = %s (one missing variant must not block the rest)", got)
	}
	if result.Success() {
		t.Error("a NotFound in a real run must fail the batch")
	}

	if _, err := os.Stat(filepath.Join(root, "android", "arm64-v8a", "lib", "libLiteCore.so")); err != nil {
		t.Error(err)
	}
	if _, err := os.Stat(filepath.Join(root, "windows", "x86_64", "lib", "libLiteCore.so")); err != nil {
		t.Error(err)
	}
}

func TestRunDryRun(t *testing.T) {
	t.Parallel()

	content := zipBytes(t, map[string]string{"f": "x"})
	srv := storeServer(t, map[string][]byte{
		"couchbase-lite-core-macosx.zip": content,
	})
	defer srv.Close()

	root := t.TempDir()
	o := newOrchestrator(srv.URL, root)
	id := ident.RevisionPair{Community: "abc1234"}

	t.Run("nothing downloaded, present variant succeeds", func(t *testing.T) {
		result, err := o.Run(context.Background(), id, []string{"macosx"}, false, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Outcomes[0].Status != StatusFound {
			t.Errorf("status = %s", result.Outcomes[0].Status)
		}
		if !result.Success() {
			t.Error("dry run with all variants present must succeed")
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("dry run must not touch the output tree, found %v", entries)
		}
	})

	t.Run("missing variant fails the dry run", func(t *testing.T) {
		result, err := o.Run(context.Background(), id, []string{"macosx", "linux"}, false, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Outcomes[1].Status != StatusNotFound {
			t.Errorf("status = %s", result.Outcomes[1].Status)
		}
		if result.Success() {
			t.Error("a missing variant must fail the dry run")
		}
	})
}

func TestRunDryRunAndRealRunUseSameAddress(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var headURL, getURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		switch r.Method {
		case http.MethodHead:
			headURL = r.URL.Path
		case http.MethodGet:
			getURL = r.URL.Path
		}
		mu.Unlock()
		_, _ = w.Write(zipBytes(t, map[string]string{"f": "x"}))
	}))
	defer srv.Close()

	o := newOrchestrator(srv.URL, t.TempDir())
	id := ident.RevisionPair{Community: "abc1234"}

	if _, err := o.Run(context.Background(), id, []string{"macosx"}, true, true); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	dryPath := headURL
	mu.Unlock()
	if _, err := o.Run(context.Background(), id, []string{"macosx"}, true, false); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if headURL != dryPath {
		t.Errorf("probe address changed between modes: %q vs %q", dryPath, headURL)
	}
	if getURL != headURL {
		t.Errorf("download address %q differs from probe address %q", getURL, headURL)
	}
}

func TestRunUnknownVariantAbortsBeforeLoop(t *testing.T) {
	t.Parallel()

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	o := newOrchestrator(srv.URL, t.TempDir())
	id := ident.RevisionPair{Community: "abc1234"}

	_, err := o.Run(context.Background(), id, []string{"macosx", "hurd"}, false, false)
	var resErr *ident.ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if requests != 0 {
		t.Errorf("no store traffic expected before validation, saw %d requests", requests)
	}
}

func TestRunProbeFault(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := newOrchestrator(srv.URL, t.TempDir())
	result, err := o.Run(context.Background(), ident.RevisionPair{Community: "abc1234"}, []string{"macosx"}, false, false)
	if err != nil {
		t.Fatalf("a per-variant fault must be recorded, not returned: %v", err)
	}
	out := result.Outcomes[0]
	if out.Status != StatusProbeFailed {
		t.Errorf("status = %s", out.Status)
	}
	var terr *store.TransportError
	if !errors.As(out.Err, &terr) {
		t.Errorf("expected TransportError in outcome, got %v", out.Err)
	}
	if result.Success() {
		t.Error("probe fault must fail the run")
	}
}

func TestRunCorruptArchive(t *testing.T) {
	t.Parallel()

	srv := storeServer(t, map[string][]byte{
		"couchbase-lite-core-macosx.zip": []byte("not a zip"),
	})
	defer srv.Close()

	o := newOrchestrator(srv.URL, t.TempDir())
	result, err := o.Run(context.Background(), ident.RevisionPair{Community: "abc1234"}, []string{"macosx"}, false, false)
	if err != nil {
		t.Fatal(err)
	}
	out := result.Outcomes[0]
	if out.Status != StatusExtractFailed {
		t.Errorf("status = %s", out.Status)
	}
	var xerr *archive.ExtractError
	if !errors.As(out.Err, &xerr) {
		t.Errorf("expected ExtractError in outcome, got %v", out.Err)
	}
}

func TestRunDownloadOnlyVariant(t *testing.T) {
	t.Parallel()

	content := zipBytes(t, map[string]string{"f": "x"})
	srv := storeServer(t, map[string][]byte{
		"couchbase-lite-core-ios.zip": content,
	})
	defer srv.Close()

	root := t.TempDir()
	o := newOrchestrator(srv.URL, root)
	result, err := o.Run(context.Background(), ident.RevisionPair{Community: "abc1234"}, []string{"ios/net"}, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcomes[0].Status != StatusExtracted {
		t.Fatalf("status = %s", result.Outcomes[0].Status)
	}

	// The zip is kept packed in the destination, nothing unpacked.
	archivePath := filepath.Join(root, "ios", "couchbase-lite-core-ios.zip")
	if _, err := os.Stat(archivePath); err != nil {
		t.Error(err)
	}
	if _, err := os.Stat(filepath.Join(root, "ios", "f")); !os.IsNotExist(err) {
		t.Error("download-only archive must not be extracted")
	}
}

func TestRunIdempotent(t *testing.T) {
	t.Parallel()

	content := zipBytes(t, map[string]string{"lib/core.dll": "bits"})
	srv := storeServer(t, map[string][]byte{
		"couchbase-lite-core-windows-win64.zip": content,
	})
	defer srv.Close()

	root := t.TempDir()
	o := newOrchestrator(srv.URL, root)
	id := ident.RevisionPair{Community: "abc1234"}

	first, err := o.Run(context.Background(), id, []string{"windows-win64"}, false, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Run(context.Background(), id, []string{"windows-win64"}, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcomes[0].Status != second.Outcomes[0].Status || !second.Success() {
		t.Errorf("rerun diverged: first %s, second %s", first.Outcomes[0].Status, second.Outcomes[0].Status)
	}
	got, err := os.ReadFile(filepath.Join(root, "windows", "x86_64", "lib", "core.dll"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "bits" {
		t.Errorf("content corrupted on rerun: %q", got)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	for s, want := range map[Status]string{
		StatusExtracted:      "extracted",
		StatusFound:          "found",
		StatusNotFound:       "not found",
		StatusProbeFailed:    "probe failed",
		StatusDownloadFailed: "download failed",
		StatusExtractFailed:  "extract failed",
	} {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}
	if !strings.Contains(Status(42).String(), "unknown") {
		t.Error("out-of-range status must stringify as unknown")
	}
}
