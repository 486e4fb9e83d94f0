// Package store talks to the artifact store: existence probes and archive
// downloads. Downloads land in a temporary file first and are renamed into
// place only once the body has been fully read.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	libfetchurl "github.com/lucasew/fetchurl"
	"github.com/schollz/progressbar/v3"
)

// DefaultTimeout bounds a single store request. Archives run into the
// hundreds of megabytes, so it is generous.
const DefaultTimeout = 5 * time.Minute

// TransportError is a network-layer fault while probing the store. A plain
// "not found" from the store is not a TransportError.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("store unreachable for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DownloadError is a failed transfer for an artifact whose existence was
// already confirmed.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download of %s failed: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

type Client struct {
	http        *http.Client
	progressOut io.Writer // nil disables progress output
}

// NewClient returns a store client. A zero timeout means DefaultTimeout;
// progressOut receives the download progress bar and may be nil (quiet mode).
func NewClient(timeout time.Duration, progressOut io.Writer) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:        &http.Client{Timeout: timeout},
		progressOut: progressOut,
	}
}

// Exists probes url without transferring the payload. A 404 means the
// variant has not been built yet and reports false without error; any other
// non-success status, like a genuine network fault, is a TransportError.
func (c *Client) Exists(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, &TransportError{URL: url, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, &TransportError{URL: url, Err: fmt.Errorf("unexpected status: %s", resp.Status)}
	}
}

// Fetch downloads url into destDir and returns the final file path. The
// transfer streams through a temporary file in destDir; a short read, a
// non-success status, or a failed rename all surface as DownloadError and
// leave nothing at the final path.
func (c *Client) Fetch(ctx context.Context, url, destDir string) (string, error) {
	finalPath := filepath.Join(destDir, filepath.Base(url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &DownloadError{URL: url, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &DownloadError{URL: url, Err: fmt.Errorf("unexpected status: %s", resp.Status)}
	}

	tmp, err := os.CreateTemp(destDir, filepath.Base(url)+".partial-*")
	if err != nil {
		return "", &DownloadError{URL: url, Err: err}
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(c.destWriter(tmp, resp.ContentLength, filepath.Base(url)), resp.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && resp.ContentLength >= 0 && written != resp.ContentLength {
		err = fmt.Errorf("truncated transfer: got %d of %d bytes", written, resp.ContentLength)
	}
	if err == nil {
		err = os.Rename(tmpPath, finalPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", &DownloadError{URL: url, Err: err}
	}

	slog.Debug("downloaded", "url", url, "path", finalPath, "bytes", written)
	return finalPath, nil
}

// FetchVerified is Fetch with a required sha256 digest, routed through
// fetchurl so a digest mismatch fails the transfer.
func (c *Client) FetchVerified(ctx context.Context, url, destDir, sha256hex string) (string, error) {
	finalPath := filepath.Join(destDir, filepath.Base(url))

	tmp, err := os.CreateTemp(destDir, filepath.Base(url)+".partial-*")
	if err != nil {
		return "", &DownloadError{URL: url, Err: err}
	}
	tmpPath := tmp.Name()

	fetcher := libfetchurl.NewFetcher(c.http)
	err = fetcher.Fetch(ctx, libfetchurl.FetchOptions{
		URLs: []string{url},
		Algo: "sha256",
		Hash: sha256hex,
		Out:  tmp,
	})
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, finalPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", &DownloadError{URL: url, Err: err}
	}

	slog.Debug("downloaded with verified digest", "url", url, "path", finalPath)
	return finalPath, nil
}

func (c *Client) destWriter(f *os.File, size int64, description string) io.Writer {
	if c.progressOut == nil {
		return f
	}
	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(c.progressOut),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetDescription(description),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return io.MultiWriter(f, bar)
}
