// Package archive unpacks downloaded artifact archives into the output tree.
// The destination subdirectory comes from the pluggable platform resolver;
// everything the resolver returns is containment-checked before a single
// byte is written.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/couchbaselabs/litecore-download-script/pkg/platform"
)

// ExtractError is a corrupt archive, an unsafe destination, or a filesystem
// fault during unpack. Fatal for the affected variant only.
type ExtractError struct {
	Archive string
	Err     error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("failed to extract %s: %v", filepath.Base(e.Archive), e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// ResolveDest runs the platform resolver for (osName, abi) and anchors the
// result under outputRoot. Absolute paths and parent traversal are rejected.
func ResolveDest(outputRoot, osName, abi string, subdir platform.Func) (string, error) {
	if subdir == nil {
		subdir = platform.Default
	}
	rel, err := subdir(osName, abi)
	if err != nil {
		return "", fmt.Errorf("platform resolver failed for (%s, %s): %w", osName, abi, err)
	}
	if rel == "" {
		return outputRoot, nil
	}
	if err := checkRelative(rel); err != nil {
		return "", fmt.Errorf("platform resolver returned %q for (%s, %s): %w", rel, osName, abi, err)
	}
	dest, err := securejoin.SecureJoin(outputRoot, rel)
	if err != nil {
		return "", err
	}
	return dest, nil
}

// Extract unpacks archivePath into the variant subdirectory under outputRoot
// and removes the archive afterwards, on success and on failure alike.
func Extract(archivePath, outputRoot, osName, abi string, subdir platform.Func) error {
	defer os.Remove(archivePath)

	dest, err := ResolveDest(outputRoot, osName, abi, subdir)
	if err != nil {
		return &ExtractError{Archive: archivePath, Err: err}
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return &ExtractError{Archive: archivePath, Err: err}
	}

	slog.Debug("extracting", "archive", archivePath, "dest", dest)
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		err = unzip(archivePath, dest)
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		err = untargz(archivePath, dest)
	default:
		err = fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
	}
	if err != nil {
		return &ExtractError{Archive: archivePath, Err: err}
	}
	return nil
}

// checkRelative rejects resolver output that could escape the output root.
// SecureJoin would clamp these anyway, but a resolver that produces them is
// misconfigured and the run should say so.
func checkRelative(rel string) error {
	if filepath.IsAbs(rel) {
		return fmt.Errorf("absolute path is not allowed")
	}
	if strings.Contains(rel, ":") {
		return fmt.Errorf("path contains ':', which is not allowed")
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return fmt.Errorf("path contains '..', which is not allowed")
		}
	}
	return nil
}

func safePath(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path: %s", name)
	}
	return target, nil
}

func unzip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		fpath, err := safePath(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
			return err
		}

		// The store's zips carry symlinks (dylib version links); recreate
		// them instead of materializing the link target's name as a file.
		if f.Mode()&os.ModeSymlink != 0 {
			rc, err := f.Open()
			if err != nil {
				return err
			}
			linkTarget, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return err
			}
			_ = os.Remove(fpath)
			if err := os.Symlink(string(linkTarget), fpath); err != nil {
				return err
			}
			continue
		}

		if err := writeZipEntry(f, fpath); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, fpath string) error {
	outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		outFile.Close()
		return err
	}
	_, err = io.Copy(outFile, rc)
	rc.Close()
	if closeErr := outFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	// Restore permissions (especially execute bit)
	if f.Mode()&0111 != 0 {
		return os.Chmod(fpath, f.Mode())
	}
	return nil
}

func untargz(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target, err := safePath(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			_, err = io.Copy(out, tr)
			if closeErr := out.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			if header.Mode&0111 != 0 {
				if err := os.Chmod(target, os.FileMode(header.Mode)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
