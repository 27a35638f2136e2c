// Package source downloads and unpacks the kernel source tree the
// experiment builds.
package source

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// Archive formats.
const (
	TarGz = "tar.gz"
	TarXz = "tar.xz"
)

// URL returns the mirror location of a release archive, e.g.
// https://cdn.kernel.org/pub/linux/kernel/v5.x/linux-5.13.tar.xz
func URL(mirror, version, archive string) (string, error) {
	major, _, _ := strings.Cut(version, ".")
	if major == "" || strings.Trim(major, "0123456789") != "" {
		return "", fmt.Errorf("invalid version %q", version)
	}
	switch archive {
	case TarGz, TarXz:
	default:
		return "", fmt.Errorf("unsupported archive format %q", archive)
	}
	return fmt.Sprintf("%s/v%s.x/linux-%s.%s", strings.TrimRight(mirror, "/"), major, version, archive), nil
}

// Download fetches url into dir and returns the local path. An archive that
// is already present is not downloaded again.
func Download(ctx context.Context, client *http.Client, url, dir string) (string, error) {
	dest := filepath.Join(dir, path.Base(url))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, ".buildlineage-download-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// Extract unpacks a .tar.gz or .tar.xz archive into dir and returns the
// path of the archive's top-level directory.
func Extract(archive, dir string) (string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var r io.Reader
	switch {
	case strings.HasSuffix(archive, "."+TarGz), strings.HasSuffix(archive, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("failed to read gzip stream: %w", err)
		}
		defer func() {
			_ = gz.Close()
		}()
		r = gz
	case strings.HasSuffix(archive, "."+TarXz):
		xr, err := xz.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("failed to read xz stream: %w", err)
		}
		r = xr
	default:
		return "", fmt.Errorf("unsupported archive %s", filepath.Base(archive))
	}

	return untar(r, dir)
}

func untar(r io.Reader, dir string) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	top := ""
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read archive: %w", err)
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if hdr.Typeflag == tar.TypeXGlobalHeader || name == "." {
			continue
		}
		target := filepath.Join(root, name)
		if !within(root, target) {
			return "", fmt.Errorf("archive entry %q escapes %s", hdr.Name, root)
		}
		if top == "" {
			top = strings.SplitN(filepath.ToSlash(name), "/", 2)[0]
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return "", err
			}
		case tar.TypeSymlink:
			link := hdr.Linkname
			if filepath.IsAbs(link) || !within(root, filepath.Join(filepath.Dir(target), link)) {
				return "", fmt.Errorf("archive symlink %q points outside %s", hdr.Name, root)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", err
			}
			_ = os.Remove(target)
			if err := os.Symlink(link, target); err != nil {
				return "", err
			}
		default:
			// hard links and devices do not occur in source releases
		}
	}

	if top == "" {
		return "", fmt.Errorf("archive is empty")
	}
	return filepath.Join(root, top), nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
