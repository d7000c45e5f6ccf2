// Package updater installs new releases of the automation tools that scripts drive.
package updater

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
)

const (
	checkTimeout    = 10 * time.Second
	downloadTimeout = 5 * time.Minute
)

// Release is the manifest a script's update URL serves
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Updater downloads and unpacks tool releases
type Updater struct {
	client *http.Client
}

// New creates an updater
func New() *Updater {
	return &Updater{client: &http.Client{Timeout: downloadTimeout}}
}

// CheckLatest fetches the release manifest
func (u *Updater) CheckLatest(ctx context.Context, manifestURL string) (Release, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return Release{}, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return Release{}, fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("update manifest returned status %d", resp.StatusCode)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return Release{}, fmt.Errorf("failed to parse release info: %w", err)
	}
	if rel.Version == "" || rel.URL == "" {
		return Release{}, fmt.Errorf("update manifest missing version or url")
	}
	return rel, nil
}

// Apply installs the manifest's release into root when it is newer than
// current. It returns the installed version, or "" when nothing changed.
func (u *Updater) Apply(ctx context.Context, manifestURL, current, root string) (string, error) {
	rel, err := u.CheckLatest(ctx, manifestURL)
	if err != nil {
		return "", err
	}
	if !NeedsUpdate(current, rel.Version) {
		log.Debug("tool already up to date", "current", current, "latest", rel.Version)
		return "", nil
	}

	tmpDir, err := os.MkdirTemp("", "automas-update-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	name, err := archiveName(rel.URL)
	if err != nil {
		return "", err
	}
	archivePath := filepath.Join(tmpDir, name)
	if err := u.downloadFile(ctx, rel.URL, archivePath); err != nil {
		return "", fmt.Errorf("failed to download update: %w", err)
	}

	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		err = extractZip(archivePath, root)
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		err = extractTarGz(archivePath, root)
	default:
		err = fmt.Errorf("unsupported archive %s", filepath.Base(archivePath))
	}
	if err != nil {
		return "", fmt.Errorf("failed to extract update: %w", err)
	}

	log.Info("tool updated", "root", root, "from", current, "to", rel.Version)
	return rel.Version, nil
}

// archiveName is the file name of a release URL, ignoring any query string.
func archiveName(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid release url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("release url %s has no file name", raw)
	}
	return name, nil
}

// NeedsUpdate compares version strings and returns true if latest is newer
// Versions are expected in format "vX.Y.Z" or "X.Y.Z"
func NeedsUpdate(current, latest string) bool {
	current = strings.TrimPrefix(current, "v")
	latest = strings.TrimPrefix(latest, "v")

	// An unknown installed version always takes the release
	if current == "" || current == "dev" {
		return latest != "" && latest != "dev"
	}

	currentParts := parseVersion(current)
	latestParts := parseVersion(latest)

	for i := 0; i < 3; i++ {
		if latestParts[i] > currentParts[i] {
			return true
		}
		if latestParts[i] < currentParts[i] {
			return false
		}
	}

	return false // Equal versions
}

// parseVersion extracts major, minor, patch from a version string
func parseVersion(v string) [3]int {
	var parts [3]int
	fmt.Sscanf(v, "%d.%d.%d", &parts[0], &parts[1], &parts[2])
	return parts
}

// downloadFile downloads a URL to a local file
func (u *Updater) downloadFile(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}

// safeJoin resolves name under root and rejects entries escaping it
func safeJoin(root, name string) (string, error) {
	dest := filepath.Join(root, name)
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return dest, nil
}

// extractTarGz unpacks every regular file and directory of a tar.gz into destDir
func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
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
			return nil
		}
		if err != nil {
			return err
		}

		dest, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(dest, tr, os.FileMode(header.Mode)&0777); err != nil {
				return err
			}
		}
	}
}

// extractZip unpacks a zip archive into destDir
func extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, zf := range zr.File {
		dest, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeFile(dest, rc, zf.Mode()&0777)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// writeFile copies r into path, creating parent directories
func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, r)
	return err
}
