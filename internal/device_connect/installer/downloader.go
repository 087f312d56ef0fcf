package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/mirror/internal/util"
	"github.com/babelcloud/gbox/packages/mirror/internal/version"
)

const (
	serverRepo   = "Genymobile/scrcpy"
	githubAPIURL = "https://api.github.com"

	// JarName is the file name of the installed server jar.
	JarName = "scrcpy-server.jar"
)

// GitHubRelease represents a GitHub release
type GitHubRelease struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name        string `json:"name"`
		DownloadURL string `json:"browser_download_url"`
		URL         string `json:"url"`
	} `json:"assets"`
}

// VersionInfo records which server release is installed.
type VersionInfo struct {
	TagName    string `json:"tag_name"`
	SHA256     string `json:"sha256"`
	Downloaded string `json:"downloaded"`
}

// Downloader installs the device server jar from GitHub releases into Dir.
type Downloader struct {
	Dir     string
	APIURL  string
	Repo    string
	Client  *http.Client
	Retries int
}

// NewDownloader returns a downloader installing into dir.
func NewDownloader(dir string) *Downloader {
	return &Downloader{
		Dir:     dir,
		APIURL:  githubAPIURL,
		Repo:    serverRepo,
		Client:  &http.Client{Timeout: 30 * time.Second},
		Retries: 3,
	}
}

// JarPath is where the jar is installed.
func (d *Downloader) JarPath() string {
	return filepath.Join(d.Dir, JarName)
}

func (d *Downloader) versionCachePath() string {
	return filepath.Join(d.Dir, "version.json")
}

// LoadVersionInfo reads the record of the installed release.
func (d *Downloader) LoadVersionInfo() (*VersionInfo, error) {
	data, err := os.ReadFile(d.versionCachePath())
	if err != nil {
		return nil, err
	}
	var info VersionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (d *Downloader) saveVersionInfo(info *VersionInfo) error {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.versionCachePath(), data, 0644)
}

// EnsureServer returns the installed jar when it matches version and
// downloads it otherwise.
func (d *Downloader) EnsureServer(ctx context.Context, serverVersion string) (string, error) {
	if _, err := os.Stat(d.JarPath()); err == nil {
		if info, err := d.LoadVersionInfo(); err == nil && info.TagName == tagFor(serverVersion) {
			return d.JarPath(), nil
		}
	}
	return d.DownloadServer(ctx, serverVersion)
}

// DownloadServer fetches the server for version, verifies its checksum when
// the release publishes one and installs it as JarPath.
func (d *Downloader) DownloadServer(ctx context.Context, serverVersion string) (string, error) {
	release, err := d.getReleaseByTag(ctx, tagFor(serverVersion))
	if err != nil {
		return "", errors.Wrapf(err, "failed to find server release %s", serverVersion)
	}
	assetURL, err := findServerAsset(release, serverVersion)
	if err != nil {
		return "", err
	}

	var want string
	if sumURL, err := findSHA256File(release, serverAssetName(serverVersion)); err == nil {
		if want, err = d.downloadSHA256File(ctx, sumURL); err != nil {
			return "", errors.Wrapf(err, "failed to fetch checksum")
		}
	}

	var sum string
	var lastErr error
	for i := 0; i < d.Retries; i++ {
		sum, lastErr = d.downloadFile(ctx, assetURL, d.JarPath())
		if lastErr == nil {
			break
		}
		if i < d.Retries-1 {
			util.GetLogger().Warn("Server download failed, retrying", "attempt", i+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(i+1) * time.Second):
			}
		}
	}
	if lastErr != nil {
		return "", errors.Wrapf(lastErr, "failed to download server after %d attempts", d.Retries)
	}

	if want != "" && !strings.EqualFold(want, sum) {
		os.Remove(d.JarPath())
		return "", errors.Errorf("server checksum mismatch: want %s, got %s", want, sum)
	}

	if err := d.saveVersionInfo(&VersionInfo{
		TagName:    release.TagName,
		SHA256:     sum,
		Downloaded: time.Now().Format(time.RFC3339),
	}); err != nil {
		util.GetLogger().Warn("Failed to save server version info", "error", err)
	}
	util.GetLogger().Info("Server installed", "version", release.TagName, "path", d.JarPath())
	return d.JarPath(), nil
}

func tagFor(serverVersion string) string {
	return "v" + strings.TrimPrefix(serverVersion, "v")
}

func serverAssetName(serverVersion string) string {
	return "scrcpy-server-" + tagFor(serverVersion)
}

// findServerAsset finds the server asset of a release
func findServerAsset(release *GitHubRelease, serverVersion string) (string, error) {
	name := serverAssetName(serverVersion)
	for _, asset := range release.Assets {
		if asset.Name != name {
			continue
		}
		if asset.DownloadURL != "" {
			return asset.DownloadURL, nil
		}
		if asset.URL != "" {
			return asset.URL, nil
		}
	}
	return "", errors.Errorf("release %s has no asset %s", release.TagName, name)
}

// findSHA256File finds the SHA256 file for a given asset
func findSHA256File(release *GitHubRelease, assetName string) (string, error) {
	sha256FileName := assetName + ".sha256"
	for _, asset := range release.Assets {
		if asset.Name == sha256FileName {
			if asset.DownloadURL != "" {
				return asset.DownloadURL, nil
			}
			if asset.URL != "" {
				return asset.URL, nil
			}
		}
	}
	return "", fmt.Errorf("SHA256 file not found for asset: %s", assetName)
}

func (d *Downloader) get(ctx context.Context, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s returned status: %d", url, resp.StatusCode)
	}
	return resp, nil
}

// getReleaseByTag fetches a specific release by tag from GitHub
func (d *Downloader) getReleaseByTag(ctx context.Context, tag string) (*GitHubRelease, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/tags/%s", d.APIURL, d.Repo, tag)
	resp, err := d.get(ctx, url, "application/vnd.github.v3+json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, err
	}
	return &release, nil
}

// downloadSHA256File returns the hash from a "hash  filename" file
func (d *Downloader) downloadSHA256File(ctx context.Context, url string) (string, error) {
	resp, err := d.get(ctx, url, "text/plain")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read SHA256 file: %v", err)
	}
	parts := strings.Fields(string(data))
	if len(parts) < 1 {
		return "", fmt.Errorf("invalid SHA256 file format: %q", data)
	}
	return parts[0], nil
}

// downloadFile writes url to path through a temp file in the same directory
// and returns the hex sha256 of the content.
func (d *Downloader) downloadFile(ctx context.Context, url, path string) (string, error) {
	resp, err := d.get(ctx, url, "application/octet-stream")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("read error: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
