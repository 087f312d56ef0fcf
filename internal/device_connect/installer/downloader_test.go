package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jar = []byte("PK\x03\x04 fake server jar")

type fakeGitHub struct {
	*httptest.Server
	sum       string
	downloads atomic.Int32
	failFirst bool
}

func newFakeGitHub(t *testing.T, sum string, failFirst bool) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{sum: sum, failFirst: failFirst}
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/Genymobile/scrcpy/releases/tags/v2.4", func(w http.ResponseWriter, r *http.Request) {
		release := map[string]any{
			"tag_name": "v2.4",
			"assets": []map[string]string{
				{"name": "scrcpy-win64-v2.4.zip", "browser_download_url": f.URL + "/win64.zip"},
				{"name": "scrcpy-server-v2.4", "browser_download_url": f.URL + "/server"},
			},
		}
		if f.sum != "" {
			release["assets"] = append(release["assets"].([]map[string]string),
				map[string]string{"name": "scrcpy-server-v2.4.sha256", "browser_download_url": f.URL + "/server.sha256"})
		}
		json.NewEncoder(w).Encode(release)
	})
	mux.HandleFunc("/server", func(w http.ResponseWriter, r *http.Request) {
		if f.downloads.Add(1) == 1 && f.failFirst {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(jar)
	})
	mux.HandleFunc("/server.sha256", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.sum + "  scrcpy-server-v2.4\n"))
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestDownloader(t *testing.T, gh *fakeGitHub) *Downloader {
	d := NewDownloader(t.TempDir())
	d.APIURL = gh.URL
	d.Client = gh.Client()
	return d
}

func jarSum() string {
	h := sha256.Sum256(jar)
	return hex.EncodeToString(h[:])
}

func TestDownloadServer(t *testing.T) {
	gh := newFakeGitHub(t, jarSum(), false)
	d := newTestDownloader(t, gh)

	path, err := d.DownloadServer(context.Background(), "2.4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(d.Dir, JarName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, jar, data)

	info, err := d.LoadVersionInfo()
	require.NoError(t, err)
	assert.Equal(t, "v2.4", info.TagName)
	assert.Equal(t, jarSum(), info.SHA256)
}

func TestDownloadServerChecksumMismatch(t *testing.T) {
	gh := newFakeGitHub(t, "deadbeef", false)
	d := newTestDownloader(t, gh)

	_, err := d.DownloadServer(context.Background(), "v2.4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.NoFileExists(t, d.JarPath())
}

func TestDownloadServerRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("retry waits a second")
	}
	gh := newFakeGitHub(t, "", true)
	d := newTestDownloader(t, gh)

	_, err := d.DownloadServer(context.Background(), "2.4")
	require.NoError(t, err)
	assert.Equal(t, int32(2), gh.downloads.Load())
}

func TestDownloadServerUnknownVersion(t *testing.T) {
	gh := newFakeGitHub(t, "", false)
	d := newTestDownloader(t, gh)

	_, err := d.DownloadServer(context.Background(), "9.9")
	assert.Error(t, err)
}

func TestEnsureServerUsesInstalledJar(t *testing.T) {
	gh := newFakeGitHub(t, "", false)
	d := newTestDownloader(t, gh)

	_, err := d.EnsureServer(context.Background(), "2.4")
	require.NoError(t, err)
	_, err = d.EnsureServer(context.Background(), "2.4")
	require.NoError(t, err)
	assert.Equal(t, int32(1), gh.downloads.Load())
}

func TestFindServerAsset(t *testing.T) {
	release := &GitHubRelease{TagName: "v2.4"}
	_, err := findServerAsset(release, "2.4")
	assert.Error(t, err)
}

func TestDetectAndroidHome(t *testing.T) {
	sdk := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sdk, "platform-tools"), 0755))
	t.Setenv("ANDROID_HOME", sdk)

	home, ok := DetectAndroidHome()
	assert.True(t, ok)
	assert.Equal(t, sdk, home)
}

func TestFindADBInSDK(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix adb name")
	}
	sdk := t.TempDir()
	adb := filepath.Join(sdk, "platform-tools", "adb")
	require.NoError(t, os.MkdirAll(filepath.Dir(adb), 0755))
	require.NoError(t, os.WriteFile(adb, []byte("#!/bin/sh\n"), 0755))
	t.Setenv("ANDROID_HOME", sdk)
	t.Setenv("PATH", t.TempDir())

	assert.Equal(t, adb, FindADB())
}
