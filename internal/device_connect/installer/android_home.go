package installer

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// FindADB returns the adb executable: the one in PATH, else platform-tools/adb
// under the detected Android SDK. Empty if neither exists.
func FindADB() string {
	if p, err := exec.LookPath("adb"); err == nil {
		return p
	}
	home, ok := DetectAndroidHome()
	if !ok {
		return ""
	}
	name := "adb"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	p := filepath.Join(home, "platform-tools", name)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// DetectAndroidHome returns the Android SDK root. ANDROID_HOME and
// ANDROID_SDK_ROOT win over the per-platform default locations.
func DetectAndroidHome() (string, bool) {
	for _, key := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		if path := os.Getenv(key); path != "" {
			path = filepath.Clean(path)
			if isAndroidSDKRoot(path) {
				return path, true
			}
		}
	}

	for _, p := range sdkCandidates() {
		if isAndroidSDKRoot(p) {
			return p, true
		}
	}
	return "", false
}

func sdkCandidates() []string {
	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "darwin":
		return []string{
			filepath.Join(home, "Library", "Android", "sdk"),
			"/usr/local/opt/android-sdk",
			"/opt/homebrew/opt/android-sdk",
		}
	case "windows":
		var candidates []string
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			candidates = append(candidates, filepath.Join(localAppData, "Android", "Sdk"))
		}
		return append(candidates, `C:\Android\Sdk`)
	case "linux":
		return []string{
			filepath.Join(home, "Android", "Sdk"),
			filepath.Join(home, "android-sdk"),
			"/usr/lib/android-sdk",
		}
	}
	return []string{
		filepath.Join(home, "Android", "Sdk"),
		filepath.Join(home, "android-sdk"),
	}
}

// isAndroidSDKRoot reports whether dir holds platform-tools or platforms.
func isAndroidSDKRoot(dir string) bool {
	if dir == "" {
		return false
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return false
	}
	for _, sub := range []string{"platform-tools", "platforms"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err == nil {
			return true
		}
	}
	return false
}
