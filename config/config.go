package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	var err error
	if v, err = load(); err != nil {
		panic(fmt.Sprintf("Fatal error reading config file: %s", err))
	}
}

func load() (*viper.Viper, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("server.version", "2.4")
	v.SetDefault("server.jar", "")
	v.SetDefault("server.remote_path", "/data/local/tmp/scrcpy-server.jar")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("adb.path", "")
	v.SetDefault("adb.port", 5037)

	v.SetDefault("tunnel.port", 27183)
	v.SetDefault("connect.timeout", time.Second)
	v.SetDefault("connect.attempts", 50)
	v.SetDefault("connect.interval", 100*time.Millisecond)
	v.SetDefault("connect.handshake_timeout", 5*time.Second)

	v.SetDefault("video.codec", "h264")
	v.SetDefault("video.buffer_size", 0x10000)
	v.SetDefault("video.max_size", 0)
	v.SetDefault("audio.codec", "opus")
	v.SetDefault("audio.output", "")
	v.SetDefault("control.queue_size", 1024)
	v.SetDefault("control.dedup", "all")

	v.SetDefault("api.addr", "127.0.0.1:29888")

	// Environment variables: MIRROR_TUNNEL_PORT, MIRROR_VIDEO_CODEC, ...
	v.SetEnvPrefix("MIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("adb.path", "MIRROR_ADB_PATH", "ADB")
	v.BindEnv("adb.port", "MIRROR_ADB_PORT", "ANDROID_ADB_SERVER_PORT")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.mirror",
		"/etc/mirror",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found; use defaults
	}
	return v, nil
}

// Reload re-reads defaults, environment and config file.
func Reload() error {
	nv, err := load()
	if err != nil {
		return err
	}
	v = nv
	return nil
}

// Set overrides a key for the rest of the process, e.g. from a command flag.
func Set(key string, value any) {
	v.Set(key, value)
}

// ServerVersion is the version string the server jar was built as.
func ServerVersion() string {
	return v.GetString("server.version")
}

// DataDir is where downloaded artifacts live: <xdg data>/mirror.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "mirror")
}

// ServerJar returns the local server jar to push. Without an explicit path it
// falls back to <xdg data>/mirror/scrcpy-server.jar when that file exists.
func ServerJar() string {
	if jar := v.GetString("server.jar"); jar != "" {
		return jar
	}
	jar := filepath.Join(DataDir(), "scrcpy-server.jar")
	if _, err := os.Stat(jar); err == nil {
		return jar
	}
	return ""
}

func ServerRemotePath() string {
	return v.GetString("server.remote_path")
}

func ServerLogLevel() string {
	return v.GetString("server.log_level")
}

// ADBPath returns the adb executable; empty means look it up in PATH.
func ADBPath() string {
	return v.GetString("adb.path")
}

func ADBPort() int {
	return v.GetInt("adb.port")
}

// TunnelPort is the local port forwarded to the device server.
func TunnelPort() int {
	return v.GetInt("tunnel.port")
}

func ConnectTimeout() time.Duration {
	return v.GetDuration("connect.timeout")
}

func ConnectAttempts() int {
	return v.GetInt("connect.attempts")
}

func ConnectInterval() time.Duration {
	return v.GetDuration("connect.interval")
}

// HandshakeTimeout bounds the wait for the stream headers after the sockets
// are open.
func HandshakeTimeout() time.Duration {
	return v.GetDuration("connect.handshake_timeout")
}

func VideoCodec() string {
	return v.GetString("video.codec")
}

func VideoBufferSize() int {
	return v.GetInt("video.buffer_size")
}

func VideoMaxSize() int {
	return v.GetInt("video.max_size")
}

func AudioCodec() string {
	return v.GetString("audio.codec")
}

// AudioOutput is the audio sink: a file path, or "-" for stdout.
func AudioOutput() string {
	return v.GetString("audio.output")
}

func ControlQueueSize() int {
	return v.GetInt("control.queue_size")
}

// ControlDedup is "all" or "idempotent".
func ControlDedup() string {
	return v.GetString("control.dedup")
}

// APIAddr is the listen address of the automation server.
func APIAddr() string {
	return v.GetString("api.addr")
}
