package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	adb "github.com/basiooo/goadb"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/mirror/internal/util"
)

const (
	// DefaultRemotePath is where the server jar lives on the device.
	DefaultRemotePath = "/data/local/tmp/scrcpy-server.jar"
	serverMainClass   = "com.genymobile.scrcpy.Server"
)

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Serial     string
	ADBPath    string // adb executable, used for forwards and the server process
	ADBPort    int    // adb server port, used by the goadb client
	RemotePath string
}

// Bridge is the adb side of one device: it installs and starts the server and
// manages the forward tunnel.
type Bridge struct {
	serial     string
	adbPath    string
	remotePath string

	client *adb.Adb
	device *adb.Device

	mu        sync.Mutex
	serverCmd *exec.Cmd
	serverOut *util.PrefixLogWriter
	serverErr *util.PrefixLogWriter
}

// NewBridge creates a bridge for the given serial. An empty serial selects
// the only attached device.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	port := opts.ADBPort
	if port == 0 {
		port = adb.AdbPort
	}
	client, err := adb.NewWithConfig(adb.ServerConfig{
		Port: port,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create adb client on port %d", port)
	}
	if err := client.StartServer(); err != nil {
		return nil, errors.Wrapf(err, "failed to start adb server")
	}

	adbPath := opts.ADBPath
	if adbPath == "" {
		if p, err := exec.LookPath("adb"); err == nil {
			adbPath = p
		} else {
			adbPath = "adb"
		}
	}
	remotePath := opts.RemotePath
	if remotePath == "" {
		remotePath = DefaultRemotePath
	}

	serial := opts.Serial
	if serial == "" {
		serials, err := client.ListDeviceSerials()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list devices")
		}
		if len(serials) != 1 {
			return nil, errors.Errorf("expected exactly one device, found %d; pass a serial", len(serials))
		}
		serial = serials[0]
	}

	return &Bridge{
		serial:     serial,
		adbPath:    adbPath,
		remotePath: remotePath,
		client:     client,
		device:     client.Device(adb.DeviceWithSerial(serial)),
	}, nil
}

// Serial returns the device serial this bridge is bound to.
func (b *Bridge) Serial() string {
	return b.serial
}

// PushServer copies the local server jar to the device. With no local jar the
// jar must already be installed on the device.
func (b *Bridge) PushServer(ctx context.Context, localJar string) error {
	if localJar != "" {
		if err := b.push(localJar); err != nil {
			return err
		}
	}

	out, err := b.device.RunCommand("ls", b.remotePath)
	if err != nil {
		return errors.Wrapf(err, "failed to check %s on device %s", b.remotePath, b.serial)
	}
	if strings.Contains(out, "No such file") {
		return errors.Errorf("server jar not found on device %s at %s", b.serial, b.remotePath)
	}
	return nil
}

func (b *Bridge) push(localJar string) error {
	f, err := os.Open(localJar)
	if err != nil {
		return errors.Wrapf(err, "failed to open server jar %s", localJar)
	}
	defer f.Close()

	w, err := b.device.OpenWrite(b.remotePath, 0644, time.Now())
	if err != nil {
		return errors.Wrapf(err, "failed to open %s on device %s", b.remotePath, b.serial)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		w.Close()
		return errors.Wrapf(err, "failed to push server jar to device %s", b.serial)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "failed to finish pushing server jar to device %s", b.serial)
	}
	util.GetLogger().Debug("Server jar pushed", "device", b.serial, "bytes", n, "path", b.remotePath)
	return nil
}

// ScreenSize returns the display size reported by "wm size", preferring an
// override size over the physical one.
func (b *Bridge) ScreenSize(ctx context.Context) (width, height int, err error) {
	out, err := b.device.RunCommand("wm", "size")
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to query screen size of device %s", b.serial)
	}
	width, height, err = ParseScreenSize(out)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "device %s", b.serial)
	}
	return width, height, nil
}

// ParseScreenSize parses the output of "wm size".
func ParseScreenSize(output string) (width, height int, err error) {
	for _, line := range strings.Split(output, "\n") {
		label, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		var w, h int
		if _, err := fmt.Sscanf(strings.TrimSpace(value), "%dx%d", &w, &h); err != nil {
			continue
		}
		width, height = w, h
		if strings.HasPrefix(label, "Override") {
			break
		}
	}
	if width <= 0 || height <= 0 {
		return 0, 0, errors.Errorf("no screen size in %q", strings.TrimSpace(output))
	}
	return width, height, nil
}

// SocketName is the abstract socket the server listens on for a scid.
func SocketName(scid uint32) string {
	return fmt.Sprintf("scrcpy_%08x", scid)
}

// Forward tunnels local tcp port to the server's abstract socket.
func (b *Bridge) Forward(ctx context.Context, port int, scid uint32) error {
	local := fmt.Sprintf("tcp:%d", port)
	remote := "localabstract:" + SocketName(scid)
	util.GetLogger().Debug("Setting up port forward", "device", b.serial, "local", local, "remote", remote)

	cmd := exec.CommandContext(ctx, b.adbPath, "-s", b.serial, "forward", local, remote)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "failed to forward %s to %s: %s", local, remote, strings.TrimSpace(string(output)))
	}
	return nil
}

// RemoveForward removes the forward set up by Forward.
func (b *Bridge) RemoveForward(ctx context.Context, port int) error {
	cmd := exec.CommandContext(ctx, b.adbPath, "-s", b.serial, "forward", "--remove", fmt.Sprintf("tcp:%d", port))
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "failed to remove forward tcp:%d: %s", port, strings.TrimSpace(string(output)))
	}
	return nil
}

// ServerCommand builds the adb arguments that launch the server.
func (b *Bridge) ServerCommand(version string, args []string) []string {
	cmd := []string{
		"-s", b.serial, "shell",
		"CLASSPATH=" + b.remotePath,
		"app_process", "/", serverMainClass,
		version,
	}
	return append(cmd, args...)
}

// StartServer launches the server as a long running adb child. Its output goes
// to the debug log.
func (b *Bridge) StartServer(ctx context.Context, version string, args []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.serverCmd != nil {
		return errors.Errorf("server already running on device %s", b.serial)
	}

	cmd := exec.Command(b.adbPath, b.ServerCommand(version, args)...)
	b.serverOut = util.NewPrefixLogWriter("[server-out]")
	b.serverErr = util.NewPrefixLogWriter("[server-err]")
	cmd.Stdout = b.serverOut
	cmd.Stderr = b.serverErr

	util.GetLogger().Info("Starting server", "device", b.serial, "version", version)
	util.GetLogger().Debug("Server command", "cmd", cmd.String())

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start server on device %s", b.serial)
	}
	b.serverCmd = cmd

	go func() {
		err := cmd.Wait()
		b.serverOut.Flush()
		b.serverErr.Flush()
		util.GetLogger().Debug("Server process exited", "device", b.serial, "error", err)
	}()
	return nil
}

// KillServer stops the server on the device and the local adb child.
func (b *Bridge) KillServer() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.device.RunCommand("pkill", "-f", "scrcpy.Server")
	if b.serverCmd != nil && b.serverCmd.Process != nil {
		b.serverCmd.Process.Kill()
	}
	b.serverCmd = nil
	if err != nil {
		return errors.Wrapf(err, "failed to kill server on device %s", b.serial)
	}
	return nil
}

// Watch returns a channel that is closed when the device leaves the online
// state or ctx is done.
func (b *Bridge) Watch(ctx context.Context) <-chan struct{} {
	gone := make(chan struct{})
	watcher := b.client.NewDeviceWatcher()

	go func() {
		<-ctx.Done()
		watcher.Shutdown()
	}()

	go func() {
		defer close(gone)
		for event := range watcher.C() {
			if event.Serial != b.serial {
				continue
			}
			util.GetLogger().Debug("Device event", "device", event.Serial, "from", event.OldState, "to", event.NewState)
			if event.OldState == adb.StateOnline && event.NewState != adb.StateOnline {
				util.GetLogger().Info("Device went offline", "device", event.Serial, "state", event.NewState)
				return
			}
		}
		if watcher.Err() != nil {
			util.GetLogger().Warn("adb device watcher error", "error", watcher.Err())
		}
	}()
	return gone
}
