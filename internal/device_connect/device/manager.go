package device

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// DeviceInfo is one line of `adb devices -l`.
type DeviceInfo struct {
	Serial         string `json:"serial"`
	State          string `json:"state"`
	Model          string `json:"model,omitempty"`
	Product        string `json:"product,omitempty"`
	ConnectionType string `json:"connectionType"`
}

// Online reports whether the device can be mirrored.
func (d DeviceInfo) Online() bool {
	return d.State == "device"
}

// ListDevices returns every device known to adb, online or not.
func ListDevices(ctx context.Context, adbPath string) ([]DeviceInfo, error) {
	if adbPath == "" {
		adbPath = "adb"
	}
	output, err := exec.CommandContext(ctx, adbPath, "devices", "-l").Output()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to run adb devices")
	}
	return ParseDevices(string(output)), nil
}

// ParseDevices parses `adb devices -l` output.
func ParseDevices(output string) []DeviceInfo {
	devices := []DeviceInfo{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		info := DeviceInfo{
			Serial:         parts[0],
			State:          parts[1],
			ConnectionType: "usb",
		}
		for _, field := range parts[2:] {
			key, value, ok := strings.Cut(field, ":")
			if !ok {
				continue
			}
			switch key {
			case "model":
				info.Model = value
			case "product":
				info.Product = value
			}
		}
		if strings.Contains(info.Serial, ":") {
			info.ConnectionType = "ip"
		}
		devices = append(devices, info)
	}
	return devices
}
