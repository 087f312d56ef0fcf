package device

import (
	"fmt"
	"io"
	"strings"
)

// DeviceNameFieldLength is the fixed size of the device name sent on the first
// socket when send_device_meta is enabled.
const DeviceNameFieldLength = 64

// DeviceMeta is the optional metadata that precedes the first stream.
type DeviceMeta struct {
	DeviceName string
}

// ReadDeviceMeta reads the NUL padded device name.
func ReadDeviceMeta(r io.Reader) (*DeviceMeta, error) {
	nameBytes := make([]byte, DeviceNameFieldLength)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return nil, fmt.Errorf("failed to read device name: %w", err)
	}

	name := string(nameBytes)
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return &DeviceMeta{DeviceName: name}, nil
}
