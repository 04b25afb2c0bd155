package board

import (
	"fmt"
	"strings"

	"github.com/tinyrange/captain/internal/devices/fwcfg"
)

// Files the firmware configuration device publishes.
const (
	FirmwareDeviceTree = "etc/captain/device-tree"
	FirmwareBoardFile  = "etc/captain/board.yaml"
	// FirmwarePower accepts "off" or "reboot".
	FirmwarePower = "etc/captain/power"
)

// publishFirmware runs after every device is attached so the device tree
// sees the final routes.
func (b *Board[K]) publishFirmware() error {
	b.Firmware = fwcfg.New(b.memory)

	cfg, err := b.cfg.Marshal()
	if err != nil {
		return fmt.Errorf("board: marshal config: %w", err)
	}
	if _, err := b.Firmware.Add(FirmwareBoardFile, cfg); err != nil {
		return fmt.Errorf("board: %w", err)
	}
	if _, err := b.Firmware.Add(FirmwareDeviceTree, b.DeviceTree()); err != nil {
		return fmt.Errorf("board: %w", err)
	}
	if _, err := b.Firmware.AddWritable(FirmwarePower, nil, b.powerRequest); err != nil {
		return fmt.Errorf("board: %w", err)
	}
	return nil
}

func (b *Board[K]) powerRequest(data []byte) error {
	switch req := strings.TrimSpace(strings.TrimRight(string(data), "\x00")); req {
	case "off":
		return b.power.Shutdown()
	case "reboot":
		return b.power.Reboot()
	default:
		return fmt.Errorf("board: unknown power request %q", req)
	}
}
