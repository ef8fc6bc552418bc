package device

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BatteryReader reports the battery charge as a fraction in [0, 1].
type BatteryReader interface {
	Level(ctx context.Context) (float64, bool)
}

// SysfsBattery reads the first battery under a Linux power_supply class
// directory (/sys/class/power_supply on Linux and Android).
type SysfsBattery struct {
	Root string
}

// Level returns the charge of the first supply whose type is Battery.
func (b SysfsBattery) Level(context.Context) (float64, bool) {
	entries, err := os.ReadDir(b.Root)
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		dir := filepath.Join(b.Root, e.Name())
		kind, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil || strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, "capacity"))
		if err != nil {
			continue
		}
		pct, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || pct < 0 || pct > 100 {
			continue
		}
		return float64(pct) / 100, true
	}
	return 0, false
}

// NoBattery is a device without battery information.
type NoBattery struct{}

func (NoBattery) Level(context.Context) (float64, bool) { return 0, false }
