package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsBattery reads the first battery capacity under /sys/class/power_supply.
type SysfsBattery struct {
	dir string
}

func NewSysfsBattery(dir string) *SysfsBattery {
	return &SysfsBattery{dir: dir}
}

func (b *SysfsBattery) Level() (int, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*", "capacity"))
	if err != nil {
		return 0, err
	}
	for _, path := range matches {
		// mains adapters expose no capacity; skip anything that is not a battery
		typ, err := os.ReadFile(filepath.Join(filepath.Dir(path), "type"))
		if err == nil && strings.TrimSpace(string(typ)) != "Battery" {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		pct, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || pct < 0 || pct > 100 {
			continue
		}
		return pct, nil
	}
	return 0, fmt.Errorf("no battery capacity under %s", b.dir)
}
