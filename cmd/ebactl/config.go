// Command ebactl is the offline image tool and interactive inspection
// shell for the EBA core: `ebactl format` lays out a fresh simulated
// NAND image from a HuJSON device description, and `ebactl shell`
// attaches to one and lets an operator poke at it a LEB at a time.
//
// Both subcommands, and the flag parsing underneath them, follow the
// teacher's own mkfs tool (biscuit/src/mkfs/mkfs.go): a small main()
// that builds an image file from a compact description and reports
// what it wrote.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/biscuit-os/eba/defs"
)

// VolumeConfig describes one volume to lay out at format time.
type VolumeConfig struct {
	Vol       uint32 `json:"vol"`
	Type      string `json:"type"` // "dynamic" or "static"
	Nlebs     int    `json:"nlebs"`
	K         int    `json:"k"`
	AvailPebs int    `json:"avail_pebs"`
}

// DeviceConfig is the HuJSON document `ebactl format` reads: comments
// and trailing commas are allowed, since operators hand-edit these.
type DeviceConfig struct {
	PebBytes   int            `json:"peb_bytes"`
	HdrRegion  int            `json:"hdr_region"`
	MinIo      int            `json:"min_io"`
	HeaderDups int            `json:"header_dups"`
	Volumes    []VolumeConfig `json:"volumes"`
}

// Npebs is the total PEB count the image must hold: the sum of every
// volume's avail_pebs, each volume occupying a disjoint PNum range in
// that order.
func (c *DeviceConfig) Npebs() int {
	n := 0
	for _, v := range c.Volumes {
		n += v.AvailPebs
	}
	return n
}

// VolType parses a VolumeConfig's Type field.
func (v *VolumeConfig) VolType() defs.VolType {
	if v.Type == "static" {
		return defs.VolStatic
	}
	return defs.VolDynamic
}

// LoadConfig reads and standardizes a HuJSON device config into plain
// JSON before decoding it.
func LoadConfig(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	var cfg DeviceConfig
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if cfg.PebBytes <= 0 || cfg.MinIo <= 0 {
		return nil, fmt.Errorf("config %s: peb_bytes and min_io are required", path)
	}
	return &cfg, nil
}
