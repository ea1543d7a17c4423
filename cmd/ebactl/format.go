package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/biscuit-os/eba/attach"
	"github.com/biscuit-os/eba/defs"
	"github.com/biscuit-os/eba/simnand"
)

// runFormat implements spec.md §4.8: lay out a fresh simulated NAND
// image from a HuJSON device config and write the initial (empty)
// attach snapshot alongside it, stamped with a fresh generation id so
// operators can tell which format run a given snapshot file came from.
func runFormat(args []string) error {
	fs := pflag.NewFlagSet("format", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "HuJSON device/volume config")
	imagePath := fs.StringP("image", "i", "eba.img", "output image file")
	attachPath := fs.StringP("attach", "a", "eba.attach.json", "output attach snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("format: --config is required")
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if len(cfg.Volumes) == 0 {
		return fmt.Errorf("format: config names no volumes")
	}

	media := &simnand.Media{PebBytes: cfg.PebBytes, HdrRegion: cfg.HdrRegion, MinIo: cfg.MinIo, HeaderDups: cfg.HeaderDups}
	disk, err := simnand.Create(*imagePath, media, cfg.Npebs())
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	defer disk.Close()

	ai := &attach.AttachInfo{Generation: uuid.New().String()}
	for _, v := range cfg.Volumes {
		ai.Volumes = append(ai.Volumes, attach.VolumeInfo{
			Vol:       defs.VolId(v.Vol),
			VolType:   v.VolType(),
			Nlebs:     v.Nlebs,
			K:         v.K,
			AvailPebs: v.AvailPebs,
		})
	}
	if err := simnand.SaveAttachInfo(*attachPath, ai); err != nil {
		return fmt.Errorf("write attach snapshot: %w", err)
	}

	fmt.Printf("formatted %s: %d PEBs, %d bytes each, %d volumes (generation %s)\n",
		*imagePath, cfg.Npebs(), cfg.PebBytes, len(cfg.Volumes), ai.Generation)
	return nil
}
