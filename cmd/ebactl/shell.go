package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/biscuit-os/eba/attach"
	"github.com/biscuit-os/eba/consolidate"
	"github.com/biscuit-os/eba/defs"
	"github.com/biscuit-os/eba/eba"
	"github.com/biscuit-os/eba/locktree"
	"github.com/biscuit-os/eba/metrics"
	"github.com/biscuit-os/eba/nand"
	"github.com/biscuit-os/eba/simnand"
	"github.com/biscuit-os/eba/sqnum"
	"github.com/biscuit-os/eba/volume"
)

// volState is everything shell needs to run ops against one attached
// volume, including the pieces resize needs to rebuild ops/cons around
// a swapped-in table.
type volState struct {
	ops    *volume.Ops
	cons   *consolidate.Consolidator
	stats  *metrics.VolumeStats
	table  *eba.Table
	cfg    VolumeConfig
	base   int // first PNum of this volume's disjoint range on the image

	locks *locktree.Tree
	io    *nand.LebIo
	media *simnand.Media
	alloc *simnand.Allocator
}

// session holds all state for one `ebactl shell` run.
type session struct {
	disk       *simnand.Disk
	vols       map[defs.VolId]*volState
	order      []defs.VolId
	attachPath string
	generation string
	sq         *sqnum.Counter
	dev        *volume.Device
}

func openSession(imagePath, attachPath, configPath string) (*session, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	ai, err := simnand.LoadAttachInfo(attachPath)
	if err != nil {
		return nil, fmt.Errorf("load attach snapshot: %w", err)
	}
	res, err := attach.Init(ai)
	if err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}

	disk, err := simnand.Open(imagePath, &simnand.Media{PebBytes: cfg.PebBytes, HdrRegion: cfg.HdrRegion, MinIo: cfg.MinIo, HeaderDups: cfg.HeaderDups}, cfg.Npebs())
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}

	sq := &sqnum.Counter{}
	sq.Observe(ai.MaxSqnum)
	dev := volume.NewDevice()
	sess := &session{disk: disk, vols: make(map[defs.VolId]*volState), attachPath: attachPath, generation: ai.Generation, sq: sq, dev: dev}

	// Each volume gets a disjoint sub-range of the image's PNum space,
	// in config order; within that range, any PNum the reattached table
	// already maps is withheld from the allocator's free list so a
	// fresh write can never collide with surviving data.
	base := 0
	for _, vc := range cfg.Volumes {
		vol := defs.VolId(vc.Vol)
		table, ok := res.Tables[vol]
		if !ok {
			return nil, fmt.Errorf("attach snapshot has no table for volume %d", vol)
		}
		media := &simnand.Media{PebBytes: cfg.PebBytes, HdrRegion: cfg.HdrRegion, MinIo: cfg.MinIo, HeaderDups: cfg.HeaderDups, K: vc.K}
		io := nand.New(disk, media)
		locks := locktree.New()

		var inUse []defs.PNum
		for _, ld := range table.Snapshot() {
			if ld.Mapped() {
				inUse = append(inUse, ld.Pnum)
			}
		}
		alloc := simnand.NewAllocator(base, vc.AvailPebs, inUse)
		thisBase := base
		base += vc.AvailPebs

		stats := &metrics.VolumeStats{}
		ops := volume.New(vol, vc.VolType(), table, locks, io, media, alloc, sq, stats, dev, volume.DefaultConfig())
		cons := consolidate.New(vol, vc.VolType(), table, locks, io, media, alloc, sq, stats)
		sess.vols[vol] = &volState{ops: ops, cons: cons, stats: stats, table: table, cfg: vc, base: thisBase, locks: locks, io: io, media: media, alloc: alloc}
		sess.order = append(sess.order, vol)
	}
	return sess, nil
}

// close persists the current mapping of every volume back to the
// attach snapshot path, then closes the image file, so a later
// `ebactl shell` run against the same image picks up where this one
// left off instead of seeing a stale, empty attach.
func (s *session) close() error {
	ai := &attach.AttachInfo{Generation: s.generation, MaxSqnum: s.sq.Peek()}
	for _, vol := range s.order {
		vs := s.vols[vol]
		vi := attach.VolumeInfo{Vol: vol, VolType: vs.cfg.VolType(), Nlebs: vs.cfg.Nlebs, K: vs.cfg.K, AvailPebs: vs.cfg.AvailPebs}

		groups := make(map[defs.PNum]*attach.ConsolidatedGroup)
		for _, ld := range vs.table.Snapshot() {
			if !ld.Mapped() {
				continue
			}
			if ld.Lpos < 0 {
				vi.Mappings = append(vi.Mappings, attach.LebRecord{Lnum: ld.Lnum, Pnum: ld.Pnum, Lpos: -1})
				continue
			}
			g, ok := groups[ld.Pnum]
			if !ok {
				lnums := make([]defs.LNum, vs.cfg.K)
				for i := range lnums {
					lnums[i] = eba.UnmappedLnum
				}
				g = &attach.ConsolidatedGroup{Pnum: ld.Pnum, Lnums: lnums}
				groups[ld.Pnum] = g
			}
			g.Lnums[ld.Lpos] = ld.Lnum
		}
		for _, g := range groups {
			vi.Groups = append(vi.Groups, *g)
		}
		ai.Volumes = append(ai.Volumes, vi)
	}
	if err := simnand.SaveAttachInfo(s.attachPath, ai); err != nil {
		s.disk.Close()
		return fmt.Errorf("save attach snapshot: %w", err)
	}
	return s.disk.Close()
}

// runShell implements spec.md §4.9: an interactive line-oriented shell
// for poking at an attached image. The teacher kernel has no REPL of
// its own; the liner.NewLiner/Prompt/AppendHistory loop here follows
// cmd/sloty's own interactive shell, the one example in the retrieval
// pack built the same way.
func runShell(args []string) error {
	fs := pflag.NewFlagSet("shell", pflag.ExitOnError)
	imagePath := fs.StringP("image", "i", "eba.img", "image file to attach")
	attachPath := fs.StringP("attach", "a", "eba.attach.json", "attach snapshot to load")
	configPath := fs.StringP("config", "c", "", "HuJSON device/volume config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("shell: --config is required")
	}

	sess, err := openSession(*imagePath, *attachPath, *configPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.close(); err != nil {
			fmt.Println("warning:", err)
		}
	}()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("ebactl shell — type 'help' for commands, 'quit' to exit")
	for {
		input, err := line.Prompt("eba> ")
		if err != nil {
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if input == "quit" || input == "exit" {
			break
		}
		if err := sess.dispatch(input); err != nil {
			fmt.Println("error:", err)
		}
	}
	return nil
}

func (s *session) dispatch(input string) error {
	fields := strings.Fields(input)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		fmt.Println("commands: status | read <vol> <lnum> | write <vol> <lnum> <text> | unmap <vol> <lnum> | consolidate <vol> | resize <vol> <new_nlebs> | quit")
		return nil
	case "status":
		return s.cmdStatus()
	case "read":
		return s.cmdRead(args)
	case "write":
		return s.cmdWrite(args)
	case "unmap":
		return s.cmdUnmap(args)
	case "consolidate":
		return s.cmdConsolidate(args)
	case "resize":
		return s.cmdResize(args)
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func (s *session) volAndLnum(args []string) (*volState, defs.LNum, error) {
	if len(args) < 2 {
		return nil, 0, fmt.Errorf("expected <vol> <lnum>")
	}
	volN, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("bad vol: %w", err)
	}
	lnumN, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("bad lnum: %w", err)
	}
	vs, ok := s.vols[defs.VolId(volN)]
	if !ok {
		return nil, 0, fmt.Errorf("no such volume %d", volN)
	}
	return vs, defs.LNum(lnumN), nil
}

func (s *session) cmdStatus() error {
	fmt.Printf("attach snapshot generation: %s\n", s.generation)
	for vol, vs := range s.vols {
		fmt.Printf("volume %d: free_pebs=%d idle=%v\n", vol, vs.ops.CountFreePebs(), vs.cons.Idle())
		fmt.Print(vs.stats.String())
	}
	return nil
}

func (s *session) cmdRead(args []string) error {
	vs, lnum, err := s.volAndLnum(args)
	if err != nil {
		return err
	}
	buf := make([]byte, 64)
	n, err := vs.ops.ReadLeb(lnum, buf, 0, true)
	if err != nil {
		return err
	}
	fmt.Printf("%q\n", strings.TrimRight(string(buf[:n]), "\xff"))
	return nil
}

func (s *session) cmdWrite(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("expected <vol> <lnum> <text>")
	}
	vs, lnum, err := s.volAndLnum(args[:2])
	if err != nil {
		return err
	}
	text := strings.Join(args[2:], " ")
	return vs.ops.WriteLeb(lnum, []byte(text), 0)
}

func (s *session) cmdUnmap(args []string) error {
	vs, lnum, err := s.volAndLnum(args)
	if err != nil {
		return err
	}
	return vs.ops.UnmapLeb(lnum)
}

func (s *session) cmdConsolidate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <vol>")
	}
	volN, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("bad vol: %w", err)
	}
	vs, ok := s.vols[defs.VolId(volN)]
	if !ok {
		return fmt.Errorf("no such volume %d", volN)
	}
	status, err := vs.cons.Step()
	if err != nil {
		return err
	}
	fmt.Println("consolidate:", status)
	return nil
}

// cmdResize implements copy_table/set_table (spec.md §6): build a
// freshly nlebs-sized table from the volume's current mapping, install
// it in place of the old one, and rebuild ops/cons around it. The
// volume's physical PEB budget (avail_pebs) is unchanged by a resize —
// only the logical LEB range grows or shrinks.
func (s *session) cmdResize(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("expected <vol> <new_nlebs>")
	}
	volN, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("bad vol: %w", err)
	}
	newNlebs, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad nlebs: %w", err)
	}
	vs, ok := s.vols[defs.VolId(volN)]
	if !ok {
		return fmt.Errorf("no such volume %d", volN)
	}

	availPebs := vs.cfg.AvailPebs - attach.EbaReservedPebs
	next, eraseList := eba.CopyTable(vs.table, newNlebs, availPebs)
	eba.SetTable(&vs.table, next)
	vs.cfg.Nlebs = newNlebs

	stats := &metrics.VolumeStats{}
	vs.ops = volume.New(defs.VolId(volN), vs.cfg.VolType(), vs.table, vs.locks, vs.io, vs.media, vs.alloc, s.sq, stats, s.dev, volume.DefaultConfig())
	vs.cons = consolidate.New(defs.VolId(volN), vs.cfg.VolType(), vs.table, vs.locks, vs.io, vs.media, vs.alloc, s.sq, stats)
	vs.stats = stats

	fmt.Printf("resized volume %d to %d lebs; %d peb(s) dropped by the shrink, pending erase: %v\n", volN, newNlebs, len(eraseList), eraseList)
	return nil
}
