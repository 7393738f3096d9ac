package machine

import (
	"fmt"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"
)

// View selects one of the host mappings aliasing the 64 KiB guest address
// space (spec 4.1). Each view occupies a fixed-size slice of one mmap'd
// arena at a constant displacement from the others, so code that knows one
// view's base can reach any other by adding a constant -- the property
// spec 3 calls out explicitly.
type View int

const (
	ViewRaw View = iota
	ViewRead
	ViewWrite
	ViewReadFull
	ViewWriteFull
	viewCount
)

const (
	guestSpaceSize = 0x10000

	ramSize        = 0x8000 // 0x0000-0x7FFF
	sidewaysBase   = 0x8000
	sidewaysSize   = 0x4000 // 16 KiB per bank, spec 6: "load_rom(slot, 16KiB)"
	osROMBase      = 0xC000
	osROMSize      = 0x4000
	registersStart = 0xFC00
	registersLen   = 0x300

	// inaccessibleStart/-Len mark spec 4.1's small inaccessible region,
	// placed just below the hardware vectors. Accesses there do not fault:
	// Read returns 0 and Write drops the store (see Memory.Read/Write).
	inaccessibleStart = 0xFEF0
	inaccessibleLen   = 0x10

	NumROMSlots = 16
)

// ErrInaccessible names an access to the inaccessible window (spec 4.1,
// 7). Read and Write do not return it: they return 0 and drop the store.
var ErrInaccessible = fmt.Errorf("access to inaccessible memory window")

// Memory is the guest memory image and its multi-view map (spec 4.1).
type Memory struct {
	arena []byte          // mmap'd, viewCount*guestSpaceSize bytes
	views [viewCount][]byte

	romBanks  [NumROMSlots][]byte // nil until installed, each sidewaysSize long
	romIsRAM  [NumROMSlots]bool
	romSelect byte

	scratch   [sidewaysSize]byte // write-view sink for ROM-backed stores
	registers [registersLen]byte // backing store for the -Full views' I/O window

	logger *log.Logger
}

// NewMemory reserves the multi-view arena via an anonymous mmap, matching
// the teacher's pack-mate go-interpreter/wagon's approach to executable
// host memory (here used for plain R/W views; machine/arena.go reserves
// the separate executable arena for compiled code).
func NewMemory(logger *log.Logger) (*Memory, error) {
	size := guestSpaceSize * int(viewCount)
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap memory views: %w", err)
	}

	m := &Memory{arena: arena, logger: logger}
	for v := View(0); v < viewCount; v++ {
		off := int(v) * guestSpaceSize
		m.views[v] = arena[off : off+guestSpaceSize]
	}
	return m, nil
}

// Close releases the mmap'd arena.
func (m *Memory) Close() error {
	if m.arena == nil {
		return nil
	}
	err := unix.Munmap(m.arena)
	m.arena = nil
	return err
}

// ViewBase returns the absolute host address of a view's first byte.
// Compiled code emitted by the assembler bakes these in as constant
// displacements, since all views live in one mmap'd arena at a fixed
// offset from each other for the process's lifetime (spec 3, 4.1).
func (m *Memory) ViewBase(v View) uintptr {
	if len(m.views[v]) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.views[v][0]))
}

func (m *Memory) inInaccessibleWindow(addr uint16) bool {
	return addr >= inaccessibleStart && addr < inaccessibleStart+inaccessibleLen
}

// romCoverage returns the ROM slot covering addr, if any, plus whether
// addr falls in the fixed OS ROM window rather than the banked one.
func (m *Memory) romCoverage(addr uint16) (slot int, isOS, covered bool) {
	switch {
	case addr >= osROMBase:
		return -1, true, true
	case addr >= sidewaysBase && addr < sidewaysBase+sidewaysSize:
		return int(m.romSelect), false, m.romBanks[m.romSelect] != nil
	default:
		return -1, false, false
	}
}

// Read is what compiled code and the interpreter observe on a read
// (spec 4.1's "read" view): ROM regions return ROM bytes regardless of
// what was last written underneath them.
func (m *Memory) Read(addr uint16) byte {
	if m.inInaccessibleWindow(addr) {
		return 0
	}
	return m.views[ViewRead][addr]
}

// Write is what compiled code and the interpreter target on a store
// (spec 4.1's "write" view): writes into an installed, non-sideways-RAM
// ROM bank are redirected to an unobservable scratch page and never touch
// Raw or Read.
func (m *Memory) Write(addr uint16, val byte) {
	if m.inInaccessibleWindow(addr) {
		return
	}
	slot, isOS, covered := m.romCoverage(addr)
	if covered && isOS {
		return // OS ROM is never sideways RAM in this model
	}
	if covered && !m.romIsRAM[slot] {
		m.scratch[addr-sidewaysBase] = val
		return
	}
	m.views[ViewRaw][addr] = val
	m.views[ViewRead][addr] = val
	m.views[ViewWrite][addr] = val
}

// ReadRaw/WriteRaw bypass ROM redirection entirely -- the "raw" view used
// by the emulator itself for snapshotting and ROM installation (spec 4.1).
func (m *Memory) ReadRaw(addr uint16) byte      { return m.views[ViewRaw][addr] }
func (m *Memory) WriteRaw(addr uint16, v byte)  { m.views[ViewRaw][addr] = v }

// ReadView reads through a specific view; used by the decoder, which always
// decodes via ViewRead (spec 4.3, 4.5).
func (m *Memory) ReadView(v View, addr uint16) byte {
	if v == ViewRead || v == ViewReadFull {
		return m.Read(addr)
	}
	return m.views[v][addr]
}

// BlockCopy loads a contiguous run of bytes into raw+read+write views,
// starting at addr. Used by set_block / snapshot loading (spec 6); it does
// not itself trigger invalidation, callers must invalidate the covered
// range explicitly.
func (m *Memory) BlockCopy(addr uint16, data []byte) {
	for i, b := range data {
		a := addr + uint16(i)
		m.views[ViewRaw][a] = b
		m.views[ViewRead][a] = b
		m.views[ViewWrite][a] = b
	}
}

// InstallROM copies a 16 KiB ROM image into a sideways slot's bank storage
// and, if that slot is currently selected, refreshes the read view over
// 0x8000-0xBFFF (spec 4.1, 6: load_rom).
func (m *Memory) InstallROM(slot int, data []byte) error {
	if slot < 0 || slot >= NumROMSlots {
		return fmt.Errorf("rom slot %d out of range", slot)
	}
	if len(data) != sidewaysSize {
		return fmt.Errorf("rom image must be %d bytes, got %d", sidewaysSize, len(data))
	}
	bank := make([]byte, sidewaysSize)
	copy(bank, data)
	m.romBanks[slot] = bank
	m.romIsRAM[slot] = false
	if m.romSelect == byte(slot) {
		m.refreshSidewaysWindow()
	}
	return nil
}

// InstallOSROM loads the fixed 0xC000-0xFFFF OS ROM bank (spec 6, 8:
// original_source/main.c loads this at startup).
func (m *Memory) InstallOSROM(data []byte) error {
	if len(data) != osROMSize {
		return fmt.Errorf("os rom image must be %d bytes, got %d", osROMSize, len(data))
	}
	for i, b := range data {
		a := uint16(osROMBase + i)
		m.views[ViewRaw][a] = b
		m.views[ViewRead][a] = b
	}
	return nil
}

// MakeSidewaysRAM reclassifies a bank as writable RAM rather than ROM
// (spec 6: make_sideways_ram). Stores into it thereafter go through to
// Raw/Read like ordinary RAM.
func (m *Memory) MakeSidewaysRAM(slot int) {
	if slot < 0 || slot >= NumROMSlots {
		return
	}
	m.romIsRAM[slot] = true
	if m.romBanks[slot] == nil {
		m.romBanks[slot] = make([]byte, sidewaysSize)
	}
}

// SelectROM switches the active sideways bank at 0x8000-0xBFFF (spec 6:
// select_rom).
func (m *Memory) SelectROM(slot int) {
	if slot < 0 || slot >= NumROMSlots {
		return
	}
	m.romSelect = byte(slot)
	m.refreshSidewaysWindow()
}

func (m *Memory) refreshSidewaysWindow() {
	bank := m.romBanks[m.romSelect]
	for i := 0; i < sidewaysSize; i++ {
		a := uint16(sidewaysBase + i)
		var b byte
		if bank != nil {
			b = bank[i]
		}
		m.views[ViewRead][a] = b
		if m.romIsRAM[m.romSelect] {
			m.views[ViewRaw][a] = b
			m.views[ViewWrite][a] = b
		}
	}
}

func (m *Memory) RomSelect() byte { return m.romSelect }

// SidewaysRAMFlags reports which ROM slots are currently classified as
// writable RAM, for snapshotting (spec 6).
func (m *Memory) SidewaysRAMFlags() [NumROMSlots]bool { return m.romIsRAM }

// RestoreSidewaysRAMFlags re-applies a snapshot's per-slot RAM/ROM
// classification without altering bank contents (spec 6 snapshot load).
func (m *Memory) RestoreSidewaysRAMFlags(flags [NumROMSlots]bool) {
	m.romIsRAM = flags
}
