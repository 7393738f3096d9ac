package machine

import (
	"fmt"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"
)

// bytesPerGuestByte is how much host-code space is reserved for the
// compiled translation of a single guest address (spec 4.6: "a fixed
// number of bytes of host code space is reserved per guest address, so a
// guest PC maps to a host address by simple multiplication"). Sized to
// comfortably hold the longest sequence any single opcode's EmitNative
// path plus its secondUop and COUNTDOWN prologue can produce.
const bytesPerGuestByte = 256

// arenaSize is the total size of the executable mapping: one slot per
// guest byte across the full 64 KiB address space.
const arenaSize = bytesPerGuestByte * guestSpaceSize

// guardPageSize separates the arena from adjoining mappings so a runaway
// write from a mistranslated block faults loudly (spec 8: original_source
// /main.c maps guard pages around the JIT regions).
const guardPageSize = 4096

// CodeArena owns the mmap'd, PROT_EXEC-capable region that holds every
// compiled block's host code, plus the per-guest-byte bookkeeping the
// driver and invalidation engine need to map in either direction
// (spec 4.6, 4.7).
type CodeArena struct {
	guardLo []byte
	code    []byte
	guardHi []byte

	// jitPtrs[pc] is the host address of the block whose translation
	// begins at guest pc, or 0 if that guest byte has never been the
	// start of a compiled block (spec 4.6: "jit_ptrs").
	jitPtrs [guestSpaceSize]uintptr

	// blockStart[pc] is the guest PC where the block covering pc begins,
	// used by the inverse lookup (spec 4.6: exact_match / block_6502).
	blockStart [guestSpaceSize]uint16
	compiled   [guestSpaceSize]bool

	// blockLen[pc] is the guest-byte length of the block starting at pc,
	// valid only at indices that are themselves a block start. Lets
	// invalidateBlock clear a stale block's full covered span in one pass
	// instead of leaving interior addresses incorrectly marked compiled
	// (spec 4.7).
	blockLen [guestSpaceSize]uint16

	writable bool // true while mprotect has made code PROT_WRITE for patching
	logger   *log.Logger
}

// NewCodeArena reserves the guarded, executable host-code region. The
// mapping starts out read-write-execute; production JITs would toggle
// W^X per compile, but spec 4.6 only requires that host addresses be
// stable for the arena's lifetime, so a single RWX mapping satisfies it
// without the extra mprotect churn.
func NewCodeArena(logger *log.Logger) (*CodeArena, error) {
	guardLo, err := unix.Mmap(-1, 0, guardPageSize, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap low guard page: %w", err)
	}
	code, err := unix.Mmap(-1, 0, arenaSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		unix.Munmap(guardLo)
		return nil, fmt.Errorf("mmap code arena: %w", err)
	}
	guardHi, err := unix.Mmap(-1, 0, guardPageSize, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		unix.Munmap(code)
		unix.Munmap(guardLo)
		return nil, fmt.Errorf("mmap high guard page: %w", err)
	}

	a := &CodeArena{guardLo: guardLo, code: code, guardHi: guardHi, writable: true, logger: logger}
	a.fillDispatchTraps()
	return a, nil
}

// fillDispatchTraps installs the dispatch trap (assembler.go's
// writeDispatchTrap) in every guest address's slot before any compilation
// happens. A block's branch or continuation jump targets another guest
// address's fixed slot directly at the host level (spec 4.6), bypassing
// the driver's own compile-on-demand lookup entirely -- without this, a
// jump to an address nobody has compiled yet would run whatever garbage
// bytes a fresh mmap holds instead of safely re-entering the driver.
func (a *CodeArena) fillDispatchTraps() {
	for pc := 0; pc < guestSpaceSize; pc++ {
		writeDispatchTrap(a.SlotFor(uint16(pc)), uint16(pc))
	}
}

func (a *CodeArena) Close() error {
	var firstErr error
	for _, m := range [][]byte{a.guardLo, a.code, a.guardHi} {
		if m == nil {
			continue
		}
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SlotFor returns the fixed host-code slice reserved for the block
// starting at guest pc (spec 4.6). Callers must not write past
// bytesPerGuestByte bytes into it.
func (a *CodeArena) SlotFor(pc uint16) []byte {
	off := int(pc) * bytesPerGuestByte
	return a.code[off : off+bytesPerGuestByte]
}

// HostBase returns a's host base address, used by the assembler's
// resolver closure and by the inverse lookups below.
func (a *CodeArena) HostBase() uintptr { return sliceAddr(a.code) }

// CompiledBase returns the host address of the per-guest-address
// compiled-bit table, baked into every native store's inline self-modify
// check (spec 4.7): a compiled STA/STX/STY/INC/DEC tests this byte right
// after writing, and traps back to the driver when the address it just
// wrote falls inside a currently-live block. a.compiled is a plain Go
// array rather than mmap'd memory, but it's heap-allocated once with
// CodeArena itself and never resized, so its address is as stable for the
// process's lifetime as the mmap'd views this same trick is used for
// elsewhere (memory.go's ViewBase).
func (a *CodeArena) CompiledBase() uintptr {
	return uintptr(unsafe.Pointer(&a.compiled[0]))
}

// Resolver returns the guest-PC -> host-address function the assembler
// needs to bake absolute jump targets (spec 4.6).
func (a *CodeArena) Resolver() func(uint16) uintptr {
	base := a.HostBase()
	return func(pc uint16) uintptr {
		return base + uintptr(pc)*bytesPerGuestByte
	}
}

// MarkCompiled records that a block now starts at pc and covers
// [pc, pc+length) for the inverse lookup (spec 4.6).
func (a *CodeArena) MarkCompiled(pc uint16, length int) {
	a.jitPtrs[pc] = a.Resolver()(pc)
	a.blockLen[pc] = uint16(length)
	for i := 0; i < length; i++ {
		addr := pc + uint16(i)
		a.blockStart[addr] = pc
		a.compiled[addr] = true
	}
}

// BlockLen returns the guest-byte length recorded for the block starting
// at pc, or 0 if pc has never been a block start.
func (a *CodeArena) BlockLen(pc uint16) int { return int(a.blockLen[pc]) }

// MarkInvalidated clears the compiled bit for [pc, pc+length) and nothing
// else: jitPtrs and blockStart keep their entries, and the host slot keeps
// the invalidation trap sequence the assembler wrote there. ExactMatch and
// BlockStart report the range as uncovered from then on because they test
// the compiled bit (spec 4.7).
func (a *CodeArena) MarkInvalidated(pc uint16, length int) {
	for i := 0; i < length; i++ {
		a.compiled[pc+uint16(i)] = false
	}
}

// InvalidateAll marks every guest address as uncompiled in one pass, used
// when a snapshot load invalidates the entire address space at once
// rather than one block at a time (spec 4.7 "Explicit" trigger list, 6:
// "Loading a snapshot invalidates all compiled blocks").
func (a *CodeArena) InvalidateAll() {
	for i := range a.compiled {
		a.compiled[i] = false
	}
}

// IsCompiled reports whether pc is currently covered by a live
// (non-invalidated) compiled block.
func (a *CodeArena) IsCompiled(pc uint16) bool { return a.compiled[pc] }

// ExactMatch reports whether pc is itself a block's first guest byte
// (spec 4.6: "exact_match").
func (a *CodeArena) ExactMatch(pc uint16) bool {
	return a.compiled[pc] && a.blockStart[pc] == pc
}

// BlockStart returns the guest PC of the block covering pc, and whether
// any block covers it at all (spec 4.6: "block_6502").
func (a *CodeArena) BlockStart(pc uint16) (uint16, bool) {
	return a.blockStart[pc], a.compiled[pc]
}

// HostIPToGuestPC performs the inverse lookup the driver and debugger use
// when a trap hands back a raw host instruction pointer (spec 4.6:
// "inverse host-IP to guest-PC lookup"). hostIP must fall inside the code
// region; callers are expected to have already established that via the
// trap's originating block.
func (a *CodeArena) HostIPToGuestPC(hostIP uintptr) (uint16, bool) {
	base := a.HostBase()
	if hostIP < base || hostIP >= base+uintptr(arenaSize) {
		return 0, false
	}
	return uint16((hostIP - base) / bytesPerGuestByte), true
}

// PInvalidationCodeBlock reports whether the host code at pc's slot is
// currently the dispatch/invalidation trap rather than a live compiled
// block -- true for a slot that was compiled and then invalidated, and
// equally true for one that has simply never been compiled at all
// (spec 4.6: "p_invalidation_code_block").
func (a *CodeArena) PInvalidationCodeBlock(pc uint16) bool {
	return IsInvalidated(a.SlotFor(pc))
}

// sliceAddr returns the address of a non-empty slice's backing array. Used
// only to compute stable base addresses of mmap'd regions that outlive the
// arena, never on a slice that might be resized afterward.
func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
