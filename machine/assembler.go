package machine

import "encoding/binary"

// microOp identifies a single primitive the assembler can emit: either one
// of the introduced primitives from spec 4.4, or a request to fall through
// to the interpreter for an opcode/addressing-mode combination the
// compiler doesn't natively translate (spec 4.3: "any behavior the
// compiler cannot reproduce exactly is handled by dropping through to
// interpreter for that instruction").
type microOp byte

const (
	uopNone microOp = iota
	uopNative        // compile the opcode described by opcodeDescriptor directly
	uopCountdown
	uopFlagA
	uopFlagX
	uopFlagY
	uopAddImm
	uopSaveCarry
	uopSaveOverflow
	uopStoaImm
	uopExit
	uopCrash
	uopIllegal
	uopInterpFallback // trap out, run one instruction via the interpreter, resume
	uopTrampolineJump // unconditional jump to a resolved block entry
	uopTrampolineJcc  // conditional jump to a resolved block entry
)

// trapReason is the value compiled code leaves in a well-known scratch
// slot when it traps back to the driver (spec 4.8, 7, 9: "trap sequences
// embedded in emitted host code ... via a known host-ABI boundary").
type trapReason byte

const (
	trapCountdown trapReason = iota
	trapExit
	trapCrash
	trapIllegal
	trapInvalidated
	trapInterpFallback
	trapDebug
	trapDispatch
)

// Real amd64 opcode bytes used by the emitters below. Each emitter targets
// the "state in memory" ABI spec 3 describes: A/X/Y/S/PC/flags/scratch all
// live at fixed offsets from a reserved base register (hostStateReg),
// rather than being kept live in host registers across opcodes, mirroring
// how the original assembler operates directly on the state_6502 struct.
const (
	hostStateReg = 5 // RBP, holds &State6502 for the duration of a block

	x86MovR8Imm8    = 0xB0 // + reg
	x86MovM8R8      = 0x88
	x86MovR8M8      = 0x8A
	x86MovM32Imm32  = 0xC7
	x86AddM8R8      = 0x00
	x86AddR8Imm8    = 0x04 // AL, imm8
	x86SubR8Imm8    = 0x2C
	x86AndR8Imm8    = 0x24
	x86OrR8Imm8     = 0x0C
	x86XorR8Imm8    = 0x34
	x86CmpR8Imm8    = 0x3C
	x86IncM8        = 0xFE
	x86DecM8        = 0xFE
	x86Jmp32        = 0xE9
	x86CallRel32    = 0xE8
	x86Ret          = 0xC3
	x86Int3         = 0xCC // not emitted: every trap goes through emitTrap
	x86UD2First     = 0x0F // UD2 = 0F 0B, not emitted either
	x86UD2Second    = 0x0B
)

// codeBuffer is a small host-code emission buffer, analogous to beebjit's
// util_buffer: tracks a base host address so branch targets can be
// resolved to relative displacements as they're emitted.
type codeBuffer struct {
	base uintptr
	buf  []byte
}

func newCodeBuffer(base uintptr, cap int) *codeBuffer {
	return &codeBuffer{base: base, buf: make([]byte, 0, cap)}
}

func (c *codeBuffer) pos() uintptr { return c.base + uintptr(len(c.buf)) }

func (c *codeBuffer) b(v byte)     { c.buf = append(c.buf, v) }
func (c *codeBuffer) bytes(v ...byte) { c.buf = append(c.buf, v...) }

func (c *codeBuffer) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	c.buf = append(c.buf, tmp[:]...)
}

func (c *codeBuffer) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	c.buf = append(c.buf, tmp[:]...)
}

func (c *codeBuffer) append(other *codeBuffer) { c.buf = append(c.buf, other.buf...) }

// dispatchTrapPrefix opens both a never-yet-compiled slot's trampoline and
// a freshly invalidated block's re-entry trap (spec 4.7's invalidation
// trap; glossary: "forces re-entry into the driver"). A real compiled
// block's first bytes are always EmitCountdown's prologue (0x81, 0x6D,
// ...), so this prefix is unambiguous as a "not live code" marker while
// also being directly executable -- a branch or continuation jump that
// lands here (rather than going through the driver's own lookup) runs it
// like any other host code and still ends up back in the driver.
var dispatchTrapPrefix = [3]byte{0xC7, 0x45, byte(offsetPC)}

// writeDispatchTrap installs the fixed trap sequence that forces re-entry
// into the driver whenever a slot is entered directly at the host level --
// either because pc has never been compiled, or because its prior
// translation was invalidated (spec 4.7). Used both to pre-fill every
// arena slot at startup (arena.go's fillDispatchTraps) and to re-install
// the same trap over a stale block (invalidate.go's invalidateBlock).
func writeDispatchTrap(slot []byte, pc uint16) {
	slot[0], slot[1], slot[2] = dispatchTrapPrefix[0], dispatchTrapPrefix[1], dispatchTrapPrefix[2]
	binary.LittleEndian.PutUint32(slot[3:7], uint32(pc))
	slot[7], slot[8], slot[9] = 0xC7, 0x45, byte(offsetHostValue)
	binary.LittleEndian.PutUint32(slot[10:14], uint32(trapDispatch))
	slot[14] = x86Ret
}

// maxMicroOpBytes bounds any single assembler call's output (spec 4.4:
// "every emitted sequence is at most a fixed maximum length"); 64 covers
// the longest sequence below (the dynamic absolute-indexed store with its
// inline self-modify check, 63 bytes).
const maxMicroOpBytes = 64

// stateOffset mirrors asm_defs_host.h's K_STATE_6502_OFFSET_* constants:
// fixed byte displacements of each State6502 field from hostStateReg.
type stateOffset uint32

const (
	offsetA         stateOffset = 0
	offsetX         stateOffset = 4
	offsetY         stateOffset = 8
	offsetS         stateOffset = 12
	offsetPC        stateOffset = 16
	offsetFlags     stateOffset = 20
	offsetIRQFire   stateOffset = 24
	offsetCountdown stateOffset = 28
	offsetHostFlags stateOffset = 32
	offsetHostValue stateOffset = 36
	offsetWriteAddr stateOffset = 40
)

func regOffset(r writesReg) stateOffset {
	switch r {
	case regA:
		return offsetA
	case regX:
		return offsetX
	case regY:
		return offsetY
	case regS:
		return offsetS
	default:
		return offsetA
	}
}

// Assembler emits host machine code for one 6502 opcode or micro-op at a
// time (spec 4.4). It never allocates per call beyond the destination
// buffer and is safe to reuse across blocks; compilerState carries the
// intra-block known-value tracking that decides rewrites before calling in.
type Assembler struct {
	mem          *Memory
	resolver     func(addr uint16) uintptr // host address resolver, spec 4.6
	compiledBase uintptr                    // CodeArena.CompiledBase(), baked into every native store's SMC check
}

func NewAssembler(mem *Memory, resolver func(uint16) uintptr, compiledBase uintptr) *Assembler {
	return &Assembler{mem: mem, resolver: resolver, compiledBase: compiledBase}
}

// EmitCountdown emits the COUNTDOWN micro-op: subtract cycles from the
// countdown scratch slot, trap to the driver if it goes negative
// (spec 4.4, 4.8: "Every compiled block prepends a COUNTDOWN micro-op").
func (a *Assembler) EmitCountdown(buf *codeBuffer, cycles int32) {
	// sub dword [rbp+offsetCountdown], cycles (the immediate is patched
	// once the full block's cycle total is known, see patchCountdown)
	buf.bytes(0x81, 0x6D, byte(offsetCountdown))
	buf.u32(uint32(cycles))
	// js +8 : skip over the inline trap tail when countdown is still
	// non-negative. The tail is fixed at 8 bytes (mov m32,imm32 + ret), so
	// no later patching of this displacement is ever needed.
	buf.bytes(0x78, 0x08)
	buf.bytes(0xC7, 0x45, byte(offsetHostValue))
	buf.u32(uint32(trapCountdown))
	buf.b(x86Ret)
}

// EmitFlagOp emits FLAG_A / FLAG_X / FLAG_Y: set N and Z from the named
// register's in-memory slot (spec 4.4).
func (a *Assembler) EmitFlagOp(buf *codeBuffer, reg writesReg) {
	off := regOffset(reg)
	buf.bytes(0x8A, 0x4D, byte(off))               // mov cl, [rbp+off]
	buf.bytes(0x0F, 0xB6, 0x45, byte(offsetFlags)) // movzx eax, byte [rbp+flags]
	buf.bytes(0x24, ^byte(FlagN|FlagZ))            // and al, ^(N|Z)
	buf.bytes(0x84, 0xC9)                          // test cl, cl
	buf.bytes(0x75, 0x02)                          // jnz +2: skip setting Z
	buf.bytes(0x0C, byte(FlagZ))                   // or al, Z
	buf.bytes(0x80, 0xE1, byte(FlagN))             // and cl, 0x80 (bit 7 is the N bit)
	buf.bytes(0x08, 0xC8)                          // or al, cl
	buf.bytes(0x88, 0x45, byte(offsetFlags))       // mov [rbp+flags], al
}

// EmitAddImm emits ADD_IMM: A += imm8, no carry in (ADC specialized when
// carry and decimal mode are known clear, spec 4.4/4.5).
func (a *Assembler) EmitAddImm(buf *codeBuffer, imm byte) {
	buf.bytes(0x80, 0x45, byte(offsetA), imm) // add byte [rbp+offsetA], imm8
}

// EmitSaveCarry persists the host carry flag into the 6502 flags byte:
// clear bit 0, then OR in the host carry (spec 4.4).
func (a *Assembler) EmitSaveCarry(buf *codeBuffer) {
	buf.bytes(0x0F, 0x92, 0xC1)                    // setb cl (before the and below clobbers CF)
	buf.bytes(0x0F, 0xB6, 0x45, byte(offsetFlags)) // movzx eax, byte [rbp+flags]
	buf.bytes(0x24, ^byte(FlagC))                  // and al, ^FlagC
	buf.bytes(0x08, 0xC8)                          // or al, cl
	buf.bytes(0x88, 0x45, byte(offsetFlags))       // mov [rbp+flags], al
}

// EmitSaveOverflow persists the host overflow flag into the 6502 flags
// byte, same shape as EmitSaveCarry but targeting the V bit.
func (a *Assembler) EmitSaveOverflow(buf *codeBuffer) {
	buf.bytes(0x0F, 0x90, 0xC1) // seto cl (before the and below clears OF)
	buf.bytes(0xC0, 0xE1, 0x06) // shl cl, 6: move it to the V bit
	buf.bytes(0x0F, 0xB6, 0x45, byte(offsetFlags))
	buf.bytes(0x24, ^byte(FlagV))
	buf.bytes(0x08, 0xC8)
	buf.bytes(0x88, 0x45, byte(offsetFlags))
}

// EmitStoaImm emits STOA_IMM: store a known constant byte to an
// absolute/zeropage guest address (STA specialized when A is known,
// spec 4.4/4.5).
func (a *Assembler) EmitStoaImm(buf *codeBuffer, guestAddr uint16, value byte, nextPC uint16) {
	base := a.mem.ViewBase(ViewWrite)
	buf.bytes(0xC6, 0x04, 0x25) // mov byte [abs32], imm8
	buf.u32(uint32(base) + uint32(guestAddr))
	buf.b(value)
	a.emitSelfModifyCheckConst(buf, guestAddr, nextPC)
}

// EmitExit/EmitCrash/EmitIllegal emit the three terminal trap sequences
// (spec 4.4), each a single emitTrap with its own reason.
// emitTrap ends compiled execution and returns control to the Go caller
// (spec 9: "compiled code uses a flat call style; no stack unwinding into
// compiled code is required"): stage the reason in HostValue, then a
// plain `ret` back to whatever issued the `call` into this block.
func (a *Assembler) emitTrap(buf *codeBuffer, reason trapReason) {
	buf.bytes(0xC7, 0x45, byte(offsetHostValue))
	buf.u32(uint32(reason))
	buf.b(x86Ret)
}

func (a *Assembler) EmitExit(buf *codeBuffer)    { a.emitTrap(buf, trapExit) }
func (a *Assembler) EmitCrash(buf *codeBuffer)   { a.emitTrap(buf, trapCrash) }
func (a *Assembler) EmitIllegal(buf *codeBuffer) { a.emitTrap(buf, trapIllegal) }

// EmitInterpFallback emits a trap that hands exactly one instruction at
// pc to the interpreter and resumes compiled code afterwards
// (spec 4.3, 4.5): used for addressing modes the compiler doesn't
// natively translate.
func (a *Assembler) EmitInterpFallback(buf *codeBuffer, pc uint16) {
	buf.bytes(0xC7, 0x45, byte(offsetPC))
	buf.u32(uint32(pc))
	a.emitTrap(buf, trapInterpFallback)
}

// emitSelfModifyCheckConst emits the SMC-detection tail every native store
// to a compile-time-known guest address appends after the write itself
// (spec 4.7: a write into a live compiled block's source range must
// invalidate it). addr is baked in as an immediate; nextPC is the guest
// address execution should resume from once the invalidation has run --
// the instruction that owns this store has already fully retired by the
// time the check runs, so nextPC is simply pc+length.
func (a *Assembler) emitSelfModifyCheckConst(buf *codeBuffer, addr uint16, nextPC uint16) {
	buf.bytes(0x80, 0x3C, 0x25) // cmp byte [disp32], 0
	buf.u32(uint32(a.compiledBase) + uint32(addr))
	buf.b(0x00)
	buf.bytes(0x74, 0x00) // je skip (patched below once the trap's length is known)
	jccOffset := len(buf.buf) - 1

	buf.bytes(0xC7, 0x45, byte(offsetWriteAddr))
	buf.u32(uint32(addr))
	buf.bytes(0xC7, 0x45, byte(offsetPC))
	buf.u32(uint32(nextPC))
	a.emitTrap(buf, trapInvalidated)

	buf.buf[jccOffset] = byte(len(buf.buf) - (jccOffset + 1))
}

// emitSelfModifyCheckReg is emitSelfModifyCheckConst's variant for a store
// whose effective address was computed at runtime and is sitting in eax at
// the point of the call (the indexed-store tail in finishIndexedLoadStore):
// the checked byte is read via [eax+compiledBase] and the written address
// staged from eax itself rather than from an immediate.
func (a *Assembler) emitSelfModifyCheckReg(buf *codeBuffer, nextPC uint16) {
	buf.bytes(0x80, 0xB8) // cmp byte [eax+disp32], 0
	buf.u32(uint32(a.compiledBase))
	buf.b(0x00)
	buf.bytes(0x74, 0x00) // je skip (patched below)
	jccOffset := len(buf.buf) - 1

	buf.bytes(0x89, 0x45, byte(offsetWriteAddr)) // mov [rbp+writeAddr], eax
	buf.bytes(0xC7, 0x45, byte(offsetPC))
	buf.u32(uint32(nextPC))
	a.emitTrap(buf, trapInvalidated)

	buf.buf[jccOffset] = byte(len(buf.buf) - (jccOffset + 1))
}

// EmitInvalidationSequence overwrites a stale block's host entry with the
// same dispatch trap a never-compiled slot starts with, so any direct jump
// still targeting it -- from another block's branch or continuation, not
// just the driver's own lookup -- safely re-enters the driver instead of
// running stale bytes (spec 4.7).
func (a *Assembler) EmitInvalidationSequence(dst []byte, pc uint16) {
	writeDispatchTrap(dst, pc)
}

// IsInvalidated reports whether host code starting at p is currently a
// dispatch trap rather than live compiled code -- true both for a block
// that has been explicitly invalidated and for a guest address that has
// never been compiled at all (spec 4.7).
func IsInvalidated(p []byte) bool {
	return len(p) >= 3 && p[0] == dispatchTrapPrefix[0] && p[1] == dispatchTrapPrefix[1] && p[2] == dispatchTrapPrefix[2]
}

// EmitNative emits host code for a single 6502 opcode the compiler
// translates directly (everything not routed to EmitInterpFallback).
// Supported modes: implied/accumulator, immediate, zero page, absolute,
// absolute indexed (for load/store only), and relative (branches).
// Anything else must go through EmitInterpFallback -- the compiler decides
// which path to take in compiler.go's emitOpcode.
func (a *Assembler) EmitNative(buf *codeBuffer, d *opcodeDescriptor) {
	switch d.mode {
	case modeImp:
		a.emitImplied(buf, d)
	case modeImm:
		a.emitImmediate(buf, d)
	case modeZp, modeAbs:
		a.emitDirect(buf, d)
	case modeAbx, modeAby:
		a.emitIndexedLoadStore(buf, d)
	case modeRel:
		a.emitBranch(buf, d)
	default:
		// modeZpx/Zpy/Izx/Izy/Ind, and absolute-indexed opcodes other than
		// LDA/STA: no dedicated emitter, drop to the interpreter for this
		// one instruction (spec 4.3).
		a.EmitInterpFallback(buf, d.pc)
	}
}

func (a *Assembler) emitImplied(buf *codeBuffer, d *opcodeDescriptor) {
	switch d.op {
	case opCLC:
		buf.bytes(0x80, 0x65, byte(offsetFlags), ^byte(FlagC))
	case opSEC:
		buf.bytes(0x80, 0x4D, byte(offsetFlags), byte(FlagC))
	case opCLD:
		buf.bytes(0x80, 0x65, byte(offsetFlags), ^byte(FlagD))
	case opSED:
		buf.bytes(0x80, 0x4D, byte(offsetFlags), byte(FlagD))
	case opCLI:
		buf.bytes(0x80, 0x65, byte(offsetFlags), ^byte(FlagI))
	case opSEI:
		buf.bytes(0x80, 0x4D, byte(offsetFlags), byte(FlagI))
	case opCLV:
		buf.bytes(0x80, 0x65, byte(offsetFlags), ^byte(FlagV))
	case opINX:
		buf.bytes(0xFE, 0x45, byte(offsetX))
	case opINY:
		buf.bytes(0xFE, 0x45, byte(offsetY))
	case opDEX:
		buf.bytes(0xFE, 0x4D, byte(offsetX))
	case opDEY:
		buf.bytes(0xFE, 0x4D, byte(offsetY))
	case opTAX:
		buf.bytes(0x8A, 0x45, byte(offsetA), 0x88, 0x45, byte(offsetX))
	case opTAY:
		buf.bytes(0x8A, 0x45, byte(offsetA), 0x88, 0x45, byte(offsetY))
	case opTXA:
		buf.bytes(0x8A, 0x45, byte(offsetX), 0x88, 0x45, byte(offsetA))
	case opTYA:
		buf.bytes(0x8A, 0x45, byte(offsetY), 0x88, 0x45, byte(offsetA))
	case opTXS:
		buf.bytes(0x8A, 0x45, byte(offsetX), 0x88, 0x45, byte(offsetS))
	case opTSX:
		buf.bytes(0x8A, 0x45, byte(offsetS), 0x88, 0x45, byte(offsetX))
	case opNOP:
		buf.b(0x90)
	case opEXIT:
		// Leave PC at the EXIT opcode itself, as the interpreter does.
		buf.bytes(0xC7, 0x45, byte(offsetPC))
		buf.u32(uint32(d.pc))
		a.EmitExit(buf)
	case opPHA, opPHP, opPLA, opPLP:
		a.emitStackOp(buf, d.pc)
	case opRTS, opRTI, opBRK:
		// Control-transfer-via-stack: handled by the interpreter, since
		// the stack pointer's target 6502 address isn't known at compile
		// time the way a JMP's is.
		a.EmitInterpFallback(buf, d.pc)
	default:
		a.EmitInterpFallback(buf, d.pc)
	}
}

func (a *Assembler) emitStackOp(buf *codeBuffer, pc uint16) {
	// All four are data-movement to/from the guest stack page; routed
	// through the interpreter fallback since they touch the write view at
	// a runtime-computed address ($0100 | S) that's cheaper to express as
	// a single interpreter step than to inline here.
	a.EmitInterpFallback(buf, pc)
}

func (a *Assembler) emitImmediate(buf *codeBuffer, d *opcodeDescriptor) {
	imm := byte(d.value)
	switch d.op {
	case opLDA:
		buf.bytes(0xC6, 0x45, byte(offsetA), imm)
	case opLDX:
		buf.bytes(0xC6, 0x45, byte(offsetX), imm)
	case opLDY:
		buf.bytes(0xC6, 0x45, byte(offsetY), imm)
	case opADC:
		// The carry-and-decimal-known-clear case is rewritten to ADD_IMM in
		// compiler.go's processOpcode; any ADC reaching here needs the live
		// carry and decimal flags, which only the interpreter models.
		a.EmitInterpFallback(buf, d.pc)
	case opAND:
		buf.bytes(0x8A, 0x45, byte(offsetA), x86AndR8Imm8, imm, 0x88, 0x45, byte(offsetA))
	case opORA:
		buf.bytes(0x8A, 0x45, byte(offsetA), x86OrR8Imm8, imm, 0x88, 0x45, byte(offsetA))
	case opEOR:
		buf.bytes(0x8A, 0x45, byte(offsetA), x86XorR8Imm8, imm, 0x88, 0x45, byte(offsetA))
	case opCMP:
		buf.bytes(0x80, 0x7D, byte(offsetA), imm)
	case opCPX:
		buf.bytes(0x80, 0x7D, byte(offsetX), imm)
	case opCPY:
		buf.bytes(0x80, 0x7D, byte(offsetY), imm)
	default:
		a.EmitInterpFallback(buf, d.pc) // SBC immediate: decimal-mode corner case, see spec 4.3
	}
}

// emitDirect translates zero page / absolute opcodes: stores go through the
// Write-view absolute base, reads through the Read-view base.
func (a *Assembler) emitDirect(buf *codeBuffer, d *opcodeDescriptor) {
	addr := uint16(d.value)
	readBase := uint32(a.mem.ViewBase(ViewRead)) + uint32(addr)
	writeBase := uint32(a.mem.ViewBase(ViewWrite)) + uint32(addr)

	loadToAL := func() {
		buf.bytes(0x8A, 0x04, 0x25)
		buf.u32(readBase)
	}
	storeFromAL := func() {
		buf.bytes(0x88, 0x04, 0x25)
		buf.u32(writeBase)
	}

	switch d.op {
	case opLDA:
		loadToAL()
		buf.bytes(0x88, 0x45, byte(offsetA))
	case opLDX:
		loadToAL()
		buf.bytes(0x88, 0x45, byte(offsetX))
	case opLDY:
		loadToAL()
		buf.bytes(0x88, 0x45, byte(offsetY))
	case opSTA:
		buf.bytes(0x8A, 0x45, byte(offsetA))
		storeFromAL()
		a.emitSelfModifyCheckConst(buf, addr, d.pc+uint16(d.length))
	case opSTX:
		buf.bytes(0x8A, 0x45, byte(offsetX))
		storeFromAL()
		a.emitSelfModifyCheckConst(buf, addr, d.pc+uint16(d.length))
	case opSTY:
		buf.bytes(0x8A, 0x45, byte(offsetY))
		storeFromAL()
		a.emitSelfModifyCheckConst(buf, addr, d.pc+uint16(d.length))
	case opINC:
		buf.bytes(0xFE, 0x04, 0x25)
		buf.u32(writeBase)
		a.emitSelfModifyCheckConst(buf, addr, d.pc+uint16(d.length))
	case opDEC:
		buf.bytes(0xFE, 0x0C, 0x25)
		buf.u32(writeBase)
		a.emitSelfModifyCheckConst(buf, addr, d.pc+uint16(d.length))
	case opADC:
		a.EmitInterpFallback(buf, d.pc) // carry in and decimal mode are not modeled natively
	case opAND:
		loadToAL()
		buf.bytes(0x20, 0x45, byte(offsetA))
	case opORA:
		loadToAL()
		buf.bytes(0x08, 0x45, byte(offsetA))
	case opEOR:
		loadToAL()
		buf.bytes(0x30, 0x45, byte(offsetA))
	case opCMP:
		loadToAL()
		buf.bytes(0x38, 0x45, byte(offsetA))
	case opBIT:
		loadToAL()
		buf.bytes(0x84, 0x45, byte(offsetA)) // test [rbp+A], al
	default:
		a.EmitInterpFallback(buf, d.pc)
	}
}

// emitIndexedLoadStore supports LDA/STA absolute,X / absolute,Y -- the
// modes exercised by the dynamic-operand scenario in spec 8 (S4). Other
// absolute-indexed opcodes fall back to the interpreter. The base address
// is baked in as an immediate the first time a given opcode site is
// compiled; once the invalidator has promoted that site to dynamic (its
// literal has been self-modified past the trigger threshold), compiler.go
// instead calls emitIndexedLoadStoreDynamic so the base is re-read from
// guest memory on every execution rather than trapping on every write.
func (a *Assembler) emitIndexedLoadStore(buf *codeBuffer, d *opcodeDescriptor) {
	if d.op != opLDA && d.op != opSTA {
		a.EmitInterpFallback(buf, d.pc)
		return
	}
	idx := offsetX
	if d.mode == modeAby {
		idx = offsetY
	}
	// Compute effective address into eax: movzx eax, byte [rbp+idx]; add
	// eax, imm32(addr); then index memory views indirectly via eax.
	buf.bytes(0x0F, 0xB6, 0x45, byte(idx)) // movzx eax, byte [rbp+idx]
	buf.bytes(0x05)                        // add eax, imm32
	buf.u32(uint32(d.value))

	a.finishIndexedLoadStore(buf, d.op, d.pc+uint16(d.length))
}

// emitIndexedLoadStoreDynamic is emitIndexedLoadStore's dynamic-operand
// variant (spec 4.5/4.7 operand promotion): instead of baking d.value as
// a literal, it re-reads the two operand bytes out of the guest read view
// at their fixed code location (d.pc+1, d.pc+2) on every execution, so a
// self-modifying write to those bytes no longer has to invalidate this
// block to take effect.
func (a *Assembler) emitIndexedLoadStoreDynamic(buf *codeBuffer, d *opcodeDescriptor) {
	if d.op != opLDA && d.op != opSTA {
		a.EmitInterpFallback(buf, d.pc)
		return
	}
	idx := offsetX
	if d.mode == modeAby {
		idx = offsetY
	}
	readBase := uint32(a.mem.ViewBase(ViewRead))
	loOff := readBase + uint32(d.pc) + 1
	hiOff := readBase + uint32(d.pc) + 2

	buf.bytes(0x0F, 0xB6, 0x0C, 0x25) // movzx ecx, byte [disp32] (operand low byte)
	buf.u32(loOff)
	buf.bytes(0x0F, 0xB6, 0x14, 0x25) // movzx edx, byte [disp32] (operand high byte)
	buf.u32(hiOff)
	buf.bytes(0xC1, 0xE2, 0x08) // shl edx, 8
	buf.bytes(0x01, 0xD1)       // add ecx, edx -- ecx now holds the live operand address
	buf.bytes(0x0F, 0xB6, 0x45, byte(idx)) // movzx eax, byte [rbp+idx]
	buf.bytes(0x01, 0xC8)                   // add eax, ecx

	a.finishIndexedLoadStore(buf, d.op, d.pc+uint16(d.length))
}

// finishIndexedLoadStore is the tail both indexed-load-store variants
// share once eax holds the final guest effective address: move the
// architectural byte between A and the view memory at [rax+viewBase].
func (a *Assembler) finishIndexedLoadStore(buf *codeBuffer, op mnemonic, nextPC uint16) {
	if op == opLDA {
		base := uint32(a.mem.ViewBase(ViewRead))
		buf.bytes(0x8A, 0x80) // mov al, [rax+base]
		buf.u32(base)
		buf.bytes(0x88, 0x45, byte(offsetA))
	} else {
		buf.bytes(0x8A, 0x4D, byte(offsetA)) // mov cl, [rbp+A]
		base := uint32(a.mem.ViewBase(ViewWrite))
		buf.bytes(0x88, 0x88) // mov [rax+base], cl
		buf.u32(base)
		a.emitSelfModifyCheckReg(buf, nextPC)
	}
}

// emitBranch emits a conditional or unconditional jump to the target
// block's resolved host entry (spec 4.5.e, 4.6). The jump displacement is
// filled in as a 32-bit placeholder; compiler.go patches it once the
// target's host address is known (it always is, since the resolver can
// always produce a block-entry address -- compiled or not).
func (a *Assembler) emitBranch(buf *codeBuffer, d *opcodeDescriptor) branchPatch {
	cc, ok := conditionCode(d.op)
	if ok {
		buf.bytes(0x0F, 0x80|cc)
	} else {
		buf.b(x86Jmp32)
	}
	dispOffset := len(buf.buf)
	buf.u32(0) // placeholder, patched by the compiler once the target resolves
	return branchPatch{bufOffset: dispOffset, target: d.target}
}

// branchPatch records a not-yet-resolved jump displacement for the
// compiler to fix up once it knows the target's host address.
type branchPatch struct {
	bufOffset int
	target    uint16
}

// emitContinuationJump emits the unconditional host jump a continuation
// block's tail falls through to (spec 4.5 step 3): "the original block's
// tail emits an unconditional host jump into" whatever covers the next
// guest address. Unlike emitBranch's intra-block targets, this
// displacement is resolved immediately rather than queued as a
// branchPatch -- the arena's per-guest-byte slot addressing (spec 4.6) is
// fixed before a single byte of that slot is compiled, so the target
// address never changes once this jump is written.
func (a *Assembler) emitContinuationJump(buf *codeBuffer, target uint16) {
	buf.b(x86Jmp32)
	disp := int64(a.resolver(target)) - int64(buf.pos()+4)
	buf.u32(uint32(int32(disp)))
}

func conditionCode(op mnemonic) (byte, bool) {
	switch op {
	case opBCC:
		return 0x3, true // JAE/JNB
	case opBCS:
		return 0x2, true // JB
	case opBEQ:
		return 0x4, true // JE
	case opBNE:
		return 0x5, true // JNE
	case opBMI:
		return 0x8, true // JS
	case opBPL:
		return 0x9, true // JNS
	case opBVC:
		return 0x1, true // JNO
	case opBVS:
		return 0x0, true // JO
	default:
		return 0, false
	}
}
