package machine

import "encoding/binary"

// knownState tracks, within a single block under compilation, which
// registers and flags the compiler can prove the value of at this point
// (spec 4.5: "constant propagation within a block"). Mirrors
// jit_compiler.c's jit_compiler struct fields (reg_a, reg_x, reg_y,
// flag_carry, flag_decimal).
type knownState struct {
	aKnown, xKnown, yKnown bool
	a, x, y                byte

	carryKnown bool
	carry      bool

	decimalKnown bool
	decimal      bool
}

func (k *knownState) reset() { *k = knownState{} }

// forget clears knowledge of whichever register an opcode's primary
// effect overwrites (spec 4.5 step 2d).
func (k *knownState) forget(reg writesReg) {
	switch reg {
	case regA:
		k.aKnown = false
	case regX:
		k.xKnown = false
	case regY:
		k.yKnown = false
	}
}

// Block is one compiled translation unit: a run of guest bytes starting
// at StartPC and the host bytes translating them (spec 3, 4.5).
type Block struct {
	StartPC    uint16
	Length     int  // guest bytes covered
	EndsBlock  bool // true if a block-ending branch was reached; false for a continuation (spec 4.5 step 3)
	HostCode   []byte
	OpCount    int
}

// maxOpsDefault is the per-block opcode budget DefaultConfig uses and
// NewCompiler falls back to when Config.MaxOps is zero or negative; tests
// that need a continuation after a few opcodes set Config.MaxOps
// explicitly (TestContinuationSplit uses 4).
const maxOpsDefault = 250

// Compiler translates one basic block of 6502 code at a time into host
// machine code (spec 4.5). It owns no long-lived registers of its own:
// every call to CompileBlock starts a fresh knownState and fresh
// codeBuffer, so a Compiler value is safe to reuse (and to share across
// blocks compiled back-to-back by the driver on the single emulation
// thread -- spec 5).
type Compiler struct {
	mem        *Memory
	arena      *CodeArena
	asm        *Assembler
	invalidator *Invalidator
	maxOps     int
	optimizing bool
}

// NewCompiler takes the same *Invalidator the driver's write-intercept
// path uses, so the compiler can consult IsDynamic when deciding whether
// an indexed load/store's operand is still safe to bake in as a literal
// (spec 4.5, 4.7, scenario S4/S5).
func NewCompiler(mem *Memory, arena *CodeArena, asm *Assembler, invalidator *Invalidator, cfg Config) *Compiler {
	maxOps := cfg.MaxOps
	if maxOps <= 0 {
		maxOps = maxOpsDefault
	}
	return &Compiler{mem: mem, arena: arena, asm: asm, invalidator: invalidator, maxOps: maxOps, optimizing: cfg.Optimizing}
}

// pendingBranch is a branch emitted mid-block whose 32-bit displacement
// needs patching once the block is finished; every target resolves to its
// guest address's arena slot (see resolvePendingBranches).
type pendingBranch struct {
	patch  branchPatch
	target uint16
}

// CompileBlock translates guest code starting at pc into a single host
// Block, stopping at the first unconditional control-transfer opcode or
// once maxOps opcodes have been emitted -- whichever comes first
// (spec 4.5 steps 1-3). A block stopped by the op budget is a
// "continuation": EndsBlock is false and the block ends in a host jump to
// the next guest address's arena slot, whose dispatch trap hands that
// address back to the driver to compile if no block starts there yet
// (spec 4.5 step 3, 4.8).
func (c *Compiler) CompileBlock(pc uint16) Block {
	var known knownState
	host := newCodeBuffer(c.arena.Resolver()(pc), bytesPerGuestByte)
	var pending []pendingBranch

	cur := pc
	opCount := 0
	endsBlock := false

	// COUNTDOWN is prepended once per block (spec 4.4, 4.8).
	c.asm.EmitCountdown(host, 0) // cycle total patched below once known

	cyclesTotal := int32(0)
	for opCount < c.maxOps {
		d := decodeOpcode(c.mem, cur)
		cyclesTotal += int32(d.cycles)

		c.processOpcode(host, &known, &d, &pending, pc)

		known.forget(d.writes)
		if changesCarry(d.op) {
			known.carryKnown = false
		}

		cur += uint16(d.length)
		opCount++

		if d.branch == branchAlways {
			endsBlock = true
			break
		}
		if d.branch == branchConditional {
			// Conditional branches never end the block (spec 4.5 step 2c);
			// the not-taken path simply falls through to the next opcode.
			continue
		}
	}

	if !endsBlock {
		// Continuation (spec 4.5): the block stopped solely because
		// max_ops was reached. Its tail falls through to an unconditional
		// host jump into whatever covers the next guest address -- that
		// address becomes a continuation head the first time it's
		// entered, compiled lazily just like any other block entry.
		c.asm.emitContinuationJump(host, cur)
	}

	c.patchCountdown(host, cyclesTotal)
	c.resolvePendingBranches(host, pending)

	length := int(cur - pc)
	block := Block{
		StartPC:   pc,
		Length:    length,
		EndsBlock: endsBlock,
		HostCode:  host.buf,
		OpCount:   opCount,
	}
	c.emitInto(pc, host.buf)
	c.arena.MarkCompiled(pc, length)
	return block
}

// processOpcode implements the peephole rewrites jit_compiler.c's
// jit_compiler_process_opcode performs: specialize ADC-immediate to
// ADD_IMM when carry and decimal mode are known clear, and STA-zp/abs to
// STOA_IMM when A's value is known, falling back to the plain opcode
// translation otherwise (spec 4.4, 4.5 step 2a-2b). Both rewrites are
// applied only when the compiler is optimizing.
func (c *Compiler) processOpcode(host *codeBuffer, known *knownState, d *opcodeDescriptor, pending *[]pendingBranch, blockPC uint16) {
	switch {
	case c.optimizing && d.op == opADC && d.mode == modeImm && known.carryKnown && !known.carry && known.decimalKnown && !known.decimal:
		c.asm.EmitAddImm(host, byte(d.value))
		if d.secondOK {
			c.emitSecondUop(host, known, d.second)
		}
		known.aKnown = false // the sum is not tracked
		return

	case c.optimizing && d.op == opSTA && (d.mode == modeZp || d.mode == modeAbs) && known.aKnown:
		c.asm.EmitStoaImm(host, uint16(d.value), known.a, d.pc+uint16(d.length))
		return

	case (d.op == opLDA || d.op == opSTA) && (d.mode == modeAbx || d.mode == modeAby) && c.invalidator.IsDynamic(blockPC):
		// Operand promoted past the invalidation threshold (spec 4.5,
		// 4.7): stop baking the literal address in, read it live instead.
		c.asm.emitIndexedLoadStoreDynamic(host, d)
		return

	case d.branch == branchConditional || (d.op == opJMP && d.mode == modeAbs):
		patch := c.asm.emitBranch(host, d)
		*pending = append(*pending, pendingBranch{patch: patch, target: d.target})
		return
	}

	c.asm.EmitNative(host, d)
	if d.secondOK {
		c.emitSecondUop(host, known, d.second)
	}

	switch {
	case d.op == opLDA && d.mode == modeImm:
		known.aKnown, known.a = true, byte(d.value)
	case d.op == opLDX && d.mode == modeImm:
		known.xKnown, known.x = true, byte(d.value)
	case d.op == opLDY && d.mode == modeImm:
		known.yKnown, known.y = true, byte(d.value)
	case d.op == opCLC:
		known.carryKnown, known.carry = true, false
	case d.op == opSEC:
		known.carryKnown, known.carry = true, true
	case d.op == opCLD:
		known.decimalKnown, known.decimal = true, false
	case d.op == opSED:
		known.decimalKnown, known.decimal = true, true
	default:
		// Conservative: any opcode not recognized above as setting a
		// specific known value forgets A/X/Y outright rather than risk a
		// stale cached value feeding a later STOA_IMM/ADD_IMM rewrite
		// (spec 4.5 step 2d).
		known.aKnown, known.xKnown, known.yKnown = false, false, false
	}
}

func (c *Compiler) emitSecondUop(host *codeBuffer, known *knownState, uop microOp) {
	switch uop {
	case uopFlagA:
		c.asm.EmitFlagOp(host, regA)
	case uopFlagX:
		c.asm.EmitFlagOp(host, regX)
	case uopFlagY:
		c.asm.EmitFlagOp(host, regY)
	case uopSaveCarry:
		c.asm.EmitSaveCarry(host)
		known.carryKnown = false
	}
}

// patchCountdown rewrites the COUNTDOWN prologue's immediate cycle count
// now that the full block's cost is known (spec 4.4/4.5: a block commits
// its entire cycle cost up front).
func (c *Compiler) patchCountdown(host *codeBuffer, cycles int32) {
	if len(host.buf) < 7 {
		return
	}
	binary.LittleEndian.PutUint32(host.buf[3:7], uint32(cycles))
}

// resolvePendingBranches fills in each branch's 32-bit displacement now
// that the block's host code is complete. Every target, inside this block
// or not, resolves through the arena's fixed per-guest-byte slot
// addressing (spec 4.6), which is valid whether or not a block starts
// there -- such a slot holds the dispatch trap (installed by arena.go's
// fillDispatchTraps, or by invalidate.go's invalidateBlock), which returns
// to the driver to compile that address on demand.
func (c *Compiler) resolvePendingBranches(host *codeBuffer, pending []pendingBranch) {
	resolver := c.arena.Resolver()
	for _, p := range pending {
		targetHost := resolver(p.target)
		disp := int64(targetHost) - int64(host.base+uintptr(p.patch.bufOffset)+4)
		binary.LittleEndian.PutUint32(host.buf[p.patch.bufOffset:p.patch.bufOffset+4], uint32(int32(disp)))
	}
}

// emitInto copies the finished host bytes into the arena's fixed slot for
// pc (spec 4.6).
func (c *Compiler) emitInto(pc uint16, code []byte) {
	dst := c.arena.SlotFor(pc)
	copy(dst, code)
}
