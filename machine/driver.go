package machine

import (
	"fmt"
	"log"
	"math"
)

// HaltReason is why run_async's result reports a halt (spec 6:
// "run_result() reports the reason for last halt").
type HaltReason int

const (
	HaltCountdown HaltReason = iota
	HaltExited
	HaltDebugStop
	HaltFault
)

// RunResult is the public outcome of a driver run (spec 6, 9).
type RunResult struct {
	Reason  HaltReason
	PC      uint16 // address of the debug stop / fault, when applicable
	Detail  string // fault description, empty otherwise
}

// HostIPDetails is the inverse host-IP -> guest-PC lookup result
// (spec 4.6, 8 scenario S6).
type HostIPDetails struct {
	ExactMatch          bool
	PC6502              uint16
	Block6502           uint16
	PInvalidationBlock  bool
}

// DetailsFromHostIP answers "given a raw host instruction pointer, what
// guest code does it correspond to" (spec 4.6).
func (a *CodeArena) DetailsFromHostIP(hostIP uintptr) (HostIPDetails, bool) {
	pc, ok := a.HostIPToGuestPC(hostIP)
	if !ok {
		return HostIPDetails{}, false
	}
	blockStart, covered := a.BlockStart(pc)
	return HostIPDetails{
		ExactMatch:         a.ExactMatch(pc),
		PC6502:             pc,
		Block6502:          blockStart,
		PInvalidationBlock: covered && a.PInvalidationCodeBlock(blockStart),
	}, true
}

// Backend is the small capability record spec 9 calls for: "a small
// capability record {init, enter, destroy} passed to the driver; variants:
// interpreter-driver, JIT-driver." Both variants share the same Driver and
// differ only in how they execute up to the next countdown/IRQ/debug/exit
// boundary.
type Backend interface {
	Init(d *Driver) error
	Enter(d *Driver, countdown int64) RunResult
	Destroy(d *Driver)
}

// Driver is the JIT driver's public "run a while" entry point (spec 4.8,
// 9). It owns no architectural state itself -- State6502, Memory, and
// CodeArena are the context object spec 9 requires to be "explicitly
// passed to every operation", held here by reference for convenience.
type Driver struct {
	state *State6502
	mem   *Memory
	arena *CodeArena

	compiler   *Compiler
	invalidator *Invalidator
	interp     *Interp
	asm        *Assembler
	bus        *MessageBus
	logger     *log.Logger

	countdown   int64
	debugStopAt uint16
	debugStopOn bool

	// resumeNoSplit is set for the one dispatch immediately following a
	// trap that resumes mid-block rather than re-entering from outside:
	// a self-modify trap whose operand didn't invalidate (spec 4.7), or
	// an interp-fallback trap's single-instruction detour (spec 4.3).
	// See ensureCompiled.
	resumeNoSplit bool
}

func NewDriver(state *State6502, mem *Memory, arena *CodeArena, cfg Config, bus *MessageBus, logger *log.Logger) *Driver {
	asm := NewAssembler(mem, arena.Resolver(), arena.CompiledBase())
	invalidator := NewInvalidator(arena, asm, cfg.DynamicTrigger)
	return &Driver{
		state:       state,
		mem:         mem,
		arena:       arena,
		compiler:    NewCompiler(mem, arena, asm, invalidator, cfg),
		invalidator: invalidator,
		interp:      NewInterp(state, mem, bus, invalidator),
		asm:         asm,
		bus:         bus,
		logger:      logger,
	}
}

// SetDebugStop arms a one-shot breakpoint at pc; the next time either
// backend is about to execute at that address, Enter returns HaltDebugStop
// instead of continuing (spec 6: "debug stop at address").
func (d *Driver) SetDebugStop(pc uint16) {
	d.debugStopAt = pc
	d.debugStopOn = true
}

func (d *Driver) ClearDebugStop() { d.debugStopOn = false }

// InvalidateAll invalidates every compiled block at once (spec 4.7, 6:
// snapshot load invalidates the entire address space rather than one
// block at a time).
func (d *Driver) InvalidateAll() { d.arena.InvalidateAll() }

// InvalidateAt is the external entry point memory-write intercepts and
// subsystems that rewrite ROM banks call (spec 4.7 "explicit" trigger,
// spec 6 load_rom/make_sideways_ram/select_rom/set_block).
func (d *Driver) InvalidateAt(addr uint16) { d.invalidator.OnWrite(addr) }

// WriteGuest performs a guest memory write followed by the invalidation
// check every compiled store must also trigger (spec 4.1, 4.7).
func (d *Driver) WriteGuest(addr uint16, val byte) {
	d.mem.Write(addr, val)
	d.invalidator.OnWrite(addr)
}

// ensureCompiled implements the driver's block-lookup/compile-on-demand
// step (spec 4.8 step 1) together with the block-split trigger
// (spec 4.7 "Block split"): if pc lies strictly inside an existing live
// block, that block is invalidated first so a stale path can't re-enter
// between its head and pc.
//
// resumeNoSplit suppresses that split-invalidate step for exactly one
// dispatch: the address a self-modify or interp-fallback trap resumes at
// (spec 4.7, 4.3) is "strictly inside" the block that trapped purely
// because execution is continuing linearly through that same block, not
// because anything jumped into it from outside -- treating that as a
// fresh block split would either re-invalidate a site the write-time
// check already decided (or deliberately declined, for an already-dynamic
// operand) to invalidate, or needlessly fragment a block on every single
// interp-fallback opcode it contains.
func (d *Driver) ensureCompiled(pc uint16) uintptr {
	skipSplit := d.resumeNoSplit
	d.resumeNoSplit = false

	if d.arena.ExactMatch(pc) {
		return d.arena.Resolver()(pc)
	}
	if !skipSplit {
		if start, covered := d.arena.BlockStart(pc); covered && start != pc {
			d.invalidator.invalidateBlock(start)
			d.bus.Send(Message{Code: MessageBlockInvalidated, Value: int(start)})
		}
	}
	d.compiler.CompileBlock(pc)
	d.bus.Send(Message{Code: MessageBlockCompiled, Value: int(pc)})
	return d.arena.Resolver()(pc)
}

// RunJIT drives compiled-code execution until countdown is exhausted, an
// EXIT/CRASH/ILLEGAL trap fires, a debug stop is hit, or an invalidated
// block traps back (handled internally by recompiling and looping,
// spec 4.8 step 3).
//
// A block commits its entire cycle cost up front (assembler.go's
// EmitCountdown prologue), so State6502.Countdown has to be reloaded from
// the driver's own int64 budget before every dispatch rather than once at
// the top: each call consumes exactly the dispatched block's cyclesTotal
// regardless of which trap reason ends it, and that consumption is read
// back out of State6502.Countdown's overshoot after the call returns.
func (d *Driver) RunJIT(countdown int64) RunResult {
	d.countdown = countdown
	for {
		if d.debugStopOn && d.state.PC == d.debugStopAt {
			d.debugStopOn = false // one-shot
			return RunResult{Reason: HaltDebugStop, PC: d.state.PC}
		}
		if d.countdown <= 0 {
			return RunResult{Reason: HaltCountdown, PC: d.state.PC}
		}

		budget := d.countdown
		if budget > math.MaxInt32 {
			budget = math.MaxInt32
		}
		d.state.Countdown = int32(budget)

		hostAddr := d.ensureCompiled(d.state.PC)
		reason := callBlock(hostAddr, d.state)

		d.countdown -= budget - int64(d.state.Countdown)

		switch reason {
		case trapCountdown:
		case trapDispatch:
			// A branch or continuation jump landed on a slot that isn't
			// live compiled code (arena.go's fillDispatchTraps,
			// invalidate.go's invalidateBlock): state.PC already holds the
			// guest address to (re)compile, done by the next loop
			// iteration's ensureCompiled call.
		case trapExit:
			d.bus.Send(Message{Code: MessageExited, Value: int(d.state.HostValue)})
			return RunResult{Reason: HaltExited, PC: d.state.PC}
		case trapCrash:
			return RunResult{Reason: HaltFault, PC: d.state.PC, Detail: "crash trap"}
		case trapIllegal:
			return RunResult{Reason: HaltFault, PC: d.state.PC, Detail: fmt.Sprintf("illegal opcode at 0x%04X", d.state.PC)}
		case trapInvalidated:
			// A native store's inline self-modify check fired (spec 4.7): the
			// write already landed in guest memory and state.PC already holds
			// the resume address past that instruction. Running the
			// invalidation here, on the emulation thread, keeps spec 5's
			// single-writer invariant intact before the next dispatch
			// recompiles whatever now covers state.PC.
			invalidated := d.invalidator.OnWrite(uint16(d.state.WriteAddr))
			if !invalidated {
				// Site already promoted to dynamic (spec 4.5): the block
				// stays live, so resuming mid-block must not be treated as
				// an external re-entry (see ensureCompiled).
				d.resumeNoSplit = true
			}
		case trapInterpFallback:
			// The block's committed cyclesTotal already paid for this
			// opcode; interp.Step here is run purely for its register/
			// memory side effects and PC advance, not its cycle count.
			_, ireason := d.interp.Step()
			if ireason == ExitIllegal {
				return RunResult{Reason: HaltFault, PC: d.state.PC, Detail: fmt.Sprintf("illegal opcode at 0x%04X", d.state.PC)}
			}
			if ireason == ExitEmulated {
				d.bus.Send(Message{Code: MessageExited, Value: int(d.state.HostValue)})
				return RunResult{Reason: HaltExited, PC: d.state.PC}
			}
			// The address resumed to is the very next guest byte after the
			// one instruction just interpreted, still inside the same block
			// that trapped -- not an external re-entry, so ensureCompiled
			// must not treat it as a split (same reasoning as the
			// trapInvalidated case above).
			d.resumeNoSplit = true
		case trapDebug:
			return RunResult{Reason: HaltDebugStop, PC: d.state.PC}
		default:
			return RunResult{Reason: HaltFault, PC: d.state.PC, Detail: "unknown trap reason"}
		}

		if d.state.IRQPending() && !d.state.GetFlag(FlagI) {
			d.serviceIRQ()
		}
	}
}

// serviceIRQ handles a pending interrupt directly in the driver -- push PC
// and flags, set I, load the IRQ vector -- since the compiler has no
// IRQ-entry micro-op (spec 4.8 step 3).
func (d *Driver) serviceIRQ() {
	s := d.state
	s.stackPush(d.mem, byte(s.PC>>8))
	s.stackPush(d.mem, byte(s.PC))
	s.stackPush(d.mem, s.Flags&^byte(FlagB)|byte(FlagX))
	s.SetFlag(FlagI, true)
	lo := d.mem.Read(irqVector)
	hi := d.mem.Read(irqVector + 1)
	s.PC = uint16(hi)<<8 | uint16(lo)
	s.AssertIRQ(false)
}

// RunInterp drives the interpreter backend directly, used for the
// functional-equivalence oracle (spec 4.3, 8) and as the
// "interpreter-driver" capability-record variant (spec 9).
func (d *Driver) RunInterp(countdown int64) RunResult {
	d.countdown = countdown
	for {
		if d.debugStopOn && d.state.PC == d.debugStopAt {
			d.debugStopOn = false // one-shot
			return RunResult{Reason: HaltDebugStop, PC: d.state.PC}
		}
		cycles, reason := d.interp.Step()
		d.countdown -= int64(cycles)
		if reason == ExitIllegal {
			return RunResult{Reason: HaltFault, PC: d.state.PC, Detail: fmt.Sprintf("illegal opcode at 0x%04X", d.state.PC)}
		}
		if reason == ExitEmulated {
			d.bus.Send(Message{Code: MessageExited, Value: int(d.state.HostValue)})
			return RunResult{Reason: HaltExited, PC: d.state.PC}
		}
		if d.state.IRQPending() && !d.state.GetFlag(FlagI) {
			d.serviceIRQ()
		}
		if d.countdown <= 0 {
			return RunResult{Reason: HaltCountdown, PC: d.state.PC}
		}
	}
}

// JITBackend and InterpBackend are the two Backend variants spec 9 calls
// for. Both are thin: the actual dispatch loops live on Driver itself
// since they share every piece of state; the capability record exists so
// callers can select a backend without a type switch at the call site.
type JITBackend struct{}

func (JITBackend) Init(d *Driver) error                     { return nil }
func (JITBackend) Enter(d *Driver, countdown int64) RunResult { return d.RunJIT(countdown) }
func (JITBackend) Destroy(d *Driver)                         {}

type InterpBackend struct{}

func (InterpBackend) Init(d *Driver) error                     { return nil }
func (InterpBackend) Enter(d *Driver, countdown int64) RunResult { return d.RunInterp(countdown) }
func (InterpBackend) Destroy(d *Driver)                         {}
