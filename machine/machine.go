package machine

import (
	"fmt"
	"log"
)

// Mode selects which Backend a Machine dispatches through. original_source
// /bbc.h's bbc_get_slow_flag / k_bbc_mode_jit / k_bbc_mode_interp is a
// runtime switch between the two with no code changes required elsewhere;
// spec.md §9 calls this the canonical, newer capability-record shape
// (SPEC_FULL §11), which is what JITBackend/InterpBackend implement.
type Mode int

const (
	ModeJIT Mode = iota
	ModeInterp
)

// Machine is the single top-level object a host program constructs: it
// owns architectural state, guest memory, the code arena, the driver, and
// the message bus, and is the thing cmd/sixjit's main.go and
// machine/video.go and machine/debugger.go all hold a reference to
// (spec §6's external interface surface, collected in one place the way
// the teacher's nes.Bus collects Cpu6502/Ppu/Cartridge/Controller).
type Machine struct {
	state *State6502
	mem   *Memory
	arena *CodeArena
	bus   *MessageBus

	driver *Driver
	mode   Mode

	cfg    Config
	logger *log.Logger
}

// NewMachine allocates every resource a Machine needs (two mmap'd arenas:
// the guest memory multi-view map and the executable code arena) and wires
// them into a Driver, but does not reset architectural state or load any
// ROM -- callers do that via FullReset once images are available
// (spec §6, 8: original_source/main.c's startup order).
func NewMachine(cfg Config, logger *log.Logger) (*Machine, error) {
	mem, err := NewMemory(logger)
	if err != nil {
		return nil, fmt.Errorf("new machine: %w", err)
	}
	arena, err := NewCodeArena(logger)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("new machine: %w", err)
	}

	state := NewState6502()
	bus := NewMessageBus()
	driver := NewDriver(state, mem, arena, cfg, bus, logger)

	return &Machine{
		state:  state,
		mem:    mem,
		arena:  arena,
		bus:    bus,
		driver: driver,
		mode:   ModeJIT,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close releases both mmap'd arenas. Safe to call once; a Machine is not
// usable afterward.
func (m *Machine) Close() error {
	err1 := m.arena.Close()
	err2 := m.mem.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// FullReset loads the OS ROM and an optional language (sideways) ROM,
// resets architectural state, and fetches PC from the reset vector
// (original_source/main.c's startup sequence, restored in SPEC_FULL §8
// since spec.md's distillation omits it). langROM may be nil to boot with
// no sideways ROM installed.
func (m *Machine) FullReset(osROM, langROM []byte) error {
	if err := m.mem.InstallOSROM(osROM); err != nil {
		return fmt.Errorf("full reset: %w", err)
	}
	if langROM != nil {
		if err := m.mem.InstallROM(0, langROM); err != nil {
			return fmt.Errorf("full reset: %w", err)
		}
		m.mem.SelectROM(0)
	}

	m.state.Reset()
	m.arena.InvalidateAll()

	lo := m.mem.Read(resetVector)
	hi := m.mem.Read(resetVector + 1)
	m.state.PC = uint16(hi)<<8 | uint16(lo)
	return nil
}

// SetMode switches between the JIT and interpreter backends with no other
// state change required (spec §9's capability-record design).
func (m *Machine) SetMode(mode Mode) { m.mode = mode }

// Run drives the machine for up to countdown cycles through whichever
// backend is currently selected (spec §6 run_async / run_result).
func (m *Machine) Run(countdown int64) RunResult {
	switch m.mode {
	case ModeInterp:
		return InterpBackend{}.Enter(m.driver, countdown)
	default:
		return JITBackend{}.Enter(m.driver, countdown)
	}
}

// MemRead/MemWrite are the spec §6 mem_read/mem_write external interface,
// routed through the invalidation-aware write path so external pokes (the
// debugger, a ROM patch) behave exactly like a guest store.
func (m *Machine) MemRead(addr uint16) byte  { return m.mem.Read(addr) }
func (m *Machine) MemWrite(addr uint16, v byte) { m.driver.WriteGuest(addr, v) }

// SetBlock loads a contiguous run of bytes and invalidates whatever
// compiled code used to cover it (spec §6 set_block).
func (m *Machine) SetBlock(addr uint16, data []byte) {
	m.mem.BlockCopy(addr, data)
	for i := range data {
		m.driver.InvalidateAt(addr + uint16(i))
	}
}

// LoadROM/MakeSidewaysRAM/SelectROM are the spec §6 load_rom /
// make_sideways_ram / select_rom external interface. Each changes what the
// sideways window may hold, so each invalidates compiled code there.
func (m *Machine) LoadROM(slot int, data []byte) error {
	if err := m.mem.InstallROM(slot, data); err != nil {
		return err
	}
	m.invalidateSideways()
	return nil
}

func (m *Machine) MakeSidewaysRAM(slot int) {
	m.mem.MakeSidewaysRAM(slot)
	m.invalidateSideways()
}

func (m *Machine) SelectROM(slot int) {
	m.mem.SelectROM(slot)
	m.invalidateSideways()
}

func (m *Machine) invalidateSideways() {
	for a := sidewaysBase; a < sidewaysBase+sidewaysSize; a++ {
		m.driver.InvalidateAt(uint16(a))
	}
}

// GetRegisters/SetRegisters/SetPC are the spec §6 register-access external
// interface.
func (m *Machine) GetRegisters() Registers    { return m.state.GetRegisters() }
func (m *Machine) SetRegisters(r Registers)   { m.state.SetRegisters(r) }
func (m *Machine) SetPC(pc uint16)            { m.state.SetPC(pc) }

// SetInterrupt is the spec §6 set_interrupt external interface.
func (m *Machine) SetInterrupt(level bool) { m.state.AssertIRQ(level) }

// SetDebugStop/ClearDebugStop arm/disarm the one-shot breakpoint
// machine/debugger.go drives (spec §6 "debug stop at address").
func (m *Machine) SetDebugStop(pc uint16) { m.driver.SetDebugStop(pc) }
func (m *Machine) ClearDebugStop()        { m.driver.ClearDebugStop() }

// Bus exposes the message channel for video.go/debugger.go to read.
func (m *Machine) Bus() *MessageBus { return m.bus }

// State/Mem/Arena give the debugger read access to internals that have no
// dedicated accessor above (register dump, arena back-map queries).
func (m *Machine) State() *State6502 { return m.state }
func (m *Machine) Mem() *Memory      { return m.mem }
func (m *Machine) Arena() *CodeArena { return m.arena }
