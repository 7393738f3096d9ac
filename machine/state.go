package machine

// Status flag bits, in 6502 encoding (spec 3: "flags are stored in the
// 6502 encoding"). Adapted from the teacher's SF6502 enum.
type StatusFlag byte

const (
	FlagC StatusFlag = 1 << iota // Carry
	FlagZ                        // Zero
	FlagI                        // Interrupt disable
	FlagD                        // Decimal mode
	FlagB                        // Break command
	FlagX                        // Unused, always set
	FlagV                        // Overflow
	FlagN                        // Negative
)

const (
	resetVector uint16 = 0xFFFC
	irqVector   uint16 = 0xFFFE
	stackBase   uint16 = 0x0100
)

// State6502 is the 6502 architectural state record (spec 3). Field order
// and padding match the constant displacements compiled code uses
// (assembler.go's offset* constants, after the original C source's
// asm_defs_host.h K_STATE_6502_OFFSET_*): A, X, Y, S, PC, flags and
// irq-pending each occupy a 4-byte slot even though only the low byte(s)
// are architectural, followed by four host-side scratch slots used to
// stage values for compiled code.
type State6502 struct {
	A uint32 // low byte is the accumulator
	X uint32
	Y uint32
	S uint32

	PC    uint16
	_     [2]byte
	Flags byte
	_     [3]byte

	IRQFire byte // non-zero: an interrupt is pending
	_       [3]byte

	Countdown int32  // scratch: live cycle countdown, decremented by the COUNTDOWN micro-op
	HostFlags uint32 // scratch: used by compiled code to stage host condition codes
	HostValue uint32 // scratch: trap reason / staged operand on block exit
	WriteAddr uint32 // scratch: guest address staged by a native store's inline self-modify check (spec 4.7)
}

func NewState6502() *State6502 {
	s := &State6502{}
	s.Reset()
	return s
}

// Reset mirrors the teacher's Cpu6502.Reset: clear registers, seed the
// stack pointer and status, and fetch PC from the reset vector. Unlike the
// teacher, PC is not fetched here directly from RAM; callers fetch it via
// mem once ROMs are installed (FullReset in machine.go does both).
func (s *State6502) Reset() {
	s.A, s.X, s.Y = 0, 0, 0
	s.S = 0xFD
	s.Flags = byte(FlagX) | byte(FlagI)
	s.IRQFire = 0
}

func (s *State6502) GetFlag(f StatusFlag) bool {
	return s.Flags&byte(f) != 0
}

func (s *State6502) SetFlag(f StatusFlag, set bool) {
	if set {
		s.Flags |= byte(f)
	} else {
		s.Flags &^= byte(f)
	}
}

// SetFlagsNZ sets the Z and N flags from the given result byte, the
// FLAG_A/FLAG_X/FLAG_Y micro-op's Go-side equivalent (spec 4.4).
func (s *State6502) SetFlagsNZ(v byte) {
	s.SetFlag(FlagZ, v == 0)
	s.SetFlag(FlagN, v&0x80 != 0)
}

// SetPC is idempotent and never invalidates compiled code on its own
// (spec 4.2): callers that want re-translation must invalidate explicitly.
func (s *State6502) SetPC(pc uint16) { s.PC = pc }

// IRQPending is a non-destructive read of the interrupt-pending indicator
// (spec 4.2).
func (s *State6502) IRQPending() bool { return s.IRQFire != 0 }

// AssertIRQ marks an interrupt pending; observed at the next instruction
// boundary in either backend (spec 4.2, 6).
func (s *State6502) AssertIRQ(level bool) {
	if level {
		s.IRQFire = 1
	} else {
		s.IRQFire = 0
	}
}

// Registers is the flat snapshot returned by get_registers / consumed by
// set_registers (spec 6).
type Registers struct {
	A, X, Y, S byte
	Flags      byte
	PC         uint16
}

func (s *State6502) GetRegisters() Registers {
	return Registers{
		A: byte(s.A), X: byte(s.X), Y: byte(s.Y), S: byte(s.S),
		Flags: s.Flags, PC: s.PC,
	}
}

// SetRegisters is legal mid-run only from the driver thread (spec 6); the
// caller is responsible for that invariant since State6502 has no locking
// of its own (spec 5: single emulation thread owns architectural state).
func (s *State6502) SetRegisters(r Registers) {
	s.A, s.X, s.Y, s.S = uint32(r.A), uint32(r.X), uint32(r.Y), uint32(r.S)
	s.Flags = r.Flags
	s.PC = r.PC
}

func (s *State6502) stackPush(mem *Memory, v byte) {
	mem.Write(stackBase|uint16(byte(s.S)), v)
	s.S = uint32(byte(s.S) - 1)
}

func (s *State6502) stackPop(mem *Memory) byte {
	s.S = uint32(byte(s.S) + 1)
	return mem.Read(stackBase | uint16(byte(s.S)))
}
