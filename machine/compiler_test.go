package machine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// aluProgram is a short ALU sequence with no control transfer, terminated by
// the synthetic EXIT opcode (0x02) so both backends halt cleanly and can
// be compared register-for-register.
func aluProgram() []byte {
	return []byte{
		0xA9, 0x05, // LDA #5
		0x18,       // CLC
		0x69, 0x03, // ADC #3
		0x85, 0x20, // STA $20
		0x02, // EXIT
	}
}

// TestFunctionalEquivalence checks the core §8 oracle property: running
// the same guest program under the JIT backend and under the interpreter
// backend leaves identical architectural state.
func TestFunctionalEquivalence(t *testing.T) {
	run := func(mode Mode) Registers {
		m := newTestMachine(t)
		loadProgram(m, 0x2000, aluProgram())
		m.SetPC(0x2000)
		m.SetMode(mode)
		res := m.Run(1000)
		require.Equal(t, HaltExited, res.Reason)
		return m.GetRegisters()
	}

	jit := run(ModeJIT)
	interp := run(ModeInterp)
	require.Equal(t, interp, jit)
	require.Equal(t, byte(0x08), jit.A)
}

// TestFunctionalEquivalenceMemory extends the oracle check to a write
// through STA, confirmed against guest memory rather than just registers.
func TestFunctionalEquivalenceMemory(t *testing.T) {
	for _, mode := range []Mode{ModeJIT, ModeInterp} {
		m := newTestMachine(t)
		loadProgram(m, 0x2000, aluProgram())
		m.SetPC(0x2000)
		m.SetMode(mode)
		res := m.Run(1000)
		require.Equal(t, HaltExited, res.Reason)
		require.Equal(t, byte(0x08), m.MemRead(0x20), "mode %v", mode)
	}
}

// TestIdempotentInvalidation checks that invalidating an address twice in
// a row (or invalidating an address that covers no live block) is a
// harmless no-op rather than a double-invalidation fault (spec 4.7 edge
// case).
func TestIdempotentInvalidation(t *testing.T) {
	m := newTestMachine(t)
	loadProgram(m, 0x2000, aluProgram())
	m.SetPC(0x2000)
	m.SetMode(ModeJIT)
	m.Run(1000)
	require.True(t, m.Arena().IsCompiled(0x2000))

	m.driver.InvalidateAt(0x2000)
	require.False(t, m.Arena().IsCompiled(0x2000))
	m.driver.InvalidateAt(0x2000) // second call: must not panic, stays invalidated
	require.False(t, m.Arena().IsCompiled(0x2000))

	m.driver.InvalidateAt(0x9000) // address with no compiled block at all
}

// TestBlockSplit mirrors S1: entering a live block mid-way invalidates it
// and compiles a fresh block starting there; re-entering the old head
// afterwards recompiles one block covering both addresses, so 0x0B01 ends
// up covered by 0x0B00's block rather than being an entry of its own.
func TestBlockSplit(t *testing.T) {
	m := newTestMachine(t)
	loadProgram(m, 0x0B00, []byte{0xEA, 0xEA, 0x02}) // NOP, NOP, EXIT

	m.SetPC(0x0B00)
	m.SetMode(ModeJIT)
	m.Run(1000)
	require.True(t, m.Arena().ExactMatch(0x0B00))
	require.True(t, m.Arena().IsCompiled(0x0B01))

	// Entering mid-block at 0x0B01 must split: 0x0B00's block invalidates,
	// 0x0B01 becomes its own compiled entry.
	m.SetPC(0x0B01)
	m.Run(1000)
	require.False(t, m.Arena().IsCompiled(0x0B00))
	require.True(t, m.Arena().ExactMatch(0x0B01))

	// Re-entering 0x0B00 recompiles it as one unified block again, so 0x0B01
	// goes back to being covered rather than its own independent entry --
	// the split above was transient, lasting only until the head was
	// re-entered.
	m.SetPC(0x0B00)
	m.Run(1000)
	require.True(t, m.Arena().ExactMatch(0x0B00))
	start, covered := m.Arena().BlockStart(0x0B01)
	require.True(t, covered)
	require.Equal(t, uint16(0x0B00), start)
	require.False(t, m.Arena().ExactMatch(0x0B01))
}

// TestDynamicOperandPromotion mirrors S4/S5: repeatedly self-modifying the
// same operand byte invalidates the owning block each time until the
// configured trigger count is reached, after which the operand is
// promoted to dynamic and further writes no longer invalidate that block.
func TestDynamicOperandPromotion(t *testing.T) {
	m := newTestMachine(t)
	// LDA $0E01,X ; STA $F0 ; LDX #2 ; STX $0E01 ; EXIT
	loadProgram(m, 0x0E00, []byte{
		0xBD, 0x01, 0x0E, // LDA $0E01,X
		0x85, 0xF0, // STA $F0
		0xA2, 0x02, // LDX #2
		0x8E, 0x01, 0x0E, // STX $0E01
		0x02, // EXIT
	})

	m.SetPC(0x0E00)
	m.SetMode(ModeJIT)
	m.Run(1000) // first run: compiles with literal $0E01, self-modifies it, invalidates 0x0E00
	require.False(t, m.Arena().IsCompiled(0x0E00))
	require.False(t, m.driver.invalidator.IsDynamic(0x0E00))

	m.SetPC(0x0E00)
	m.Run(1000) // second run: recompiles; this self-modification crosses the trigger
	require.True(t, m.driver.invalidator.IsDynamic(0x0E00))

	// A third self-modification must no longer invalidate host code at
	// 0x0E00, since the operand is now read dynamically at runtime --
	// OnWrite's early-return for an already-dynamic site (invalidate.go),
	// with the driver's resume-after-trap path (driver.go's resumeNoSplit)
	// making sure resuming mid-block for that no-op isn't itself mistaken
	// for an external re-entry that would re-invalidate the block anyway.
	m.SetPC(0x0E00)
	m.Run(1000)
	require.True(t, m.Arena().IsCompiled(0x0E00))
}

// TestContinuationSplit mirrors S2: re-entering mid-way through a
// continuation's first block splits it exactly like TestBlockSplit's
// single-block case, and the recompiled block's own tail jump then lands
// inside the continuation block, splitting that one in turn.
func TestContinuationSplit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOps = 4 // forces a continuation after 4 NOPs, matching the pack's deterministic test config
	m := newTestMachineWithConfig(t, cfg)
	loadProgram(m, 0x0C00, []byte{0xEA, 0xEA, 0xEA, 0xEA, 0xEA, 0xEA, 0x02}) // six NOP, EXIT

	m.SetPC(0x0C00)
	m.SetMode(ModeJIT)
	m.Run(1000)
	require.True(t, m.Arena().ExactMatch(0x0C00))
	require.True(t, m.Arena().ExactMatch(0x0C04), "continuation head compiled on demand when the first block's tail jump reached it")

	// Entering mid-block at 0x0C01 splits the first block (0x0C00-0x0C03)
	// the same way S1 does; the new block starting at 0x0C01 spans four
	// NOPs through 0x0C04, and its tail jump into 0x0C05 lands strictly
	// inside the continuation block headed at 0x0C04. That block is split
	// and invalidated (clearing 0x0C04-0x0C06 and leaving the dispatch trap
	// in 0x0C04's slot), and 0x0C05 is compiled as a block of its own.
	m.SetPC(0x0C01)
	m.Run(1000)
	require.True(t, m.Arena().ExactMatch(0x0C01))
	require.False(t, m.Arena().IsCompiled(0x0C04))
	require.True(t, m.Arena().PInvalidationCodeBlock(0x0C04))
	require.False(t, m.Arena().ExactMatch(0x0C04))
	require.True(t, m.Arena().ExactMatch(0x0C05))
}

// TestInvalidationMidBlock mirrors S3: invalidating an address that is only
// covered by a block, never itself a block start, resolves through
// BlockStart to the owning block's head. An unrelated block compiled later
// in the same run (the continuation head here) is untouched by an
// invalidation of a completely different block.
func TestInvalidationMidBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOps = 4
	m := newTestMachineWithConfig(t, cfg)
	loadProgram(m, 0x0D00, []byte{0xEA, 0xEA, 0xEA, 0xEA, 0xEA, 0xEA, 0x02}) // six NOP, EXIT

	m.SetPC(0x0D00)
	m.SetMode(ModeJIT)
	m.Run(1000)
	require.True(t, m.Arena().ExactMatch(0x0D00))
	require.True(t, m.Arena().ExactMatch(0x0D04))

	// 0x0D01 is covered by 0x0D00's block but isn't itself a block start.
	m.driver.InvalidateAt(0x0D01)
	require.False(t, m.Arena().IsCompiled(0x0D00))
	require.True(t, m.Arena().ExactMatch(0x0D04), "untouched by an invalidation of a different block")

	// Re-entering 0x0D00 recompiles it clean; its continuation jump lands
	// on 0x0D04's still-live, never-touched block without needing to
	// recompile it.
	m.SetPC(0x0D00)
	m.Run(1000)
	require.True(t, m.Arena().ExactMatch(0x0D00))
	require.True(t, m.Arena().ExactMatch(0x0D04))
}

// TestBackIndexExactMatch mirrors S6: resolving a host instruction
// pointer partway through a block reports the block's start address and
// exact_match=false, while the block's own entry point reports
// exact_match=true.
func TestBackIndexExactMatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOps = 300 // large enough that 200 NOPs plus EXIT stay one block

	// NOPs rather than, say, PHA: every opcode here must be natively
	// compiled inline (no interp-fallback trap) so the whole program
	// executes as a single dispatch through one unbroken block, leaving
	// 0x0280 genuinely mid-block rather than its own recompiled entry.
	m := newTestMachineWithConfig(t, cfg)

	prog := make([]byte, 0, 201)
	for i := 0; i < 200; i++ {
		prog = append(prog, 0xEA) // NOP
	}
	prog = append(prog, 0x02) // EXIT
	loadProgram(m, 0x0200, prog)

	m.SetPC(0x0200)
	m.SetMode(ModeJIT)
	m.Run(100000)

	atStart, ok := m.Arena().DetailsFromHostIP(m.Arena().Resolver()(0x0200))
	require.True(t, ok)
	require.True(t, atStart.ExactMatch)
	require.Equal(t, uint16(0x0200), atStart.Block6502)

	mid, ok := m.Arena().DetailsFromHostIP(m.Arena().Resolver()(0x0280))
	require.True(t, ok)
	require.Equal(t, uint16(0x0280), mid.PC6502)
	require.Equal(t, uint16(0x0200), mid.Block6502)
	require.False(t, mid.ExactMatch)
}
