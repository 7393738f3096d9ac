package machine

import (
	"io"
	"log"
	"testing"
)

// newTestMachine builds a Machine with a minimal OS ROM: every byte NOP
// (0xEA) except the reset vector at $FFFC/$FFFD, which points at $C000 --
// the first byte of the OS ROM itself, so a freshly reset machine starts
// executing NOPs and is free for a test to poke in a short program.
func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxOps = 8
	cfg.DynamicTrigger = 2
	return newTestMachineWithConfig(t, cfg)
}

// newTestMachineWithConfig is newTestMachine with caller-supplied tuning,
// for scenarios (like a 200-opcode single block) that need a max_ops
// budget larger than the default test configuration's.
func newTestMachineWithConfig(t *testing.T, cfg Config) *Machine {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	m, err := NewMachine(cfg, logger)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	osROM := make([]byte, osROMSize)
	for i := range osROM {
		osROM[i] = 0xEA // NOP
	}
	osROM[0xFFFC-osROMBase] = 0x00
	osROM[0xFFFD-osROMBase] = 0xC0

	if err := m.FullReset(osROM, nil); err != nil {
		t.Fatalf("FullReset: %v", err)
	}
	return m
}

// loadProgram writes guest code/data starting at addr via the RAM window
// (below 0x8000, always writable) using the external set_block interface.
func loadProgram(m *Machine, addr uint16, bytes []byte) {
	m.SetBlock(addr, bytes)
}
