package main

import (
	"fmt"
	"log"
	"os"
	"time"

	getopt "github.com/pborman/getopt/v2"

	"github.com/corelatch/sixjit/machine"
)

// main wires the CLI the way rcornwell-S370's main.go wires getopt flags
// (StringLong/BoolLong, then getopt.Parse), and follows
// original_source/main.c's startup order: map the guest arenas, load the
// OS ROM and an optional sideways ROM at fixed offsets, then hand off to
// the driver (SPEC_FULL §8).
func main() {
	optOSROM := getopt.StringLong("os", 0, "", "OS ROM image (16 KiB, loaded at $C000)")
	optLangROM := getopt.StringLong("rom", 0, "", "Sideways ROM image (16 KiB, loaded at slot 0)")
	optJIT := getopt.StringLong("opt", 'o', "", "JIT tuning, e.g. max-ops=64,dynamic-trigger=2")
	optDebugStop := getopt.StringLong("debug-stop", 0, "", "Hex address to arm a one-shot debug stop at")
	optInterp := getopt.BoolLong("interp", 'i', "Run the interpreter backend instead of the JIT")
	optDebugger := getopt.BoolLong("debugger", 'd', "Drop into the interactive debugger instead of free-running")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}
	if *optOSROM == "" {
		fmt.Fprintln(os.Stderr, "sixjit: -os is required")
		os.Exit(1)
	}

	logFile, err := os.Create(fmt.Sprintf("./logs/sixjit-%d.log", time.Now().UnixNano()))
	var logger *log.Logger
	if err != nil {
		logger = log.New(os.Stderr, "sixjit: ", log.LstdFlags)
		logger.Printf("could not open log file, logging to stderr: %v", err)
	} else {
		defer logFile.Close()
		logger = log.New(logFile, "sixjit: ", log.LstdFlags|log.Lmicroseconds)
	}

	cfg, err := machine.ParseConfig(*optJIT)
	if err != nil {
		logger.Fatalf("bad -opt value: %v", err)
	}

	m, err := machine.NewMachine(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to set up machine: %v", err)
	}
	defer m.Close()

	osROM, err := os.ReadFile(*optOSROM)
	if err != nil {
		logger.Fatalf("could not read OS ROM: %v", err)
	}
	var langROM []byte
	if *optLangROM != "" {
		langROM, err = os.ReadFile(*optLangROM)
		if err != nil {
			logger.Fatalf("could not read language ROM: %v", err)
		}
	}
	if err := m.FullReset(osROM, langROM); err != nil {
		logger.Fatalf("reset failed: %v", err)
	}

	if *optInterp {
		m.SetMode(machine.ModeInterp)
	}
	if *optDebugStop != "" {
		addr, perr := parseHexArg(*optDebugStop)
		if perr != nil {
			logger.Fatalf("bad -debug-stop value: %v", perr)
		}
		m.SetDebugStop(addr)
	}

	if *optDebugger {
		dbg := machine.NewDebugger(m)
		defer dbg.Close()
		dbg.Run()
		return
	}

	video := machine.NewVideo(m.Bus(), logger)
	for !video.Closed() {
		res := m.Run(1 << 20)
		video.Pump()
		if res.Reason == machine.HaltFault {
			logger.Printf("fault at $%04X: %s", res.PC, res.Detail)
			break
		}
	}
}

func parseHexArg(s string) (uint16, error) {
	var n uint16
	_, err := fmt.Sscanf(s, "0x%x", &n)
	if err != nil {
		_, err = fmt.Sscanf(s, "%x", &n)
	}
	return n, err
}
