package machine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/davecgh/go-spew/spew"
	"github.com/peterh/liner"
)

// Debugger is the interactive REPL spec.md §9's "embryonic expression
// parser" and §6's "debug stop at address" run result drive. Grounded on
// rcornwell-S370's command/reader.ConsoleReader (the liner.NewLiner /
// Prompt / AppendHistory shape); register/memory dumps use go-spew the
// same way hejops-gone dumps struct state on test failure, and output
// styling is lipgloss the way hejops-gone styles its TUI panes.
type Debugger struct {
	m    *Machine
	line *liner.State

	styleInfo  lipgloss.Style
	styleStop  lipgloss.Style
	styleFault lipgloss.Style
}

func NewDebugger(m *Machine) *Debugger {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(s string) []string {
		candidates := []string{"step", "continue", "break", "regs", "mem", "eval", "quit"}
		var out []string
		for _, c := range candidates {
			if strings.HasPrefix(c, s) {
				out = append(out, c)
			}
		}
		return out
	})
	return &Debugger{
		m:    m,
		line: line,
		styleInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		styleStop:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		styleFault: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

func (d *Debugger) Close() { d.line.Close() }

// Run reads commands from stdin until "quit", the prompt is aborted
// (Ctrl-C), or reading fails (end of input included, reported as a read
// error), matching ConsoleReader's loop shape.
func (d *Debugger) Run() {
	for {
		cmd, err := d.line.Prompt("sixjit> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return
			}
			fmt.Println(d.styleFault.Render("read error: " + err.Error()))
			return
		}
		d.line.AppendHistory(cmd)
		if quit := d.dispatch(strings.TrimSpace(cmd)); quit {
			return
		}
	}
}

func (d *Debugger) dispatch(cmd string) (quit bool) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "quit", "exit":
		return true
	case "step":
		res := d.m.Run(1)
		d.printResult(res)
	case "continue", "c":
		res := d.m.Run(1 << 30)
		d.printResult(res)
	case "break":
		if len(fields) != 2 {
			fmt.Println(d.styleFault.Render("usage: break <hex-addr>"))
			return false
		}
		addr, err := parseHexAddr(fields[1])
		if err != nil {
			fmt.Println(d.styleFault.Render(err.Error()))
			return false
		}
		d.m.SetDebugStop(addr)
		fmt.Println(d.styleInfo.Render(fmt.Sprintf("breakpoint set at $%04X", addr)))
	case "regs":
		fmt.Println(spew.Sdump(d.m.GetRegisters()))
	case "mem":
		if len(fields) != 2 {
			fmt.Println(d.styleFault.Render("usage: mem <hex-addr>"))
			return false
		}
		addr, err := parseHexAddr(fields[1])
		if err != nil {
			fmt.Println(d.styleFault.Render(err.Error()))
			return false
		}
		fmt.Println(spew.Sdump(d.m.MemRead(addr)))
	case "eval":
		expr := strings.Join(fields[1:], " ")
		val, err := d.m.Eval(expr)
		if err != nil {
			fmt.Println(d.styleFault.Render(err.Error()))
			return false
		}
		fmt.Println(d.styleInfo.Render(fmt.Sprintf("%s = %d", expr, val)))
	default:
		fmt.Println(d.styleFault.Render("unknown command: " + fields[0]))
	}
	return false
}

func (d *Debugger) printResult(res RunResult) {
	switch res.Reason {
	case HaltDebugStop:
		fmt.Println(d.styleStop.Render(fmt.Sprintf("stopped at $%04X", res.PC)))
	case HaltFault:
		fmt.Println(d.styleFault.Render(fmt.Sprintf("fault at $%04X: %s", res.PC, res.Detail)))
	default:
		fmt.Println(d.styleInfo.Render(fmt.Sprintf("halted (%v) at $%04X", res.Reason, res.PC)))
	}
}

func parseHexAddr(s string) (uint16, error) {
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimPrefix(s, "0x")
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uint16(n), nil
}
