package vm

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable bytecode listing for the chunk and
// all of its nested function chunks.
func (c *Chunk) Disassemble() string {
	var sb strings.Builder
	c.disassembleInto(&sb, c.Name)
	return sb.String()
}

func (c *Chunk) disassembleInto(sb *strings.Builder, name string) {
	if name == "" {
		name = "<anonim>"
	}
	sb.WriteString(fmt.Sprintf("; === %s ===\n", name))

	if len(c.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, k := range c.Constants {
			display := k.String()
			if k.IsString() {
				display = fmt.Sprintf("%q", display)
			}
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, display))
		}
	}

	for pc, instr := range c.Code {
		sb.WriteString(fmt.Sprintf("%04d  [line %3d]  %-10s", pc, c.Line(pc), instr.Op()))
		switch instr.Op().Mode() {
		case ModeABx:
			sb.WriteString(fmt.Sprintf(" %3d %6d", instr.A(), instr.Bx()))
		case ModeAsBx:
			sb.WriteString(fmt.Sprintf(" %3d %6d", instr.A(), instr.SBx()))
		default:
			sb.WriteString(fmt.Sprintf(" %3d %3s %3s", instr.A(), rkOperand(instr.B()), rkOperand(instr.C())))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	for i, fn := range c.Functions {
		sub := fn.Name
		if sub == "" {
			sub = fmt.Sprintf("%s.fn%d", name, i)
		}
		fn.disassembleInto(sb, sub)
	}
}

// rkOperand renders an RK operand: registers as rN, constants as kN.
func rkOperand(x int) string {
	if IsRK(x) {
		return fmt.Sprintf("k%d", RKIndex(x))
	}
	return fmt.Sprintf("r%d", x)
}
