package compiler

import (
	"io"
	"testing"

	"github.com/manifast-lang/manifast/vm"
)

func compileOK(t *testing.T, source string) *vm.Chunk {
	t.Helper()
	p := NewParser(NewLexer(source))
	p.Errors = io.Discard
	stmts, hadError := p.Parse()
	if hadError {
		t.Fatalf("parse error for %q", source)
	}
	chunk, err := Compile(stmts, "test")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	return chunk
}

// checkTerminator verifies the chunk and every nested chunk end in RETURN.
func checkTerminator(t *testing.T, c *vm.Chunk) {
	t.Helper()
	if len(c.Code) == 0 {
		t.Fatalf("chunk %q is empty", c.Name)
	}
	last := c.Code[len(c.Code)-1]
	if last.Op() != vm.OpReturn {
		t.Errorf("chunk %q ends with %v, want RETURN", c.Name, last.Op())
	}
	for _, fn := range c.Functions {
		checkTerminator(t, fn)
	}
}

func TestCompileTerminatorInvariant(t *testing.T) {
	sources := []string{
		"",
		"1 + 2",
		"lokal x = 1",
		"fungsi f() tutup",
		"fungsi f(a) kembali a tutup",
		"kelas K maka fungsi m() tutup tutup",
		"jika benar maka println(1) tutup",
		"untuk i = 1 ke 3 lakukan tutup",
	}
	for _, source := range sources {
		checkTerminator(t, compileOK(t, source))
	}
}

func TestCompileLinesParallelCode(t *testing.T) {
	c := compileOK(t, "lokal x = 1\nlokal y = 2\nx + y")
	if len(c.Lines) != len(c.Code) || len(c.Offsets) != len(c.Code) {
		t.Fatalf("lines/offsets not parallel to code: %d/%d/%d",
			len(c.Lines), len(c.Offsets), len(c.Code))
	}
}

func TestCompileConstAssignmentFails(t *testing.T) {
	p := NewParser(NewLexer("tetap x = 1\nx = 2"))
	p.Errors = io.Discard
	stmts, hadError := p.Parse()
	if hadError {
		t.Fatal("unexpected parse error")
	}
	if _, err := Compile(stmts, "test"); err == nil {
		t.Fatal("expected compile error assigning to tetap")
	}
}

func TestCompileGlobalVersusLocal(t *testing.T) {
	// x is global here: expect GETGLOBAL in the output.
	c := compileOK(t, "println(x)")
	found := false
	for _, instr := range c.Code {
		if instr.Op() == vm.OpGetGlobal {
			found = true
		}
	}
	if !found {
		t.Error("global read did not emit GETGLOBAL")
	}

	// Declared locals move registers instead.
	c = compileOK(t, "lokal x = 1 x + 1")
	for _, instr := range c.Code {
		if instr.Op() == vm.OpGetGlobal {
			key := c.Constants[instr.Bx()]
			if key.IsString() && key.AsString() == "x" {
				t.Error("local read emitted GETGLOBAL")
			}
		}
	}
}

func TestCompileFunctionChunkNesting(t *testing.T) {
	c := compileOK(t, "fungsi luar() fungsi dalam() tutup tutup")
	if len(c.Functions) != 1 {
		t.Fatalf("top chunk has %d functions, want 1", len(c.Functions))
	}
	outer := c.Functions[0]
	if outer.Name != "luar" {
		t.Errorf("outer name = %q", outer.Name)
	}
	if len(outer.Functions) != 1 {
		t.Fatalf("outer chunk has %d functions, want 1", len(outer.Functions))
	}
}

func TestCompileFunctionConstantIndex(t *testing.T) {
	c := compileOK(t, "fungsi f() tutup")
	var fn vm.Value
	found := false
	for _, k := range c.Constants {
		if k.IsFunction() {
			fn = k
			found = true
		}
	}
	if !found {
		t.Fatal("no function constant emitted")
	}
	if int(fn.Number) != 0 || fn.AsChunk() != c.Functions[0] {
		t.Error("function constant does not reference Functions[0]")
	}
}

func TestCompileComparisonShape(t *testing.T) {
	c := compileOK(t, "lokal x = 1 < 2")
	// Expect the LT / JMP / LOADBOOL / LOADBOOL materialization.
	ops := []vm.Opcode{}
	for _, instr := range c.Code {
		ops = append(ops, instr.Op())
	}
	for i := 0; i+3 < len(ops); i++ {
		if ops[i] == vm.OpLt && ops[i+1] == vm.OpJmp &&
			ops[i+2] == vm.OpLoadBool && ops[i+3] == vm.OpLoadBool {
			return
		}
	}
	t.Errorf("comparison pattern not found in %v", ops)
}

func TestCompileGreaterSwapsOperands(t *testing.T) {
	// 2 > 1 must reuse LT with swapped RK operands, never a GT opcode.
	c := compileOK(t, "lokal x = 2 > 1")
	for _, instr := range c.Code {
		if instr.Op() == vm.OpLt {
			return
		}
	}
	t.Error("> did not lower to LT")
}

func TestCompileJumpTargets(t *testing.T) {
	c := compileOK(t, "jika benar maka lokal a = 1 sebaliknya lokal b = 2 tutup")
	// Every JMP must land inside the chunk.
	for pc, instr := range c.Code {
		if instr.Op() == vm.OpJmp {
			target := pc + 1 + instr.SBx()
			if target < 0 || target > len(c.Code) {
				t.Errorf("jump at %d targets %d outside [0,%d]", pc, target, len(c.Code))
			}
		}
	}
}

func TestCompileWhileJumpsBack(t *testing.T) {
	c := compileOK(t, "selama salah lakukan lokal x = 1 tutup")
	found := false
	for pc, instr := range c.Code {
		if instr.Op() == vm.OpJmp && instr.SBx() < 0 {
			target := pc + 1 + instr.SBx()
			if target < 0 {
				t.Errorf("backward jump at %d targets %d", pc, target)
			}
			found = true
		}
	}
	if !found {
		t.Error("while loop emitted no backward jump")
	}
}

func TestCompileSetListBatches(t *testing.T) {
	// 120 elements need three SETLIST batches (50 + 50 + 20).
	var sb []byte
	sb = append(sb, "lokal a = ["...)
	for i := 0; i < 120; i++ {
		if i > 0 {
			sb = append(sb, ',')
		}
		sb = append(sb, '1')
	}
	sb = append(sb, ']')

	c := compileOK(t, string(sb))
	batches := 0
	for _, instr := range c.Code {
		if instr.Op() == vm.OpSetList {
			batches++
		}
	}
	if batches != 3 {
		t.Errorf("SETLIST batches = %d, want 3", batches)
	}
}

func TestCompileStringEscapes(t *testing.T) {
	c := compileOK(t, `lokal s = "a\nb\t\"c\"\\"`)
	found := false
	for _, k := range c.Constants {
		if k.IsString() && k.AsString() == "a\nb\t\"c\"\\" {
			found = true
		}
	}
	if !found {
		t.Error("escape sequences not processed into the constant")
	}
}

func TestCompileTryShape(t *testing.T) {
	c := compileOK(t, "coba lokal x = 1 tangkap e println(e) tutup")
	var begin, end int
	for _, instr := range c.Code {
		switch instr.Op() {
		case vm.OpTryBegin:
			begin++
			target := instr.SBx()
			if target <= 0 {
				t.Error("TRYBEGIN must jump forward to the catch body")
			}
		case vm.OpTryEnd:
			end++
		}
	}
	if begin != 1 || end != 1 {
		t.Errorf("TRYBEGIN/TRYEND = %d/%d, want 1/1", begin, end)
	}
}

func TestCompileMethodCallInjectsSelf(t *testing.T) {
	c := compileOK(t, "obj.metode(1, 2)")
	// The CALL must carry self plus two arguments: B = nargs+1 = 4.
	for _, instr := range c.Code {
		if instr.Op() == vm.OpCall {
			if instr.B() != 4 {
				t.Errorf("CALL B = %d, want 4 (self + 2 args + 1)", instr.B())
			}
			return
		}
	}
	t.Error("no CALL emitted")
}
