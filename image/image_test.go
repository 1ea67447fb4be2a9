package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/manifast-lang/manifast/vm"
)

// buildChunk assembles a small chunk tree with a nested function, the way
// the compiler lays them out.
func buildChunk() *vm.Chunk {
	sub := vm.NewChunk("tambah")
	k := sub.AddConstant(vm.NumberValue(1))
	sub.Write(vm.CreateABC(vm.OpAdd, 0, 0, vm.RKConstBase+k), 2, 10)
	sub.Write(vm.CreateABC(vm.OpReturn, 0, 2, 0), 2, 14)

	c := vm.NewChunk("main")
	idx := c.AddFunction(sub)
	c.AddConstant(vm.FunctionValue(idx, sub))
	c.AddConstant(vm.StringValue("halo"))
	c.AddConstant(vm.NumberValue(3.5))
	c.AddConstant(vm.BoolValue(true))
	c.AddConstant(vm.Nil)
	c.Write(vm.CreateABx(vm.OpLoadK, 0, 0), 1, 0)
	c.Write(vm.CreateABC(vm.OpReturn, 0, 1, 0), 1, 0)
	return c
}

func TestMarshalRoundTrip(t *testing.T) {
	original := buildChunk()

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Name != "main" {
		t.Errorf("name = %q", decoded.Name)
	}
	if len(decoded.Code) != len(original.Code) {
		t.Fatalf("code length %d, want %d", len(decoded.Code), len(original.Code))
	}
	for i := range original.Code {
		if decoded.Code[i] != original.Code[i] {
			t.Errorf("code[%d] = %v, want %v", i, decoded.Code[i], original.Code[i])
		}
	}
	if len(decoded.Lines) != len(original.Lines) || len(decoded.Offsets) != len(original.Offsets) {
		t.Error("debug tables lost")
	}
	if len(decoded.Constants) != len(original.Constants) {
		t.Fatalf("constants %d, want %d", len(decoded.Constants), len(original.Constants))
	}

	// The function constant must point at the decoded nested chunk.
	fn := decoded.Constants[0]
	if !fn.IsFunction() {
		t.Fatalf("constant 0 tag = %d, want function", fn.Tag)
	}
	if len(decoded.Functions) != 1 || fn.AsChunk() != decoded.Functions[0] {
		t.Error("function constant not re-linked to Functions[0]")
	}
	if decoded.Functions[0].Name != "tambah" {
		t.Errorf("nested name = %q", decoded.Functions[0].Name)
	}

	// Scalars survive.
	if s := decoded.Constants[1]; !s.IsString() || s.AsString() != "halo" {
		t.Errorf("string constant = %v", s)
	}
	if n := decoded.Constants[2]; !vm.Equal(n, vm.NumberValue(3.5)) {
		t.Errorf("number constant = %v", n)
	}
	if b := decoded.Constants[3]; !vm.Equal(b, vm.BoolValue(true)) {
		t.Errorf("bool constant = %v", b)
	}
	if !decoded.Constants[4].IsNil() {
		t.Error("nil constant lost")
	}
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	if _, err := Unmarshal([]byte("XXXX\x00\x01rest")); err == nil {
		t.Fatal("bad magic accepted")
	}
	if _, err := Unmarshal([]byte("MN")); err == nil {
		t.Fatal("truncated header accepted")
	}
}

func TestUnmarshalRejectsNewerVersion(t *testing.T) {
	data, err := Marshal(buildChunk())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data[4] = 0xFF // bump major version byte
	if _, err := Unmarshal(data); err == nil {
		t.Fatal("newer version accepted")
	}
}

func TestMarshalRejectsHeapConstants(t *testing.T) {
	c := vm.NewChunk("bad")
	c.Constants = append(c.Constants, vm.ArrayValue(vm.NewArray(1)))
	if _, err := Marshal(c); err == nil {
		t.Fatal("heap-object constant accepted")
	}
}

func TestWriteAndReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mfi")

	if err := WriteFile(path, buildChunk()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}

	c, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if c.Name != "main" {
		t.Errorf("name = %q", c.Name)
	}
}
