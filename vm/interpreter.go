package vm

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: register-window bytecode interpreter
// ---------------------------------------------------------------------------

// NativeFn is the signature of host functions exposed to scripts. The
// dispatcher stores the returned Value into the callee's own register.
type NativeFn func(vm *VM, args []Value) Value

// DefaultInstructionBudget bounds a single run. Programs that exceed it are
// aborted with a diagnostic instead of hanging.
const DefaultInstructionBudget = 1_000_000

// stackSize is the fixed capacity of the value stack; it bounds recursion.
const stackSize = 4096

// frameWindow is the register window reserved per frame.
const frameWindow = 256

// CallFrame is one activation record: a window into the value stack
// starting at BaseSlot.
type CallFrame struct {
	chunk     *Chunk
	pc        int
	baseSlot  int
	returnReg int // register in the caller's window; -1 keeps the callee slot
}

// tryHandler records an active coba body. Runtime errors unwind to the
// newest handler, bind the message to its error register and resume at the
// catch target.
type tryHandler struct {
	frameDepth int // len(frames) when the handler was installed
	catchPC    int
	errReg     int
}

// RuntimeError is the error reported when a run aborts.
type RuntimeError struct {
	Message string
}

func (e *RuntimeError) Error() string { return e.Message }

// VM interprets compiled chunks. It owns the globals, the value stack and
// every chunk loaded through impor. It is strictly single-threaded.
type VM struct {
	stack    []Value
	frames   []CallFrame
	handlers []tryHandler

	globals map[string]Value
	modules map[string]func(vm *VM) Value

	// loader compiles a source file for impor. Wired by the embedder so the
	// vm package stays independent of the compiler package.
	loader func(path string) (*Chunk, string, error)

	// managedChunks keeps dynamically imported chunks alive for the VM's
	// lifetime.
	managedChunks []*Chunk

	source     string
	lastResult Value

	Budget int
	Debug  bool

	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	budgetExhausted  bool
	instructionCount int

	log commonlog.Logger
}

// New creates a VM with the builtin natives and host modules installed.
func New() *VM {
	vm := &VM{
		globals: make(map[string]Value),
		modules: make(map[string]func(vm *VM) Value),
		Budget:  DefaultInstructionBudget,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Stdin:   os.Stdin,
		log:     commonlog.GetLogger("manifast.vm"),
	}
	vm.resetStack()
	registerNatives(vm)
	registerModules(vm)
	return vm
}

// DefineNative installs a host function into the globals under name.
func (vm *VM) DefineNative(name string, fn NativeFn) {
	vm.globals[name] = NativeValue(fn)
}

// RegisterModule installs a host module for impor. The builder runs on
// every impor of that name; its result is not cached.
func (vm *VM) RegisterModule(name string, build func(vm *VM) Value) {
	vm.modules[name] = build
}

// SetLoader wires the compiler used by impor for .mnf files.
func (vm *VM) SetLoader(loader func(path string) (*Chunk, string, error)) {
	vm.loader = loader
}

// Global reads a global by name.
func (vm *VM) Global(name string) (Value, bool) {
	v, ok := vm.globals[name]
	return v, ok
}

// SetGlobal writes a global by name.
func (vm *VM) SetGlobal(name string, v Value) {
	vm.globals[name] = v
}

// LastResult returns the value computed by the most recent top-level
// RETURN.
func (vm *VM) LastResult() Value { return vm.lastResult }

func (vm *VM) resetStack() {
	vm.stack = make([]Value, stackSize)
	for i := range vm.stack {
		vm.stack[i] = Nil
	}
	vm.frames = vm.frames[:0]
	vm.handlers = vm.handlers[:0]
}

// RuntimeError aborts the current run with a formatted message. Native
// functions call this to signal errors; control does not return to the
// caller.
func (vm *VM) RuntimeError(format string, args ...any) {
	panic(&RuntimeError{Message: fmt.Sprintf(format, args...)})
}

// Interpret executes a chunk. Re-entrant: native functions may call it and
// execution resumes in the outer run when the inner one finishes. The
// source text is used for caret diagnostics.
func (vm *VM) Interpret(chunk *Chunk, source string) error {
	if chunk == nil || len(chunk.Code) == 0 {
		return nil
	}

	oldSource := vm.source
	vm.source = source
	defer func() { vm.source = oldSource }()

	nextBase := 0
	if len(vm.frames) > 0 {
		nextBase = vm.frames[len(vm.frames)-1].baseSlot + frameWindow
		if nextBase+frameWindow > len(vm.stack) {
			return vm.abort(&RuntimeError{Message: "Batas rekursi tercapai (Interpret)"})
		}
	} else {
		vm.resetStack()
	}

	vm.frames = append(vm.frames, CallFrame{
		chunk:    chunk,
		pc:       0,
		baseSlot: nextBase,
	})

	return vm.run(len(vm.frames) - 1)
}

// run drives dispatch until the frame stack drops back to entryDepth.
// Runtime errors raised inside are routed to the innermost coba handler;
// without one they are reported and the VM resets.
func (vm *VM) run(entryDepth int) error {
	// The instruction budget is per run; a nested run gets its own while
	// the outer one keeps its progress.
	saved := vm.instructionCount
	vm.instructionCount = 0
	defer func() { vm.instructionCount = saved }()

	for {
		rerr := vm.dispatch(entryDepth)
		if rerr == nil {
			return nil
		}

		if !vm.budgetExhausted {
			if h, ok := vm.popHandlerAbove(entryDepth); ok {
				// Unwind to the frame that installed the handler and resume
				// at its catch body with the message bound.
				vm.frames = vm.frames[:h.frameDepth]
				frame := &vm.frames[h.frameDepth-1]
				frame.pc = h.catchPC
				vm.stack[frame.baseSlot+h.errReg] = StringValue(rerr.Message)
				continue
			}
		}

		return vm.abort(rerr)
	}
}

// popHandlerAbove pops the newest handler installed within this run.
func (vm *VM) popHandlerAbove(entryDepth int) (tryHandler, bool) {
	for len(vm.handlers) > 0 {
		h := vm.handlers[len(vm.handlers)-1]
		vm.handlers = vm.handlers[:len(vm.handlers)-1]
		if h.frameDepth > entryDepth && h.frameDepth <= len(vm.frames) {
			return h, true
		}
	}
	return tryHandler{}, false
}

// abort reports an uncaught runtime error and resets the VM.
func (vm *VM) abort(rerr *RuntimeError) error {
	vm.reportRuntimeError(rerr.Message)
	vm.resetStack()
	vm.budgetExhausted = false
	return rerr
}

// dispatch is the fetch-decode-execute loop. It returns nil when the frame
// stack drops to entryDepth, or the runtime error that aborted it.
func (vm *VM) dispatch(entryDepth int) (rerr *RuntimeError) {
	defer func() {
		if r := recover(); r != nil {
			if re, ok := r.(*RuntimeError); ok {
				rerr = re
				return
			}
			panic(r)
		}
	}()

	frame := &vm.frames[len(vm.frames)-1]
	pc := frame.pc
	base := frame.baseSlot
	code := frame.chunk.Code

	sync := func() {
		frame = &vm.frames[len(vm.frames)-1]
		pc = frame.pc
		base = frame.baseSlot
		code = frame.chunk.Code
	}

	reg := func(x int) *Value { return &vm.stack[base+x] }
	rk := func(x int) Value {
		if !IsRK(x) {
			return vm.stack[base+x]
		}
		k := RKIndex(x)
		if k < len(frame.chunk.Constants) {
			return frame.chunk.Constants[k]
		}
		return Nil
	}

	for {
		vm.instructionCount++
		if vm.instructionCount > vm.Budget {
			vm.budgetExhausted = true
			vm.RuntimeError("Batas eksekusi tercapai (%d instruksi)", vm.Budget)
		}

		// Keep the frame's pc on the executing instruction for diagnostics
		// and re-entrancy.
		frame.pc = pc
		i := code[pc]
		pc++

		if vm.Debug {
			vm.log.Debugf("[%04d] %-10s A=%d B=%d C=%d", pc-1, i.Op(), i.A(), i.B(), i.C())
		}

		switch i.Op() {
		case OpMove:
			*reg(i.A()) = *reg(i.B())

		case OpLoadK:
			*reg(i.A()) = frame.chunk.Constants[i.Bx()]

		case OpLoadBool:
			*reg(i.A()) = BoolValue(i.B() != 0)
			if i.C() != 0 {
				pc++
			}

		case OpLoadNil:
			a, b := i.A(), i.B()
			for j := 0; j <= b; j++ {
				*reg(a + j) = Nil
			}

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow:
			vb := rk(i.B())
			vc := rk(i.C())
			op := i.Op()
			switch {
			case vb.IsNumber() && vc.IsNumber():
				var res float64
				switch op {
				case OpAdd:
					res = vb.Number + vc.Number
				case OpSub:
					res = vb.Number - vc.Number
				case OpMul:
					res = vb.Number * vc.Number
				case OpDiv:
					res = vb.Number / vc.Number
				case OpMod:
					res = math.Mod(vb.Number, vc.Number)
				case OpPow:
					res = math.Pow(vb.Number, vc.Number)
				}
				*reg(i.A()) = NumberValue(res)

			case op == OpAdd && (vb.IsString() || vc.IsString()):
				*reg(i.A()) = StringValue(vb.String() + vc.String())

			case vb.IsInstance() || vc.IsInstance():
				name := metamethodName(op)
				if name == "" {
					vm.RuntimeError("Operator tidak didukung untuk objek")
				}
				inst := vb
				if !inst.IsInstance() {
					inst = vc
				}
				method, ok := inst.AsInstance().Class.Methods.Get(name)
				if !ok || !method.IsFunction() {
					vm.RuntimeError("Objek tidak memiliki metamethod '%s'", name)
				}
				a := i.A()
				nextBase := base + a + 1
				if nextBase+frameWindow > len(vm.stack) {
					vm.RuntimeError("Tumpukan Meluap (Stack Overflow)")
				}
				frame.pc = pc
				*reg(a + 1) = vb
				*reg(a + 2) = vc
				vm.frames = append(vm.frames, CallFrame{
					chunk:     method.AsChunk(),
					pc:        0,
					baseSlot:  nextBase,
					returnReg: a,
				})
				sync()

			default:
				vm.RuntimeError("Operan aritmatika harus berupa angka")
			}

		case OpBAnd, OpBOr, OpBXor, OpShl, OpShr:
			vb := rk(i.B())
			vc := rk(i.C())
			if !vb.IsNumber() || !vc.IsNumber() {
				vm.RuntimeError("Operan bitwise harus berupa angka")
			}
			nb := int64(vb.Number)
			nc := int64(vc.Number)
			var res int64
			switch i.Op() {
			case OpBAnd:
				res = nb & nc
			case OpBOr:
				res = nb | nc
			case OpBXor:
				res = nb ^ nc
			case OpShl:
				res = nb << uint64(nc&63)
			case OpShr:
				// Arithmetic shift: the sign bit propagates.
				res = nb >> uint64(nc&63)
			}
			*reg(i.A()) = NumberValue(float64(res))

		case OpUnm:
			v := *reg(i.B())
			if !v.IsNumber() {
				vm.RuntimeError("Operan negasi harus berupa angka")
			}
			*reg(i.A()) = NumberValue(-v.Number)

		case OpBNot:
			v := *reg(i.B())
			if !v.IsNumber() {
				vm.RuntimeError("Operan bitwise harus berupa angka")
			}
			*reg(i.A()) = NumberValue(float64(^int64(v.Number)))

		case OpNot:
			*reg(i.A()) = BoolValue(!reg(i.B()).Truthy())

		case OpEq:
			res := Equal(rk(i.B()), rk(i.C()))
			if res != (i.A() != 0) {
				pc++
			}

		case OpLt:
			vb := rk(i.B())
			vc := rk(i.C())
			res := vb.IsNumber() && vc.IsNumber() && vb.Number < vc.Number
			if res != (i.A() != 0) {
				pc++
			}

		case OpLe:
			vb := rk(i.B())
			vc := rk(i.C())
			res := vb.IsNumber() && vc.IsNumber() && vb.Number <= vc.Number
			if res != (i.A() != 0) {
				pc++
			}

		case OpJmp:
			pc += i.SBx()

		case OpTest:
			if reg(i.A()).Truthy() == (i.C() != 0) {
				pc++
			}

		case OpTestSet:
			v := *reg(i.B())
			if v.Truthy() == (i.C() != 0) {
				*reg(i.A()) = v
			} else {
				pc++
			}

		case OpCall:
			a := i.A()
			nparams := i.B() - 1

			callee := *reg(a)
			switch callee.Tag {
			case TagNative:
				frame.pc = pc
				args := vm.stack[base+a+1 : base+a+1+nparams]
				result := callee.AsNative()(vm, args)
				sync()
				pc = frame.pc
				*reg(a) = result

			case TagFunction:
				nextBase := base + a + 1
				if nextBase+frameWindow > len(vm.stack) {
					vm.RuntimeError("Tumpukan Meluap (Stack Overflow)")
				}
				frame.pc = pc
				vm.frames = append(vm.frames, CallFrame{
					chunk:     callee.AsChunk(),
					pc:        0,
					baseSlot:  nextBase,
					returnReg: a,
				})
				sync()

			case TagClass:
				class := callee.AsClass()
				inst := InstanceValue(NewInstance(class))
				init, ok := class.Methods.Get("inisiasi")
				if ok && init.IsFunction() {
					nextBase := base + a
					if nextBase+frameWindow > len(vm.stack) {
						vm.RuntimeError("Tumpukan Meluap (Stack Overflow)")
					}
					// self occupies the callee slot; constructor arguments
					// are already in place after it.
					*reg(a) = inst
					frame.pc = pc
					vm.frames = append(vm.frames, CallFrame{
						chunk:     init.AsChunk(),
						pc:        0,
						baseSlot:  nextBase,
						returnReg: -1,
					})
					sync()
				} else {
					*reg(a) = inst
				}

			default:
				vm.RuntimeError("Panggilan ke non-fungsi (tipe %s)", callee.Tag.TypeName())
			}

		case OpReturn:
			a := i.A()
			n := i.B() - 1
			result := Nil
			if n > 0 {
				result = *reg(a)
			}

			retReg := frame.returnReg
			vm.frames = vm.frames[:len(vm.frames)-1]

			// Handlers installed by the popped frame are dead.
			for len(vm.handlers) > 0 && vm.handlers[len(vm.handlers)-1].frameDepth > len(vm.frames) {
				vm.handlers = vm.handlers[:len(vm.handlers)-1]
			}

			if len(vm.frames) == entryDepth {
				vm.lastResult = result
				return nil
			}

			sync()
			if retReg >= 0 {
				*reg(retReg) = result
			}

		case OpGetGlobal:
			key := frame.chunk.Constants[i.Bx()]
			if key.IsString() {
				if v, ok := vm.globals[key.AsString()]; ok {
					*reg(i.A()) = v
				} else {
					vm.log.Debugf("global tidak ditemukan: %q", key.AsString())
					*reg(i.A()) = Nil
				}
			}

		case OpSetGlobal:
			key := frame.chunk.Constants[i.Bx()]
			if key.IsString() {
				vm.globals[key.AsString()] = *reg(i.A())
			}

		case OpGetTable:
			obj := *reg(i.B())
			key := rk(i.C())
			*reg(i.A()) = vm.getIndex(obj, key)

		case OpSetTable:
			obj := *reg(i.A())
			key := rk(i.B())
			val := rk(i.C())
			vm.setIndex(obj, key, val)

		case OpNewArray:
			*reg(i.A()) = ArrayValue(NewArray(i.B()))

		case OpNewTable:
			*reg(i.A()) = ObjectValue(NewObject())

		case OpNewClass:
			name := frame.chunk.Constants[i.Bx()]
			*reg(i.A()) = ClassValue(NewClass(name.AsString()))

		case OpSetList:
			a := i.A()
			n := i.B()
			c := i.C()
			arr := *reg(a)
			if !arr.IsArray() {
				vm.RuntimeError("SETLIST pada non-array")
			}
			for j := 1; j <= n; j++ {
				arr.AsArray().Set((c-1)*ListBatch+j, *reg(a+j))
			}

		case OpGetSlice:
			obj := *reg(i.B())
			start := rk(i.C())
			// The end bound travels in a trailing instruction word holding
			// a bare RK index.
			endRK := int(code[pc])
			pc++
			end := rk(endRK)
			*reg(i.A()) = vm.slice(obj, start, end)

		case OpTryBegin:
			vm.handlers = append(vm.handlers, tryHandler{
				frameDepth: len(vm.frames),
				catchPC:    pc + i.SBx(),
				errReg:     i.A(),
			})

		case OpTryEnd:
			if len(vm.handlers) > 0 {
				vm.handlers = vm.handlers[:len(vm.handlers)-1]
			}

		default:
			vm.RuntimeError("Opcode tidak dikenal (%d)", uint8(i.Op()))
		}
	}
}

// metamethodName maps an arithmetic opcode to the instance method invoked
// when an operand is an Instance.
func metamethodName(op Opcode) string {
	switch op {
	case OpAdd:
		return "__jumlah"
	case OpSub:
		return "__kurang"
	case OpMul:
		return "__kali"
	case OpDiv:
		return "__bagi"
	}
	return ""
}

// getIndex implements GETTABLE dispatch over the indexable tags.
func (vm *VM) getIndex(obj, key Value) Value {
	switch obj.Tag {
	case TagNil:
		vm.RuntimeError("Mencoba mengakses properti pada 'nil'")

	case TagObject:
		if !key.IsString() {
			vm.RuntimeError("Kunci objek harus berupa string")
		}
		v, _ := obj.AsObject().Get(key.AsString())
		return v

	case TagInstance:
		if !key.IsString() {
			vm.RuntimeError("Kunci objek harus berupa string")
		}
		inst := obj.AsInstance()
		if v, ok := inst.Fields.Get(key.AsString()); ok && !v.IsNil() {
			return v
		}
		v, _ := inst.Class.Methods.Get(key.AsString())
		return v

	case TagClass:
		if !key.IsString() {
			vm.RuntimeError("Kunci objek harus berupa string")
		}
		v, _ := obj.AsClass().Methods.Get(key.AsString())
		return v

	case TagArray:
		if !key.IsNumber() {
			vm.RuntimeError("Indeks array harus berupa angka")
		}
		idx := int(key.Number)
		if idx == 0 {
			vm.RuntimeError("Indeks array harus dimulai dari 1 (Manifast menggunakan 1-based indexing)")
		}
		return obj.AsArray().Get(idx)

	case TagString:
		if !key.IsNumber() {
			vm.RuntimeError("Indeks string harus berupa angka")
		}
		s := obj.AsString()
		idx := int(key.Number)
		if idx == 0 {
			vm.RuntimeError("Indeks string harus dimulai dari 1 (Manifast menggunakan 1-based indexing)")
		}
		if idx < 1 {
			vm.RuntimeError("Indeks string harus >= 1")
		}
		if idx <= len(s) {
			return StringValue(s[idx-1 : idx])
		}
		return Nil

	default:
		vm.RuntimeError("Tipe tidak dapat di-index (bukan array/objek/string)")
	}
	return Nil
}

// setIndex implements SETTABLE dispatch.
func (vm *VM) setIndex(obj, key, val Value) {
	switch obj.Tag {
	case TagObject:
		if !key.IsString() {
			vm.RuntimeError("Kunci objek harus berupa string")
		}
		obj.AsObject().Set(key.AsString(), val)

	case TagInstance:
		if !key.IsString() {
			vm.RuntimeError("Kunci objek harus berupa string")
		}
		obj.AsInstance().Fields.Set(key.AsString(), val)

	case TagClass:
		if !key.IsString() {
			vm.RuntimeError("Kunci objek harus berupa string")
		}
		obj.AsClass().Methods.Set(key.AsString(), val)

	case TagArray:
		if !key.IsNumber() {
			vm.RuntimeError("Indeks array harus berupa angka")
		}
		idx := int(key.Number)
		if idx == 0 {
			vm.RuntimeError("Indeks array harus dimulai dari 1 (Manifast menggunakan 1-based indexing)")
		}
		if !obj.AsArray().Set(idx, val) {
			vm.RuntimeError("Indeks array di luar batas (maksimum %d)", MaxArrayGrow)
		}

	case TagNil:
		vm.RuntimeError("Mencoba menulis properti pada 'nil'")

	default:
		vm.RuntimeError("Tipe tidak dapat di-index (bukan array/objek)")
	}
}

// slice implements GETSLICE for arrays and strings. Nil bounds default to
// the start and end of the sequence; bounds are 1-based inclusive and
// clamped.
func (vm *VM) slice(obj, start, end Value) Value {
	switch obj.Tag {
	case TagArray:
		arr := obj.AsArray()
		s, e := sliceBounds(start, end, arr.Len())
		return ArrayValue(arr.Slice(s, e))

	case TagString:
		str := obj.AsString()
		s, e := sliceBounds(start, end, len(str))
		if s < 1 {
			s = 1
		}
		if e > len(str) {
			e = len(str)
		}
		if e < s {
			return StringValue("")
		}
		return StringValue(str[s-1 : e])

	default:
		return Nil
	}
}

func sliceBounds(start, end Value, length int) (int, int) {
	s := 1
	if start.IsNumber() {
		s = int(start.Number)
	}
	e := length
	if end.IsNumber() {
		e = int(end.Number)
	}
	return s, e
}

// reportRuntimeError prints the diagnostic block: header, source line with
// caret, message, register dump and stack trace.
func (vm *VM) reportRuntimeError(message string) {
	w := vm.Stderr

	if len(vm.frames) == 0 {
		fmt.Fprintf(w, "\n[ERROR RUNTIME] %s\n", message)
		return
	}

	frame := &vm.frames[len(vm.frames)-1]
	pc := frame.pc
	if pc < 0 {
		pc = 0
	}

	line := frame.chunk.Line(pc)
	offset := frame.chunk.Offset(pc)

	fmt.Fprintf(w, "\n[ERROR RUNTIME] Baris %d\n", line)

	if offset >= 0 && vm.source != "" && offset <= len(vm.source) {
		lineStr, col := sourceLineAt(vm.source, offset)
		fmt.Fprintf(w, "  %s\n", lineStr)
		fmt.Fprintf(w, "  %s^\n", caretPadding(lineStr, col))
	}

	fmt.Fprintf(w, "-> %s\n", message)

	base := frame.baseSlot
	fmt.Fprintf(w, "\nRegister Dump (base=%d):\n", base)
	for j := 0; j < 16 && base+j < len(vm.stack); j++ {
		v := vm.stack[base+j]
		fmt.Fprintf(w, "  R(%d): tipe=%s, val=%g", j, v.Tag.TypeName(), v.Number)
		if v.IsString() {
			fmt.Fprintf(w, " s=%q", v.AsString())
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\nJejak tumpukan (Stack Trace):\n")
	for i := len(vm.frames) - 1; i >= 0; i-- {
		f := &vm.frames[i]
		fpc := f.pc
		if i < len(vm.frames)-1 {
			// Parent frames store the resume point, one past the call.
			fpc--
		}
		if fpc < 0 {
			fpc = 0
		}
		name := f.chunk.Name
		if name == "" {
			name = "<anonim>"
		}
		fmt.Fprintf(w, "  pada %s (baris %d)\n", name, f.chunk.Line(fpc))
	}
	fmt.Fprintln(w)
}

// sourceLineAt extracts the source line containing a byte offset and the
// column of that offset within it.
func sourceLineAt(source string, offset int) (string, int) {
	if offset > len(source) {
		offset = len(source)
	}
	start := offset
	for start > 0 && source[start-1] != '\n' {
		start--
	}
	end := offset
	for end < len(source) && source[end] != '\n' {
		end++
	}
	return source[start:end], offset - start
}

// caretPadding builds the whitespace run that aligns a caret under a
// column, preserving tabs.
func caretPadding(lineStr string, col int) string {
	var sb strings.Builder
	for j := 0; j < col && j < len(lineStr); j++ {
		if lineStr[j] == '\t' {
			sb.WriteByte('\t')
		} else {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}
