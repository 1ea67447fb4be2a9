package compiler

import (
	"fmt"
	"os"
	"strings"

	"github.com/manifast-lang/manifast/vm"
)

// ---------------------------------------------------------------------------
// Codegen: single-pass AST -> bytecode chunk lowering
// ---------------------------------------------------------------------------

// CompileError describes a failed compilation. A chunk produced alongside
// a CompileError must not be executed.
type CompileError struct {
	Line    int
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("baris %d: %s", e.Line, e.Message)
}

// local tracks a named variable pinned to a register until its scope
// closes.
type local struct {
	name    string
	depth   int
	reg     int
	isConst bool
}

type codegen struct {
	chunk      *vm.Chunk
	nextReg    int
	locals     []local
	scopeDepth int

	// Source position attached to emitted instructions.
	line   int
	offset int
}

// Compile lowers a parsed statement list into a chunk. Every emitted chunk
// ends with a RETURN instruction.
func Compile(stmts []Stmt, name string) (chunk *vm.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(*CompileError); ok {
				chunk = nil
				err = ce
				return
			}
			panic(r)
		}
	}()

	c := &codegen{chunk: vm.NewChunk(name)}
	for _, stmt := range stmts {
		c.compileStmt(stmt)
	}
	c.emit(vm.CreateABC(vm.OpReturn, 0, 1, 0))
	return c.chunk, nil
}

// CompileSource runs the full front end over source text. Parse errors are
// reported to stderr and collapse into a single compile error.
func CompileSource(source, name string) (*vm.Chunk, error) {
	lexer := NewLexer(source)
	parser := NewParser(lexer)
	stmts, hadError := parser.Parse()
	if hadError {
		return nil, &CompileError{Message: "kompilasi gagal karena kesalahan sintaks"}
	}
	return Compile(stmts, name)
}

// CompileFile reads and compiles a source file, returning the chunk and
// the source text for diagnostics. This is the loader the VM's impor hook
// is wired with.
func CompileFile(path string) (*vm.Chunk, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	source := string(data)
	chunk, err := CompileSource(source, path)
	if err != nil {
		return nil, "", err
	}
	return chunk, source, nil
}

func (c *codegen) fail(format string, args ...any) {
	panic(&CompileError{Line: c.line, Message: fmt.Sprintf(format, args...)})
}

// mark records a node's source position for subsequent emits.
func (c *codegen) mark(n Node) {
	c.line, c.offset = n.Pos()
}

func (c *codegen) emit(i vm.Instruction) int {
	return c.chunk.Write(i, c.line, c.offset)
}

// emitJump emits a placeholder jump and returns its index for patching.
func (c *codegen) emitJump(op vm.Opcode, a int) int {
	return c.emit(vm.CreateAsBx(op, a, 0))
}

// patchJump rewrites a placeholder so it lands on the next emitted
// instruction. The VM advances pc past the jump before applying sBx, so
// the offset is relative to the instruction after it.
func (c *codegen) patchJump(index int) {
	instr := c.chunk.Code[index]
	sbx := len(c.chunk.Code) - index - 1
	c.chunk.Code[index] = vm.CreateAsBx(instr.Op(), instr.A(), sbx)
}

// emitLoop emits a backward jump to loopStart.
func (c *codegen) emitLoop(loopStart int) {
	c.emit(vm.CreateAsBx(vm.OpJmp, 0, loopStart-(len(c.chunk.Code)+1)))
}

func (c *codegen) allocReg() int {
	if c.nextReg > vm.MaxReg {
		c.fail("Terlalu banyak register (ekspresi terlalu kompleks)")
	}
	r := c.nextReg
	c.nextReg++
	return r
}

func (c *codegen) freeReg() {
	c.nextReg--
}

func (c *codegen) makeConstant(v vm.Value) int {
	return c.chunk.AddConstant(v)
}

// rkConstant returns the RK encoding of a constant operand.
func (c *codegen) rkConstant(v vm.Value) int {
	k := c.makeConstant(v)
	if k >= vm.RKConstBase {
		c.fail("Terlalu banyak konstanta dalam satu chunk")
	}
	return vm.RKConstBase + k
}

func (c *codegen) resolveLocal(name string) (local, bool) {
	for i := len(c.locals) - 1; i >= 0; i-- {
		if c.locals[i].name == name {
			return c.locals[i], true
		}
	}
	return local{}, false
}

func (c *codegen) declareLocal(name string, reg int, isConst bool) {
	c.locals = append(c.locals, local{name: name, depth: c.scopeDepth, reg: reg, isConst: isConst})
}

func (c *codegen) beginScope() { c.scopeDepth++ }

func (c *codegen) endScope() {
	c.scopeDepth--
	for len(c.locals) > 0 && c.locals[len(c.locals)-1].depth > c.scopeDepth {
		c.locals = c.locals[:len(c.locals)-1]
		c.nextReg--
	}
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (c *codegen) compileStmt(stmt Stmt) {
	if stmt == nil {
		c.fail("Pernyataan tidak lengkap")
	}
	c.mark(stmt)

	switch s := stmt.(type) {
	case *ExprStmt:
		c.compileExpr(s.Expression)
		c.freeReg()

	case *VarDeclStmt:
		reg := c.allocReg()
		if s.Initializer != nil {
			init := c.compileExpr(s.Initializer)
			c.mark(s)
			c.emit(vm.CreateABC(vm.OpMove, reg, init, 0))
			c.freeReg()
		} else {
			c.emit(vm.CreateABC(vm.OpLoadNil, reg, 0, 0))
		}
		c.declareLocal(s.Name, reg, s.IsConst)

	case *BlockStmt:
		c.beginScope()
		for _, st := range s.Statements {
			c.compileStmt(st)
		}
		c.endScope()

	case *IfStmt:
		cond := c.compileExpr(s.Condition)
		c.mark(s)
		// Skip the exit jump while the condition holds.
		c.emit(vm.CreateABC(vm.OpTest, cond, 0, 1))
		elseJump := c.emitJump(vm.OpJmp, 0)
		c.freeReg()

		c.compileStmt(s.ThenBranch)

		if s.ElseBranch != nil {
			endJump := c.emitJump(vm.OpJmp, 0)
			c.patchJump(elseJump)
			c.compileStmt(s.ElseBranch)
			c.patchJump(endJump)
		} else {
			c.patchJump(elseJump)
		}

	case *WhileStmt:
		loopStart := len(c.chunk.Code)
		cond := c.compileExpr(s.Condition)
		c.mark(s)
		c.emit(vm.CreateABC(vm.OpTest, cond, 0, 1))
		exitJump := c.emitJump(vm.OpJmp, 0)
		c.freeReg()

		c.compileStmt(s.Body)
		c.emitLoop(loopStart)
		c.patchJump(exitJump)

	case *ForStmt:
		c.compileFor(s)

	case *FunctionStmt:
		sub := c.compileFunctionBody(s.Name, s.Params, s.Body)
		idx := c.chunk.AddFunction(sub)
		c.mark(s)
		kFunc := c.makeConstant(vm.FunctionValue(idx, sub))
		kName := c.makeConstant(vm.StringValue(s.Name))
		r := c.allocReg()
		c.emit(vm.CreateABx(vm.OpLoadK, r, kFunc))
		c.emit(vm.CreateABx(vm.OpSetGlobal, r, kName))
		c.freeReg()

	case *ClassStmt:
		c.compileClass(s)

	case *TryStmt:
		c.compileTry(s)

	case *ReturnStmt:
		if s.Value != nil {
			r := c.compileExpr(s.Value)
			c.mark(s)
			c.emit(vm.CreateABC(vm.OpReturn, r, 2, 0))
			c.freeReg()
		} else {
			c.emit(vm.CreateABC(vm.OpReturn, 0, 1, 0))
		}

	default:
		c.fail("Pernyataan tidak dikenal")
	}
}

// compileFor lowers the numeric untuk loop. The loop variable and the
// hidden limit and step registers live in a scope of their own so the
// variable does not leak.
func (c *codegen) compileFor(s *ForStmt) {
	c.beginScope()

	varReg := c.allocReg()
	start := c.compileExpr(s.Start)
	c.mark(s)
	c.emit(vm.CreateABC(vm.OpMove, varReg, start, 0))
	c.freeReg()
	c.declareLocal(s.VarName, varReg, false)

	limitReg := c.allocReg()
	end := c.compileExpr(s.End)
	c.mark(s)
	c.emit(vm.CreateABC(vm.OpMove, limitReg, end, 0))
	c.freeReg()
	c.declareLocal("(batas untuk)", limitReg, false)

	stepReg := c.allocReg()
	if s.Step != nil {
		step := c.compileExpr(s.Step)
		c.mark(s)
		c.emit(vm.CreateABC(vm.OpMove, stepReg, step, 0))
		c.freeReg()
	} else {
		c.emit(vm.CreateABx(vm.OpLoadK, stepReg, c.makeConstant(vm.NumberValue(1))))
	}
	c.declareLocal("(langkah untuk)", stepReg, false)

	loopStart := len(c.chunk.Code)
	// Continue while var <= limit: a false comparison falls through to the
	// exit jump.
	c.emit(vm.CreateABC(vm.OpLe, 0, varReg, limitReg))
	exitJump := c.emitJump(vm.OpJmp, 0)

	c.compileStmt(s.Body)

	c.mark(s)
	c.emit(vm.CreateABC(vm.OpAdd, varReg, varReg, stepReg))
	c.emitLoop(loopStart)
	c.patchJump(exitJump)

	c.endScope()
}

// compileClass emits NEWCLASS, compiles every method into a nested chunk
// and installs them into the class's method table, then binds the class
// globally under its name.
func (c *codegen) compileClass(s *ClassStmt) {
	kName := c.makeConstant(vm.StringValue(s.Name))
	r := c.allocReg()
	c.emit(vm.CreateABx(vm.OpNewClass, r, kName))

	for _, method := range s.Methods {
		sub := c.compileFunctionBody(s.Name+"."+method.Name, method.Params, method.Body)
		idx := c.chunk.AddFunction(sub)
		c.mark(method)
		kFunc := c.makeConstant(vm.FunctionValue(idx, sub))
		rm := c.allocReg()
		c.emit(vm.CreateABx(vm.OpLoadK, rm, kFunc))
		c.emit(vm.CreateABC(vm.OpSetTable, r, c.rkConstant(vm.StringValue(method.Name)), rm))
		c.freeReg()
	}

	c.mark(s)
	c.emit(vm.CreateABx(vm.OpSetGlobal, r, kName))
	c.freeReg()
}

// compileTry brackets the body with TRYBEGIN/TRYEND. The catch variable's
// register is the error landing slot; the VM binds the message there
// before resuming at the catch body.
func (c *codegen) compileTry(s *TryStmt) {
	c.beginScope()

	catchName := s.CatchVar
	if catchName == "" {
		catchName = "(galat)"
	}
	catchReg := c.allocReg()
	c.emit(vm.CreateABC(vm.OpLoadNil, catchReg, 0, 0))
	c.declareLocal(catchName, catchReg, false)

	tryBegin := c.emitJump(vm.OpTryBegin, catchReg)

	c.compileStmt(s.Body)

	c.emit(vm.CreateABC(vm.OpTryEnd, 0, 0, 0))
	endJump := c.emitJump(vm.OpJmp, 0)

	c.patchJump(tryBegin)
	if s.CatchBody != nil {
		c.compileStmt(s.CatchBody)
	}
	c.patchJump(endJump)

	c.endScope()
}

// compileFunctionBody compiles a function body into a fresh chunk with its
// own register and scope state. Parameters occupy R(0..n-1).
func (c *codegen) compileFunctionBody(name string, params []string, body Stmt) *vm.Chunk {
	sub := &codegen{chunk: vm.NewChunk(name)}
	line, offset := body.Pos()
	sub.line, sub.offset = line, offset

	for i, p := range params {
		sub.declareLocal(p, i, false)
		sub.nextReg++
	}

	sub.compileStmt(body)
	sub.emit(vm.CreateABC(vm.OpReturn, 0, 1, 0))
	return sub.chunk
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// compileExpr emits code leaving the result in the returned register.
// Every expression allocates its result register at the current stack top,
// so consecutive compiles land in consecutive registers.
func (c *codegen) compileExpr(expr Expr) int {
	if expr == nil {
		c.fail("Ekspresi tidak lengkap")
	}
	c.mark(expr)

	switch e := expr.(type) {
	case *NumberExpr:
		r := c.allocReg()
		c.emit(vm.CreateABx(vm.OpLoadK, r, c.makeConstant(vm.NumberValue(e.Value))))
		return r

	case *StringExpr:
		r := c.allocReg()
		k := c.makeConstant(vm.StringValue(processEscapes(e.Value)))
		c.emit(vm.CreateABx(vm.OpLoadK, r, k))
		return r

	case *BoolExpr:
		r := c.allocReg()
		b := 0
		if e.Value {
			b = 1
		}
		c.emit(vm.CreateABC(vm.OpLoadBool, r, b, 0))
		return r

	case *NilExpr:
		r := c.allocReg()
		c.emit(vm.CreateABC(vm.OpLoadNil, r, 0, 0))
		return r

	case *VariableExpr:
		r := c.allocReg()
		if l, ok := c.resolveLocal(e.Name); ok {
			c.emit(vm.CreateABC(vm.OpMove, r, l.reg, 0))
		} else {
			c.emit(vm.CreateABx(vm.OpGetGlobal, r, c.makeConstant(vm.StringValue(e.Name))))
		}
		return r

	case *UnaryExpr:
		r := c.compileExpr(e.Right)
		c.mark(e)
		switch e.Op {
		case TokenMinus:
			c.emit(vm.CreateABC(vm.OpUnm, r, r, 0))
		case TokenBang:
			c.emit(vm.CreateABC(vm.OpNot, r, r, 0))
		case TokenTilde:
			c.emit(vm.CreateABC(vm.OpBNot, r, r, 0))
		default:
			c.fail("Operator unary tidak dikenal")
		}
		return r

	case *BinaryExpr:
		return c.compileBinary(e)

	case *AssignExpr:
		return c.compileAssign(e)

	case *GetExpr:
		r := c.compileExpr(e.Object)
		c.mark(e)
		c.emit(vm.CreateABC(vm.OpGetTable, r, r, c.rkConstant(vm.StringValue(e.Name))))
		return r

	case *IndexExpr:
		r := c.compileExpr(e.Object)
		idx := c.compileExpr(e.Index)
		c.mark(e)
		c.emit(vm.CreateABC(vm.OpGetTable, r, r, idx))
		c.freeReg()
		return r

	case *SliceExpr:
		return c.compileSlice(e)

	case *ArrayExpr:
		return c.compileArray(e)

	case *ObjectExpr:
		r := c.allocReg()
		c.emit(vm.CreateABC(vm.OpNewTable, r, 0, 0))
		for _, entry := range e.Entries {
			rv := c.compileExpr(entry.Value)
			c.mark(e)
			c.emit(vm.CreateABC(vm.OpSetTable, r, c.rkConstant(vm.StringValue(entry.Key)), rv))
			c.freeReg()
		}
		return r

	case *CallExpr:
		return c.compileCall(e)

	case *FunctionExpr:
		sub := c.compileFunctionBody("", e.Params, e.Body)
		idx := c.chunk.AddFunction(sub)
		c.mark(e)
		r := c.allocReg()
		c.emit(vm.CreateABx(vm.OpLoadK, r, c.makeConstant(vm.FunctionValue(idx, sub))))
		return r
	}

	c.fail("Ekspresi tidak dikenal")
	return 0
}

var binaryOps = map[TokenType]vm.Opcode{
	TokenPlus:           vm.OpAdd,
	TokenMinus:          vm.OpSub,
	TokenStar:           vm.OpMul,
	TokenSlash:          vm.OpDiv,
	TokenPercent:        vm.OpMod,
	TokenAmpersand:      vm.OpBAnd,
	TokenPipe:           vm.OpBOr,
	TokenCaret:          vm.OpBXor,
	TokenLessLess:       vm.OpShl,
	TokenGreaterGreater: vm.OpShr,
}

func (c *codegen) compileBinary(e *BinaryExpr) int {
	switch e.Op {
	case TokenAnd, TokenOr:
		return c.compileLogical(e)
	case TokenEqualEqual, TokenBangEqual, TokenLess, TokenLessEqual,
		TokenGreater, TokenGreaterEqual:
		return c.compileComparison(e)
	}

	op, ok := binaryOps[e.Op]
	if !ok {
		c.fail("Operator biner tidak dikenal: %s", e.Op)
	}

	left := c.compileExpr(e.Left)
	right := c.compileExpr(e.Right)
	c.mark(e)
	c.emit(vm.CreateABC(op, left, left, right))
	c.freeReg()
	return left
}

// compileComparison materializes a boolean from the EQ/LT/LE skip
// encoding: the comparison conditionally skips the jump over the
// false-loading instruction. > and >= reuse LT/LE with swapped operands;
// != reuses EQ with the A flag cleared.
func (c *codegen) compileComparison(e *BinaryExpr) int {
	left := c.compileExpr(e.Left)
	right := c.compileExpr(e.Right)
	c.mark(e)

	var op vm.Opcode
	aFlag := 1
	rb, rc := left, right
	switch e.Op {
	case TokenEqualEqual:
		op = vm.OpEq
	case TokenBangEqual:
		op = vm.OpEq
		aFlag = 0
	case TokenLess:
		op = vm.OpLt
	case TokenLessEqual:
		op = vm.OpLe
	case TokenGreater:
		op = vm.OpLt
		rb, rc = right, left
	case TokenGreaterEqual:
		op = vm.OpLe
		rb, rc = right, left
	}

	c.emit(vm.CreateABC(op, aFlag, rb, rc))
	c.emit(vm.CreateAsBx(vm.OpJmp, 0, 1))
	c.emit(vm.CreateABC(vm.OpLoadBool, left, 0, 1))
	c.emit(vm.CreateABC(vm.OpLoadBool, left, 1, 0))
	c.freeReg()
	return left
}

// compileLogical short-circuits dan/atau: the left value is kept when it
// decides the result, otherwise the right value replaces it.
func (c *codegen) compileLogical(e *BinaryExpr) int {
	dst := c.compileExpr(e.Left)
	c.mark(e)

	skipWhen := 1 // dan: evaluate the right side while the left is truthy
	if e.Op == TokenOr {
		skipWhen = 0
	}
	c.emit(vm.CreateABC(vm.OpTest, dst, 0, skipWhen))
	endJump := c.emitJump(vm.OpJmp, 0)

	right := c.compileExpr(e.Right)
	c.mark(e)
	c.emit(vm.CreateABC(vm.OpMove, dst, right, 0))
	c.freeReg()

	c.patchJump(endJump)
	return dst
}

var compoundOps = map[TokenType]TokenType{
	TokenPlusEqual:    TokenPlus,
	TokenMinusEqual:   TokenMinus,
	TokenStarEqual:    TokenStar,
	TokenSlashEqual:   TokenSlash,
	TokenPercentEqual: TokenPercent,
}

func (c *codegen) compileAssign(e *AssignExpr) int {
	// Compound assignment desugars to the binary operation before the
	// store.
	value := e.Value
	if baseOp, ok := compoundOps[e.Op]; ok {
		value = &BinaryExpr{
			position: position{Line: e.Line, Offset: e.Offset},
			Left:     e.Target,
			Op:       baseOp,
			Right:    e.Value,
		}
	}

	switch target := e.Target.(type) {
	case *VariableExpr:
		rv := c.compileExpr(value)
		c.mark(e)
		if l, ok := c.resolveLocal(target.Name); ok {
			if l.isConst {
				c.fail("Tidak dapat mengubah nilai 'tetap' %s", target.Name)
			}
			c.emit(vm.CreateABC(vm.OpMove, l.reg, rv, 0))
		} else {
			c.emit(vm.CreateABx(vm.OpSetGlobal, rv, c.makeConstant(vm.StringValue(target.Name))))
		}
		return rv

	case *GetExpr:
		robj := c.compileExpr(target.Object)
		rv := c.compileExpr(value)
		c.mark(e)
		c.emit(vm.CreateABC(vm.OpSetTable, robj, c.rkConstant(vm.StringValue(target.Name)), rv))
		c.emit(vm.CreateABC(vm.OpMove, robj, rv, 0))
		c.freeReg()
		return robj

	case *IndexExpr:
		robj := c.compileExpr(target.Object)
		ridx := c.compileExpr(target.Index)
		rv := c.compileExpr(value)
		c.mark(e)
		c.emit(vm.CreateABC(vm.OpSetTable, robj, ridx, rv))
		c.emit(vm.CreateABC(vm.OpMove, robj, rv, 0))
		c.freeReg()
		c.freeReg()
		return robj
	}

	c.fail("Lokasi penugasan tidak sah")
	return 0
}

// compileCall lowers callee(args...). The dot form injects the receiver
// as the implicit self argument.
func (c *codegen) compileCall(e *CallExpr) int {
	if get, ok := e.Callee.(*GetExpr); ok {
		return c.compileMethodCall(e, get)
	}

	rf := c.compileExpr(e.Callee)
	for _, arg := range e.Args {
		c.compileExpr(arg)
	}
	c.mark(e)
	c.emit(vm.CreateABC(vm.OpCall, rf, len(e.Args)+1, 2))
	c.nextReg -= len(e.Args)
	return rf
}

// compileMethodCall lowers obj.m(args): the object compiles once, the
// method is fetched from it, and the object rides along as self.
func (c *codegen) compileMethodCall(e *CallExpr, get *GetExpr) int {
	robj := c.compileExpr(get.Object)
	c.mark(e)

	rf := c.allocReg()
	c.emit(vm.CreateABC(vm.OpGetTable, rf, robj, c.rkConstant(vm.StringValue(get.Name))))

	rself := c.allocReg()
	c.emit(vm.CreateABC(vm.OpMove, rself, robj, 0))

	for _, arg := range e.Args {
		c.compileExpr(arg)
	}
	c.mark(e)
	c.emit(vm.CreateABC(vm.OpCall, rf, len(e.Args)+2, 2))

	// Drop self and the argument registers; the result sits in rf.
	c.nextReg -= len(e.Args) + 1
	c.emit(vm.CreateABC(vm.OpMove, robj, rf, 0))
	c.freeReg()
	return robj
}

// compileArray emits NEWARRAY followed by SETLIST batches.
func (c *codegen) compileArray(e *ArrayExpr) int {
	r := c.allocReg()
	c.emit(vm.CreateABC(vm.OpNewArray, r, len(e.Elements), 0))

	i := 0
	for batch := 1; i < len(e.Elements); batch++ {
		n := len(e.Elements) - i
		if n > vm.ListBatch {
			n = vm.ListBatch
		}
		for j := 0; j < n; j++ {
			c.compileExpr(e.Elements[i+j])
		}
		c.mark(e)
		c.emit(vm.CreateABC(vm.OpSetList, r, n, batch))
		c.nextReg -= n
		i += n
	}
	return r
}

// compileSlice emits GETSLICE with the end bound in a trailing word. Nil
// bounds become nil constants the VM resolves to the sequence edges.
func (c *codegen) compileSlice(e *SliceExpr) int {
	r := c.compileExpr(e.Object)

	startRK := c.rkConstant(vm.Nil)
	if e.Start != nil {
		startRK = c.compileExpr(e.Start)
	}
	endRK := c.rkConstant(vm.Nil)
	if e.End != nil {
		endRK = c.compileExpr(e.End)
	}

	c.mark(e)
	c.emit(vm.CreateABC(vm.OpGetSlice, r, r, startRK))
	c.emit(vm.Instruction(endRK))

	if e.End != nil {
		c.freeReg()
	}
	if e.Start != nil {
		c.freeReg()
	}
	return r
}

// processEscapes resolves the escape sequences of string literals.
func processEscapes(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			sb.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '\\':
			sb.WriteByte('\\')
		case '"':
			sb.WriteByte('"')
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
