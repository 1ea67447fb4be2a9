package vm

// ---------------------------------------------------------------------------
// Chunk: a compiled unit of bytecode
// ---------------------------------------------------------------------------

// Chunk holds the instructions, debug tables and constant pool of one
// compiled function body (or the top level of a script). Nested function
// chunks are owned by the parent's Functions table; Values of TagFunction
// reference them by index plus a borrowed pointer. A chunk is immutable
// once compilation finishes.
type Chunk struct {
	Name string

	Code []Instruction

	// Lines and Offsets parallel Code: Lines[pc] is the source line of the
	// instruction at pc, Offsets[pc] its byte offset for caret diagnostics.
	Lines   []int
	Offsets []int

	Constants []Value

	Functions []*Chunk
}

// NewChunk creates an empty chunk.
func NewChunk(name string) *Chunk {
	return &Chunk{Name: name}
}

// Write appends an instruction together with its source location.
func (c *Chunk) Write(i Instruction, line, offset int) int {
	c.Code = append(c.Code, i)
	c.Lines = append(c.Lines, line)
	c.Offsets = append(c.Offsets, offset)
	return len(c.Code) - 1
}

// AddConstant appends a value to the constant pool and returns its index.
// Numbers, strings, booleans and nil are deduplicated.
func (c *Chunk) AddConstant(v Value) int {
	switch v.Tag {
	case TagNumber, TagString, TagBool, TagNil:
		for i, k := range c.Constants {
			if k.Tag == v.Tag && Equal(k, v) {
				return i
			}
		}
	}
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// AddFunction takes ownership of a nested chunk and returns its index.
func (c *Chunk) AddFunction(fn *Chunk) int {
	c.Functions = append(c.Functions, fn)
	return len(c.Functions) - 1
}

// Line returns the source line recorded for an instruction position, or -1.
func (c *Chunk) Line(pc int) int {
	if pc >= 0 && pc < len(c.Lines) {
		return c.Lines[pc]
	}
	return -1
}

// Offset returns the source byte offset recorded for an instruction
// position, or -1.
func (c *Chunk) Offset(pc int) int {
	if pc >= 0 && pc < len(c.Offsets) {
		return c.Offsets[pc]
	}
	return -1
}
