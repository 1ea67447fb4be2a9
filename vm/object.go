package vm

// ---------------------------------------------------------------------------
// Heap objects: arrays, ordered objects, classes, instances
// ---------------------------------------------------------------------------

// MaxArrayGrow bounds how far an out-of-range SETTABLE write may auto-grow
// an array. Writes beyond this index raise a runtime error.
const MaxArrayGrow = 1_000_000

// Array is a growable sequence. Storage is 0-based; the language indexes it
// 1-based, and Get/Set translate at this boundary.
type Array struct {
	Elements []Value
}

// NewArray creates an array of n nil elements.
func NewArray(n int) *Array {
	a := &Array{Elements: make([]Value, n)}
	for i := range a.Elements {
		a.Elements[i] = Nil
	}
	return a
}

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.Elements) }

// Get reads the 1-based index. Out-of-range reads yield nil.
func (a *Array) Get(index int) Value {
	if index < 1 || index > len(a.Elements) {
		return Nil
	}
	return a.Elements[index-1]
}

// Set writes the 1-based index, growing the array with nils as needed.
// Returns false when the index is below 1 or beyond MaxArrayGrow.
func (a *Array) Set(index int, v Value) bool {
	if index < 1 || index > MaxArrayGrow {
		return false
	}
	for len(a.Elements) < index {
		a.Elements = append(a.Elements, Nil)
	}
	a.Elements[index-1] = v
	return true
}

// Slice copies the 1-based inclusive range [start, end], clamped to the
// array bounds.
func (a *Array) Slice(start, end int) *Array {
	if start < 1 {
		start = 1
	}
	if end > len(a.Elements) {
		end = len(a.Elements)
	}
	if end < start {
		return NewArray(0)
	}
	out := &Array{Elements: make([]Value, end-start+1)}
	copy(out.Elements, a.Elements[start-1:end])
	return out
}

// ObjectEntry is a single key/value pair of an Object.
type ObjectEntry struct {
	Key   string
	Value Value
}

// Object is an insertion-ordered string-keyed map. Setting an existing key
// overwrites in place and keeps its original position.
type Object struct {
	Entries []ObjectEntry
}

// NewObject creates an empty object.
func NewObject() *Object { return &Object{} }

// Get looks up a key. The second result reports whether it was present.
func (o *Object) Get(key string) (Value, bool) {
	for i := range o.Entries {
		if o.Entries[i].Key == key {
			return o.Entries[i].Value, true
		}
	}
	return Nil, false
}

// Set inserts or overwrites a key.
func (o *Object) Set(key string, v Value) {
	for i := range o.Entries {
		if o.Entries[i].Key == key {
			o.Entries[i].Value = v
			return
		}
	}
	o.Entries = append(o.Entries, ObjectEntry{Key: key, Value: v})
}

// Len returns the number of entries.
func (o *Object) Len() int { return len(o.Entries) }

// Keys returns the keys in first-insertion order.
func (o *Object) Keys() []string {
	keys := make([]string, len(o.Entries))
	for i := range o.Entries {
		keys[i] = o.Entries[i].Key
	}
	return keys
}

// Class is a named collection of methods.
type Class struct {
	Name    string
	Methods *Object
}

// NewClass creates a class with an empty method table.
func NewClass(name string) *Class {
	return &Class{Name: name, Methods: NewObject()}
}

// Instance is an object of a class with its own field storage.
type Instance struct {
	Class  *Class
	Fields *Object
}

// NewInstance creates an instance with empty fields.
func NewInstance(class *Class) *Instance {
	return &Instance{Class: class, Fields: NewObject()}
}
