package vm

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Host modules: objects of natives returned by impor
// ---------------------------------------------------------------------------

func registerModules(vm *VM) {
	vm.RegisterModule("os", buildOSModule)
	vm.RegisterModule("string", buildStringModule)
	vm.RegisterModule("math", buildMathModule)
}

func buildOSModule(vm *VM) Value {
	obj := NewObject()
	obj.Set("waktuNano", NativeValue(func(vm *VM, args []Value) Value {
		return NumberValue(float64(time.Now().UnixNano()))
	}))
	obj.Set("keluar", NativeValue(nativeExit))
	obj.Set("clearOutput", NativeValue(func(vm *VM, args []Value) Value {
		fmt.Fprint(vm.Stdout, "\033[2J\033[H")
		return Nil
	}))
	return ObjectValue(obj)
}

// stringArgs skips a leading non-string receiver so module functions work
// both as free calls and as method-form calls with self injected.
func stringArgs(args []Value) []Value {
	if len(args) >= 1 && !args[0].IsString() {
		return args[1:]
	}
	return args
}

func buildStringModule(vm *VM) Value {
	obj := NewObject()

	obj.Set("split", NativeValue(func(vm *VM, args []Value) Value {
		args = stringArgs(args)
		if len(args) < 2 || !args[0].IsString() || !args[1].IsString() {
			return ArrayValue(NewArray(0))
		}
		str := args[0].AsString()
		delim := args[1].AsString()

		if delim == "" {
			arr := NewArray(0)
			arr.Set(1, StringValue(str))
			return ArrayValue(arr)
		}

		parts := strings.Split(str, delim)
		arr := NewArray(len(parts))
		for i, p := range parts {
			arr.Set(i+1, StringValue(p))
		}
		return ArrayValue(arr)
	}))

	obj.Set("substring", NativeValue(func(vm *VM, args []Value) Value {
		args = stringArgs(args)
		if len(args) < 3 || !args[0].IsString() || !args[1].IsNumber() || !args[2].IsNumber() {
			return Nil
		}
		str := args[0].AsString()
		start := int(args[1].Number)
		length := int(args[2].Number)
		if start < 1 {
			start = 1
		}
		if start > len(str) || length <= 0 {
			return StringValue("")
		}
		if start+length-1 > len(str) {
			length = len(str) - start + 1
		}
		return StringValue(str[start-1 : start-1+length])
	}))

	return ObjectValue(obj)
}

func buildMathModule(vm *VM) Value {
	obj := NewObject()

	// Method-form calls (mat.abs(x)) pass the module object as self; skip it
	// so both call forms see the numbers first.
	numberArgs := func(args []Value) []Value {
		if len(args) >= 1 && args[0].IsObject() {
			return args[1:]
		}
		return args
	}

	unary := func(name string, fn func(float64) float64) {
		obj.Set(name, NativeValue(func(vm *VM, args []Value) Value {
			args = numberArgs(args)
			if len(args) < 1 || !args[0].IsNumber() {
				vm.RuntimeError("math.%s membutuhkan angka", name)
			}
			return NumberValue(fn(args[0].Number))
		}))
	}
	binary := func(name string, fn func(float64, float64) float64) {
		obj.Set(name, NativeValue(func(vm *VM, args []Value) Value {
			args = numberArgs(args)
			if len(args) < 2 || !args[0].IsNumber() || !args[1].IsNumber() {
				vm.RuntimeError("math.%s membutuhkan dua angka", name)
			}
			return NumberValue(fn(args[0].Number, args[1].Number))
		}))
	}

	unary("abs", math.Abs)
	unary("floor", math.Floor)
	unary("ceil", math.Ceil)
	unary("sqrt", math.Sqrt)
	binary("pow", math.Pow)
	binary("min", math.Min)
	binary("max", math.Max)
	obj.Set("pi", NumberValue(math.Pi))

	return ObjectValue(obj)
}
