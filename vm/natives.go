package vm

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Builtin natives
// ---------------------------------------------------------------------------

func registerNatives(vm *VM) {
	vm.DefineNative("print", nativePrint)
	vm.DefineNative("println", nativePrintln)
	vm.DefineNative("tipe", nativeTipe)
	vm.DefineNative("panjang", nativePanjang)
	vm.DefineNative("tunggu", nativeTunggu)
	vm.DefineNative("input", nativeInput)
	vm.DefineNative("impor", nativeImpor)
	vm.DefineNative("assert", nativeAssert)
	vm.DefineNative("exit", nativeExit)
}

func nativePrint(vm *VM, args []Value) Value {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	fmt.Fprint(vm.Stdout, strings.Join(parts, "\t"))
	return Nil
}

func nativePrintln(vm *VM, args []Value) Value {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	fmt.Fprintln(vm.Stdout, strings.Join(parts, "\t"))
	return Nil
}

func nativeTipe(vm *VM, args []Value) Value {
	if len(args) < 1 {
		return Nil
	}
	return StringValue(args[0].Tag.TypeName())
}

func nativePanjang(vm *VM, args []Value) Value {
	if len(args) < 1 {
		vm.RuntimeError("panjang() membutuhkan 1 argumen")
	}
	switch args[0].Tag {
	case TagString:
		return NumberValue(float64(len(args[0].AsString())))
	case TagArray:
		return NumberValue(float64(args[0].AsArray().Len()))
	case TagObject:
		return NumberValue(float64(args[0].AsObject().Len()))
	default:
		vm.RuntimeError("panjang() membutuhkan string, array, atau objek")
	}
	return Nil
}

func nativeTunggu(vm *VM, args []Value) Value {
	if len(args) < 1 || !args[0].IsNumber() {
		return Nil
	}
	time.Sleep(time.Duration(args[0].Number * float64(time.Second)))
	return Nil
}

func nativeInput(vm *VM, args []Value) Value {
	if len(args) >= 1 && args[0].IsString() {
		fmt.Fprint(vm.Stdout, args[0].AsString())
	}
	reader := bufio.NewReader(vm.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return StringValue("")
	}
	return StringValue(strings.TrimRight(line, "\r\n"))
}

func nativeAssert(vm *VM, args []Value) Value {
	if len(args) < 1 {
		vm.RuntimeError("assert() membutuhkan minimal 1 argumen")
	}
	if !args[0].Truthy() {
		msg := "Assertion Failed"
		if len(args) >= 2 && args[1].IsString() {
			msg = args[1].AsString()
		}
		vm.RuntimeError("%s", msg)
	}
	return Nil
}

func nativeExit(vm *VM, args []Value) Value {
	code := 0
	if len(args) >= 1 && args[0].IsNumber() {
		code = int(args[0].Number)
	}
	os.Exit(code)
	return Nil
}

// nativeImpor resolves a module name: host modules first, then a .mnf file
// compiled and interpreted on the spot, returning its last result.
func nativeImpor(vm *VM, args []Value) Value {
	if len(args) < 1 || !args[0].IsString() {
		vm.RuntimeError("impor() membutuhkan nama modul (string)")
	}
	name := args[0].AsString()

	if build, ok := vm.modules[name]; ok {
		return build(vm)
	}

	if vm.loader == nil {
		vm.RuntimeError("Modul tidak ditemukan: '%s'", name)
	}

	chunk, source, err := vm.loader(name)
	if err != nil {
		vm.RuntimeError("Modul tidak ditemukan: '%s' (%v)", name, err)
	}

	vm.managedChunks = append(vm.managedChunks, chunk)
	if err := vm.Interpret(chunk, source); err != nil {
		vm.RuntimeError("Impor gagal: '%s'", name)
	}
	return vm.lastResult
}
