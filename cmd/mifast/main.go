// Manifast CLI - compiles and runs .mnf programs.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/manifast-lang/manifast/cache"
	"github.com/manifast-lang/manifast/compiler"
	"github.com/manifast-lang/manifast/image"
	"github.com/manifast-lang/manifast/manifest"
	"github.com/manifast-lang/manifast/vm"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: mifast <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run <file> [--debug]   Compile and execute a .mnf file (or .mfi image)\n")
	fmt.Fprintf(os.Stderr, "  build <file> [-o out]  Compile a .mnf file to a .mfi image\n")
	fmt.Fprintf(os.Stderr, "  test [dir]             Run every .mnf file under the tests directory\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "build":
		os.Exit(cmdBuild(os.Args[2:]))
	case "test":
		os.Exit(cmdTest(os.Args[2:]))
	default:
		usage()
		os.Exit(1)
	}
}

// newVM builds a VM configured from the manifest, with the compiler wired
// as the impor loader.
func newVM(m *manifest.Manifest, debug bool) *vm.VM {
	machine := vm.New()
	machine.SetLoader(compiler.CompileFile)
	if m.VM.InstructionBudget > 0 {
		machine.Budget = m.VM.InstructionBudget
	}
	machine.Debug = debug || m.VM.Debug
	return machine
}

func cmdRun(args []string) int {
	// Accept --debug on either side of the file argument.
	debugFlag := false
	rest := args[:0:0]
	for _, arg := range args {
		if arg == "--debug" || arg == "-debug" {
			debugFlag = true
		} else {
			rest = append(rest, arg)
		}
	}
	debug := &debugFlag

	if len(rest) < 1 {
		usage()
		return 1
	}
	path := rest[0]

	if *debug {
		commonlog.Configure(2, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	m, err := manifest.FindAndLoad(filepath.Dir(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var chunk *vm.Chunk
	var source string

	if strings.HasSuffix(path, ".mfi") {
		chunk, err = image.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	} else {
		chunk, source, err = loadCompiled(m, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	if *debug {
		fmt.Fprint(os.Stderr, chunk.Disassemble())
	}

	machine := newVM(m, *debug)
	if err := machine.Interpret(chunk, source); err != nil {
		return 1
	}
	return 0
}

// loadCompiled compiles a source file, going through the image cache when
// the manifest enables it.
func loadCompiled(m *manifest.Manifest, path string) (*vm.Chunk, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	source := string(data)

	if !m.Cache.Enabled {
		chunk, err := compiler.CompileSource(source, path)
		return chunk, source, err
	}

	store, err := cache.Open(m.CachePath())
	if err != nil {
		return nil, "", err
	}
	defer store.Close()

	hash := cache.HashSource(source)
	if blob, ok, err := store.Get(hash); err == nil && ok {
		if chunk, err := image.Unmarshal(blob); err == nil {
			return chunk, source, nil
		}
		// A corrupt entry falls through to recompilation.
	}

	chunk, err := compiler.CompileSource(source, path)
	if err != nil {
		return nil, "", err
	}
	if blob, err := image.Marshal(chunk); err == nil {
		store.Put(hash, blob)
	}
	return chunk, source, nil
}

func cmdBuild(args []string) int {
	flags := flag.NewFlagSet("build", flag.ExitOnError)
	output := flags.String("o", "", "Output image path (default: input with .mfi)")
	flags.Parse(args)

	if flags.NArg() < 1 {
		usage()
		return 1
	}
	path := flags.Arg(0)

	out := *output
	if out == "" {
		out = strings.TrimSuffix(path, filepath.Ext(path)) + ".mfi"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	chunk, err := compiler.CompileSource(string(data), path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := image.WriteFile(out, chunk); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", out)
	return 0
}

type testResult struct {
	file     string
	duration time.Duration
	passed   bool
}

func cmdTest(args []string) int {
	commonlog.Configure(0, nil)

	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	dir := m.Tests.Dir
	if len(args) > 0 {
		dir = args[0]
	}

	var files []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".mnf" {
			files = append(files, path)
		}
		return nil
	})

	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "No test files found in '%s'.\n", dir)
		return 1
	}
	sort.Strings(files)

	// Group results by category: the test file's directory relative to
	// the tests root.
	categories := make(map[string][]testResult)
	var order []string

	for _, file := range files {
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			rel = file
		}
		category := filepath.Dir(rel)
		if category == "." {
			category = "(root)"
		}
		if _, seen := categories[category]; !seen {
			order = append(order, category)
		}

		start := time.Now()
		passed := runTestFile(m, file)
		categories[category] = append(categories[category], testResult{
			file:     rel,
			duration: time.Since(start),
			passed:   passed,
		})
	}

	failures := 0
	for _, category := range order {
		results := categories[category]
		passed := 0
		var total time.Duration
		for _, r := range results {
			if r.passed {
				passed++
			} else {
				failures++
			}
			total += r.duration
		}
		status := "LULUS"
		if passed != len(results) {
			status = "GAGAL"
		}
		fmt.Printf("%-24s %s %d/%d (%s)\n", category, status, passed, len(results), total.Round(time.Millisecond))
		for _, r := range results {
			if !r.passed {
				fmt.Printf("  gagal: %s\n", r.file)
			}
		}
	}

	if failures > 0 {
		fmt.Printf("\n%d pengujian gagal.\n", failures)
		return 1
	}
	return 0
}

// runTestFile executes one test file in a fresh VM; a test passes when it
// compiles and runs without errors (tests assert their own expectations).
func runTestFile(m *manifest.Manifest, path string) bool {
	chunk, source, err := compiler.CompileFile(path)
	if err != nil {
		return false
	}
	machine := newVM(m, false)
	return machine.Interpret(chunk, source) == nil
}
