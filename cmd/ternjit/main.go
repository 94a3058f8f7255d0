// Tern JIT inspector - analyzes and lowers compiled Tern functions
package main

import (
	"flag"
	"fmt"
	"os"

	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tern/pkg/absint"
	"github.com/chazu/tern/pkg/backend"
	"github.com/chazu/tern/pkg/bytecode"
	"github.com/chazu/tern/pkg/compiler"
	"github.com/chazu/tern/pkg/ir"
)

func main() {
	disasm := flag.Bool("d", false, "Disassemble the input bytecode")
	analyze := flag.Bool("a", false, "Print the analysis listing (types, boxing, reachability)")
	lower := flag.Bool("l", false, "Lower to typed IR and print it")
	compileIt := flag.Bool("c", false, "Run the full pipeline against a recording backend")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ternjit [options] file.tbc...\n\n")
		fmt.Fprintf(os.Stderr, "Inspects compiled Tern functions (.tbc files).\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ternjit -d fib.tbc      # Disassemble bytecode\n")
		fmt.Fprintf(os.Stderr, "  ternjit -a fib.tbc      # Show inferred types and boxing\n")
		fmt.Fprintf(os.Stderr, "  ternjit -l fib.tbc      # Show lowered typed IR\n")
		fmt.Fprintf(os.Stderr, "  ternjit -c fib.tbc      # Compile through the stub backend\n")
	}
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if !*disasm && !*analyze && !*lower && !*compileIt {
		*analyze = true
	}

	cfg, err := compiler.FindAndLoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		fmt.Printf("jit enabled=%v hot-threshold=%d cache=%q\n",
			cfg.JIT.Enabled, cfg.JIT.HotThreshold, cfg.Cache.Path)
	}

	for _, path := range files {
		if err := inspect(path, cfg, *disasm, *analyze, *lower, *compileIt); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			os.Exit(1)
		}
	}
}

func inspect(path string, cfg *compiler.Config, disasm, analyze, lower, compileIt bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fn, err := bytecode.UnmarshalFunction(data)
	if err != nil {
		return fmt.Errorf("decoding function: %w", err)
	}

	if disasm {
		fmt.Print(fn.Disassemble())
	}

	if analyze {
		interp := absint.NewInterpreter(fn)
		if err := interp.Interpret(); err != nil {
			return err
		}
		if err := interp.Dump(os.Stdout); err != nil {
			return err
		}
	}

	if lower {
		program, err := absint.Compile(fn)
		if err != nil {
			return err
		}
		fmt.Printf("%s: stack=%d locals=%d\n", program.Name, program.MaxStackDepth, len(program.LocalKinds))
		fmt.Print(ir.Disassemble(program.Code))
	}

	if compileIt {
		be := backend.NewRecordingBackend()
		c := compiler.New(be, runtimeScope())

		if cfg.Cache.Enabled && cfg.Cache.Path != "" {
			store, err := compiler.NewStore(cfg.Cache.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			c.SetStore(store)
		}

		compiled, err := c.Compile(fn)
		if err != nil {
			return err
		}
		fmt.Printf("%s: entry=%#x code=%d bytes\n", compiled.Name, compiled.Entry, len(compiled.Request.Code))
	}

	return nil
}

// runtimeScope builds a scope with placeholder addresses for every helper,
// enough for the recording backend to verify against.
func runtimeScope() *backend.ModuleScope {
	scope := backend.NewModuleScope()
	for t := ir.HelperToken(0); int(t) < ir.HelperTokenCount(); t++ {
		scope.Register(t, uintptr(0x100000+0x10*int(t)))
	}
	return scope
}
