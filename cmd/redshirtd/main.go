// Command redshirtd is a minimal demo binary exercising the façade
// end-to-end: load a program's bytecode from disk, spawn it, and pump
// the scheduler until it goes idle, printing every Event observed along
// the way. Not a deliverable CLI surface (spec.md's Non-goals name the
// CLI utilities around this kernel as external collaborators) -- just
// enough to drive Core manually.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tomaka/redshirt"
)

func main() {
	programPath := flag.String("program", "", "path to a WASM program's bytecode")
	rngSeed := flag.Int64("rng-seed", 1, "seed for the kernel-resident Random interface")
	runFor := flag.Duration("run-for", 5*time.Second, "how long to pump the scheduler before giving up")
	flag.Parse()

	if *programPath == "" {
		fmt.Fprintln(os.Stderr, "usage: redshirtd -program path/to/program.wasm")
		os.Exit(2)
	}

	if err := run(*programPath, *rngSeed, *runFor); err != nil {
		log.Fatal(err)
	}
}

func run(programPath string, rngSeed int64, runFor time.Duration) error {
	ctx := context.Background()

	bytecode, err := os.ReadFile(programPath)
	if err != nil {
		return fmt.Errorf("reading program: %w", err)
	}

	core, err := redshirt.NewCore(ctx, &redshirt.Config{RNGSeed: rngSeed})
	if err != nil {
		return fmt.Errorf("creating core: %w", err)
	}
	defer core.Close(ctx)

	pid, err := core.SpawnProgram(ctx, bytecode)
	if err != nil {
		return fmt.Errorf("spawning program: %w", err)
	}
	fmt.Printf("spawned %s\n", pid)

	go func() {
		for ev := range core.Events() {
			fmt.Printf("event: %s pid=%s\n", ev.Kind, ev.Pid)
		}
	}()

	return core.RunFor(ctx, runFor)
}
