package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arcveil/pmpl/internal/cycledriver"
	"github.com/arcveil/pmpl/internal/logx"
	"github.com/arcveil/pmpl/internal/style"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Println("pmpl (dev)")
		os.Exit(0)
	case "run":
		os.Exit(run(os.Args[2:]))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  pmpl --version")
	fmt.Fprintln(os.Stderr, "  pmpl run [--project-root <dir>] [--stylesheet <file.yaml>] [--planner-agent <name>] [--max-cycles <n>]")
}

// run wires project flags into a cycledriver.Driver and drives it to a
// terminal result, returning the process exit code. A first interrupt
// cancels the driver's context so the in-flight node can finish cleanly; a
// second forces immediate exit, matching the cooperative-shutdown contract
// the cycle driver expects between dispatches.
func run(args []string) int {
	projectRoot := "."
	stylesheetPath := "model-stylesheet.yaml"
	plannerAgent := "planner"
	maxCycles := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--project-root requires a value")
				return 1
			}
			projectRoot = args[i]
		case "--stylesheet":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--stylesheet requires a value")
				return 1
			}
			stylesheetPath = args[i]
		case "--planner-agent":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--planner-agent requires a value")
				return 1
			}
			plannerAgent = args[i]
		case "--max-cycles":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--max-cycles requires a value")
				return 1
			}
			n := 0
			if _, err := fmt.Sscanf(args[i], "%d", &n); err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "--max-cycles must be a positive integer, got %q\n", args[i])
				return 1
			}
			maxCycles = n
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	log := logx.New()

	sheet, err := style.Load(stylesheetPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading stylesheet %s: %v\n", stylesheetPath, err)
		return 1
	}
	plannerModel := sheet.Resolve("planning")[0]

	d := cycledriver.New(cycledriver.Options{
		ProjectRoot:      projectRoot,
		MaxCycles:        maxCycles,
		PlannerAgentName: plannerAgent,
		PlannerModel:     plannerModel,
		Stylesheet:       sheet,
		Log:              log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("received interrupt; cancelling after current node dispatch", nil)
		cancel()
		<-sigCh
		log.Error("received second interrupt; exiting immediately", nil)
		os.Exit(1)
	}()
	defer signal.Stop(sigCh)

	result := d.Run(ctx)
	if result.Reason != "" {
		if result.ExitCode == 0 {
			log.Info("run complete", map[string]any{"reason": result.Reason})
		} else {
			log.Error("run aborted", map[string]any{"reason": result.Reason})
		}
	}
	return result.ExitCode
}
