// Package cli implements the shaderkit command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gookit/color"
)

// version is overridden at build time.
var version = "dev"

type cmdInfo struct {
	Cmd  string
	Args string
	Desc string
}

var commands = []cmdInfo{
	{"build, b", "[-f file] [-j N] [-target T] [-optimize O] [step...]", "Acquire sources and artifacts, run generators"},
	{"graph, g", "[-f file] [step...]", "Show the step graph in execution order"},
	{"resolve", "<project> <version> [target] [optimize]", "Print the cache path and download URL of an artifact"},
	{"inspect", "<archive>", "List an archive as it would be unpacked into the cache"},
	{"probe", "", "Report availability of git and python"},
	{"version, --version", "", "Version information"},
	{"help, -h", "", "Show this help"},
}

// printHelp prints the commands table.
func printHelp(w io.Writer) {
	fmt.Fprintln(w, colSuccess.Sprint("Usage: shaderkit <command> [arguments]"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, color.Info.Sprint("Available Commands:"))

	maxLen := 0
	for _, c := range commands {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range commands {
		usage := c.Cmd
		if c.Args != "" {
			usage += " " + c.Args
		}
		fmt.Fprint(w, "  ", color.Bold.Sprint(c.Cmd))
		if c.Args != "" {
			fmt.Fprint(w, " ", color.Cyan.Sprint(c.Args))
		}
		fmt.Fprint(w, strings.Repeat(" ", max(columnWidth-len(usage), 1)))
		fmt.Fprintln(w, color.Info.Sprint(c.Desc))
	}
	fmt.Fprintln(w)
}

// Main is the CLI entrypoint.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Cancelling running steps\n", sig)
			cancel()
			// A second signal exits without waiting for children.
			<-sigs
			colArrow.Print("\n-> ")
			color.Danger.Println("Second interrupt received. Forcing immediate exit.")
			os.Exit(130)
		case <-ctx.Done():
		}
	}()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stdout)
		return 0
	}

	switch args[0] {
	case "build", "b":
		return runBuild(ctx, args[1:], stdout, stderr)
	case "graph", "g":
		return runGraph(ctx, args[1:], stdout, stderr)
	case "resolve":
		return runResolve(args[1:], stdout, stderr)
	case "inspect":
		return runInspect(ctx, args[1:], stdout, stderr)
	case "probe":
		return runProbe(ctx, stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "shaderkit %s\n", version)
		return 0
	case "help", "-h", "--help":
		printHelp(stdout)
		return 0
	}

	fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
	printHelp(stderr)
	return 2
}
