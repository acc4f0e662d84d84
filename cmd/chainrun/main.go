package main

import (
	"fmt"
	"os"
)

const usage = `chainrun executes chains of plugin steps.

Usage:
  chainrun serve [-transport stdio|http] [-listen-addr addr] [-api-addr addr]
  chainrun run [-persist] [-mode m] [-engine cel|expr] <chain.yaml>
  chainrun diagram [-format ascii|mermaid|image] [-o file] <chain.yaml>
  chainrun init [flags]
  chainrun version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		runServe(args)
	case "run":
		runRun(args)
	case "diagram":
		runDiagram(args)
	case "init":
		runInit(args)
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
