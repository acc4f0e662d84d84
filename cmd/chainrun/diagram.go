package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rendis/chainrun/internal/diagram"
)

func runDiagram(args []string) {
	fs := flag.NewFlagSet("diagram", flag.ExitOnError)
	format := fs.String("format", "ascii", "output format: ascii, mermaid or image")
	out := fs.String("o", "", "write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: chainrun diagram [-format ascii|mermaid|image] [-o file] <chain.yaml>")
		os.Exit(2)
	}

	w := io.Writer(os.Stdout)
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	if err := writeDiagram(context.Background(), w, fs.Arg(0), *format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// writeDiagram renders the chain definition at path in the given format.
func writeDiagram(ctx context.Context, w io.Writer, path, format string) error {
	def, err := readDefinition(path)
	if err != nil {
		return err
	}
	model, err := diagram.Build(def, nil)
	if err != nil {
		return err
	}

	switch format {
	case "ascii":
		_, err = io.WriteString(w, diagram.RenderASCII(model))
	case "mermaid":
		_, err = io.WriteString(w, diagram.RenderMermaid(model))
	case "image":
		var png []byte
		if png, err = diagram.RenderImage(ctx, model); err == nil {
			_, err = w.Write(png)
		}
	default:
		err = fmt.Errorf("unknown format %q: expected ascii, mermaid or image", format)
	}
	return err
}
