package main

import (
	"os"

	"golang.org/x/term"

	"github.com/catatsuy/kiri/internal/cli"
)

func main() {
	cl := cli.NewCLI(os.Stdout, os.Stderr, os.Stdin, term.IsTerminal(int(os.Stderr.Fd())))
	os.Exit(cl.Run(os.Args))
}
