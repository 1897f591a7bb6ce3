package main

import (
	"fmt"
	"os"

	"recon/api"
	"recon/cli"
	"recon/config"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		serve(os.Args[2:])
		return
	}
	cli.Main()
}

func serve(args []string) {
	path := ""
	if len(args) == 2 && args[0] == "-config" {
		path = args[1]
	} else if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "Usage: recon serve [-config file]")
		os.Exit(2)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := api.Run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
