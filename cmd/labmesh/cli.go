package main

import (
	"flag"
	"fmt"
	"os"

	"labmesh/internal/directory"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, defaultDB string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("labmesh %s\n", Version)
		return true
	case "status":
		return cliStatus(args[1:], defaultDB)
	default:
		return false
	}
}

func cliStatus(args []string, defaultDB string) bool {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dbPath := fs.String("db", defaultDB, "SQLite directory database path")
	_ = fs.Parse(args)

	dir, err := directory.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening directory: %v\n", err)
		os.Exit(1)
	}
	defer dir.Close()

	fmt.Printf("Database: %s\n", *dbPath)
	fmt.Printf("Version: %s\n", Version)
	return true
}
