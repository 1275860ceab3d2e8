package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vervet/valet/internal/audit"
	"github.com/vervet/valet/internal/config"
)

func runVerifyAuditCommand(args []string) int {
	path := ""
	switch len(args) {
	case 0:
		path = filepath.Join(config.HomeDir(), "logs", "audit.jsonl")
	case 1:
		path = args[0]
	default:
		fmt.Fprintln(os.Stderr, "usage: valet verify-audit [path]")
		return 2
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("no audit log at %s\n", path)
		return 0
	}

	count, err := audit.Verify(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chain broken after %d records: %v\n", count, err)
		return 1
	}
	fmt.Printf("audit chain intact: %d records\n", count)
	return 0
}
