//go:build ignore
// +build ignore

// gen-env-doc writes docs/environment.md from config.EnvSpecs().
package main

import (
	"fmt"
	"os"
	"strings"

	cfg "github.com/ArkLabsHQ/swapd/internal/config"
)

func main() {
	var md strings.Builder
	md.WriteString("# swapd environment variables\n\n")
	md.WriteString("Generated from `config.EnvSpecs()`, do not edit by hand.\n\n")
	md.WriteString("| Variable | Default | Type | Description |\n")
	md.WriteString("|----------|---------|------|-------------|\n")

	for _, s := range cfg.EnvSpecs() {
		def := s.Default
		if def == "" {
			def = "-"
		}
		desc := s.Description
		if s.Notes != "" {
			desc += "<br/><em>" + s.Notes + "</em>"
		}
		fmt.Fprintf(&md, "| `%s` | `%s` | `%s` | %s |\n", s.FullName, def, s.Type, desc)
	}

	if err := os.MkdirAll("../../docs", 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := os.WriteFile("../../docs/environment.md", []byte(md.String()), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
