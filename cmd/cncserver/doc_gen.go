//go:build ignore
// +build ignore

// Generates the cncserver reference pages: markdown for the docs site and
// man pages for packaging. Run with: go run ./cmd/cncserver/doc_gen.go [outdir]
package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mithrel/cncserver/internal/cli"
	"github.com/spf13/cobra/doc"
)

func main() {
	out := "docs"
	if len(os.Args) > 1 {
		out = os.Args[1]
	}
	mdDir := filepath.Join(out, "markdown")
	manDir := filepath.Join(out, "man")
	for _, dir := range []string{mdDir, manDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal(err)
		}
	}

	root := cli.NewRootCmd()
	// Keep regenerated pages stable across runs.
	root.DisableAutoGenTag = true

	link := func(name string) string { return strings.TrimSuffix(name, ".md") }
	if err := doc.GenMarkdownTreeCustom(root, mdDir, func(string) string { return "" }, link); err != nil {
		log.Fatal(err)
	}

	header := &doc.GenManHeader{
		Title:   "CNCSERVER",
		Section: "1",
		Source:  "cncserver",
		Manual:  "cncserver manual",
	}
	if err := doc.GenManTree(root, header, manDir); err != nil {
		log.Fatal(err)
	}
	// serve and runner are long-running processes, also documented in section 8.
	for _, c := range root.Commands() {
		if c.Name() != "serve" && c.Name() != "runner" {
			continue
		}
		daemon := *header
		daemon.Title = strings.ToUpper("cncserver-" + c.Name())
		daemon.Section = "8"
		if err := doc.GenManTree(c, &daemon, manDir); err != nil {
			log.Fatal(err)
		}
	}
}
