// cmd/tools/template-lint/main.go
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"notification-monitor/assets"
	"notification-monitor/internal/templates"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	listCmd := flag.NewFlagSet("list", flag.ContinueOnError)
	renderCmd := flag.NewFlagSet("render", flag.ContinueOnError)
	listCmd.SetOutput(stderr)
	renderCmd.SetOutput(stderr)

	// List command flags
	listDir := listCmd.String("dir", "", "Template directory (default: embedded templates)")

	// Render command flags
	renderDir := renderCmd.String("dir", "", "Template directory (default: embedded templates)")
	name := renderCmd.String("template", "", "Template name (e.g., assessment-reminder)")
	dataPath := renderCmd.String("data", "", "Path to a JSON object of template fields")
	part := renderCmd.String("part", "all", "What to print: subject, html, text or all")

	if len(args) < 1 {
		help(stderr)
		return 1
	}

	switch args[0] {
	case "list":
		if err := listCmd.Parse(args[1:]); err != nil {
			return 2
		}
		reg, err := load(*listDir)
		if err != nil {
			fmt.Fprintf(stderr, "Error loading templates: %v\n", err)
			return 1
		}
		for _, n := range reg.Names() {
			tmpl, _ := reg.Get(n)
			fmt.Fprintf(stdout, "%s\t%s\trequired=%s\toptional=%s\n",
				n, tmpl.Version(), strings.Join(tmpl.Required(), ","), strings.Join(tmpl.Optional(), ","))
		}

	case "render":
		if err := renderCmd.Parse(args[1:]); err != nil {
			return 2
		}
		if *name == "" || *dataPath == "" {
			fmt.Fprintln(stderr, "Error: template and data are required for render.")
			renderCmd.Usage()
			return 1
		}
		if err := render(stdout, *renderDir, *name, *dataPath, *part); err != nil {
			fmt.Fprintf(stderr, "Error rendering %s: %v\n", *name, err)
			return 1
		}

	default:
		help(stderr)
		return 1
	}
	return 0
}

func load(dir string) (*templates.Registry, error) {
	if dir == "" {
		return templates.Load(assets.Templates())
	}
	return templates.LoadDir(dir)
}

func render(w io.Writer, dir, name, dataPath, part string) error {
	reg, err := load(dir)
	if err != nil {
		return err
	}
	tmpl, err := reg.Get(name)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(dataPath)
	if err != nil {
		return err
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse %s: %w", dataPath, err)
	}

	content, err := tmpl.Execute(data)
	if err != nil {
		return err
	}

	switch part {
	case "subject":
		fmt.Fprintln(w, content.Subject)
	case "html":
		fmt.Fprint(w, content.HTML)
	case "text":
		fmt.Fprint(w, content.Text)
	case "all":
		fmt.Fprintf(w, "Subject: %s\n\n--- text ---\n%s\n--- html ---\n%s\n", content.Subject, content.Text, content.HTML)
	default:
		return fmt.Errorf("unknown part %q", part)
	}
	return nil
}

func help(w io.Writer) {
	fmt.Fprintln(w, "Usage: template-lint <command> [arguments]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  list    Load every template and list its data contract")
	fmt.Fprintln(w, "  render  Render one template against a JSON data file")
}
