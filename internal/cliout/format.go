// Package cliout formats ddsnapctl command output as a table, JSON, or
// YAML, selected by the --output flag.
package cliout

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Format is an output rendering mode.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a --output flag value, defaulting to table.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

// Printer writes command results to an io.Writer in the configured Format.
type Printer struct {
	out    io.Writer
	format Format
}

// NewPrinter creates a Printer writing to out in the given format.
func NewPrinter(out io.Writer, format Format) *Printer {
	return &Printer{out: out, format: format}
}

// DefaultPrinter creates a table-format Printer writing to stdout.
func DefaultPrinter() *Printer {
	return NewPrinter(os.Stdout, FormatTable)
}

// Print renders data in the Printer's configured format. Table rendering
// requires data to implement TableRenderer; anything else falls back to
// JSON regardless of the configured format.
func (p *Printer) Print(data any) error {
	switch p.format {
	case FormatYAML:
		return PrintYAML(p.out, data)
	case FormatJSON:
		return PrintJSON(p.out, data)
	case FormatTable:
		if renderer, ok := data.(TableRenderer); ok {
			return PrintTable(p.out, renderer)
		}
		return PrintJSON(p.out, data)
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// Printf writes a formatted message directly, bypassing the configured format.
func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}
