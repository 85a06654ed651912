package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blefirmata/pkg/config"
	"gopkg.in/yaml.v3"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	labelColor  = color.New(color.Bold)
)

func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "f", "", "Output format (text, json, yaml)")
}

// outputFormat returns --format, falling back to the configured output format.
func outputFormat(cmd *cobra.Command, cfg *config.Config) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	if format == "" {
		return cfg.OutputFormat, nil
	}
	format = strings.ToLower(format)
	for _, f := range config.OutputFormats {
		if f == format {
			return format, nil
		}
	}
	return "", fmt.Errorf("invalid format '%s': must be one of %v", format, config.OutputFormats)
}

// writeStructured encodes v as json or yaml.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported structured format %q", format)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
