package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

const (
	outputAuto  = "auto"
	outputJSON  = "json"
	outputTable = "table"
)

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *cli) tableMode() bool {
	switch c.output {
	case outputJSON:
		return false
	case outputTable:
		return true
	}
	return c.isTerminal(c.out)
}

// render prints v as indented JSON, or as rows under header in table mode.
func (c *cli) render(v any, header []string, rows [][]string) error {
	if !c.tableMode() {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	if len(header) > 0 {
		fmt.Fprintln(tw, strings.Join(header, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
