package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

// printer writes records either as an aligned table, when stdout is a
// terminal, or as key=value lines for scripts.
type printer struct {
	w       io.Writer
	tw      *tabwriter.Writer
	table   bool
	columns []string
}

func newPrinter(w io.Writer) *printer {
	p := &printer{w: w}
	if f, ok := w.(*os.File); ok {
		p.table = term.IsTerminal(int(f.Fd()))
	}
	if p.table {
		p.tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	}
	return p
}

// Header starts a new table with the given column names.
func (p *printer) Header(title string, columns ...string) {
	p.Flush()
	p.columns = columns
	if !p.table {
		return
	}
	fmt.Fprintf(p.w, "%s\n", title)
	fmt.Fprintln(p.tw, strings.ToUpper(strings.Join(columns, "\t")))
}

// Row prints one record of the current table.
func (p *printer) Row(values ...any) {
	if p.table {
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(p.tw, strings.Join(cells, "\t"))
		return
	}
	pairs := make([]string, 0, len(values))
	for i, v := range values {
		key := fmt.Sprintf("col%d", i)
		if i < len(p.columns) {
			key = p.columns[i]
		}
		pairs = append(pairs, fmt.Sprintf("%s=%v", key, v))
	}
	fmt.Fprintln(p.w, strings.Join(pairs, " "))
}

// Flush ends the current table.
func (p *printer) Flush() {
	if p.tw == nil {
		return
	}
	p.tw.Flush()
}
