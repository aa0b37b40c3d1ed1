// Package cmdfmt renders fshostctl output either as a table or as JSON.
package cmdfmt

import (
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Printer collects rows and renders them once all rows were appended.
type Printer interface {
	SetColumnConfigs(configs []table.ColumnConfig)
	AppendRow(row table.Row, configs ...table.RowConfig)
	Render() string
}

// NewPrinter returns a JSON printer when asJSON is set and a light table otherwise. Column names
// become the JSON keys.
func NewPrinter(asJSON bool, columns ...string) Printer {
	configs := make([]table.ColumnConfig, 0, len(columns))
	for _, c := range columns {
		configs = append(configs, table.ColumnConfig{Name: c})
	}
	var p Printer
	if asJSON {
		p = &jsonPrinter{rows: []map[string]any{}}
	} else {
		p = newTablePrinter(columns)
	}
	p.SetColumnConfigs(configs)
	return p
}

type tablePrinter struct {
	tbl table.Writer
}

func newTablePrinter(columns []string) *tablePrinter {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.DrawBorder = false
	header := make(table.Row, 0, len(columns))
	for _, c := range columns {
		header = append(header, c)
	}
	tbl.AppendHeader(header)
	return &tablePrinter{tbl: tbl}
}

func (p *tablePrinter) SetColumnConfigs(configs []table.ColumnConfig) {
	p.tbl.SetColumnConfigs(configs)
}

func (p *tablePrinter) AppendRow(row table.Row, configs ...table.RowConfig) {
	p.tbl.AppendRow(row, configs...)
}

func (p *tablePrinter) Render() string {
	return p.tbl.Render()
}

type jsonPrinter struct {
	columns []table.ColumnConfig
	rows    []map[string]any
}

func (p *jsonPrinter) SetColumnConfigs(configs []table.ColumnConfig) {
	p.columns = configs
}

func (p *jsonPrinter) AppendRow(row table.Row, configs ...table.RowConfig) {
	if len(p.columns) != len(row) {
		panic(fmt.Sprintf("unable to print json, the number of keys %d does not match the number of values %d (this is likely a bug)", len(p.columns), len(row)))
	}
	item := make(map[string]any, len(row))
	for i, col := range p.columns {
		if col.Hidden {
			continue
		}
		item[col.Name] = row[i]
	}
	p.rows = append(p.rows, item)
}

func (p *jsonPrinter) Render() string {
	out, err := json.MarshalIndent(p.rows, "", " ")
	if err != nil {
		panic("unable to marshal json (this is likely a bug): " + err.Error())
	}
	return string(out)
}
