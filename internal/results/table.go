package results

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/gosuri/uitable"

	"github.com/signalsfoundry/vanet-simulator/model"
)

var tableHeader = []interface{}{
	"NODE", "VIOLATION", "VALIDATION", "ACCEPTED", "REJECTED", "COMP (ms)", "COMM (ms)", "SIG VERIFY (ms)",
}

// TableSink prints every node's scalars as a console table when flushed.
type TableSink struct {
	*Memory
	out io.Writer
}

// NewTableSink writes its table to out.
func NewTableSink(out io.Writer) *TableSink {
	return &TableSink{Memory: NewMemory(), out: out}
}

// Flush renders the table with one row per node and a totals row.
func (t *TableSink) Flush(context.Context) error {
	results := t.Results()
	if len(results) == 0 {
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = 20
	table.AddRow(tableHeader...)

	totals := make([]float64, len(model.ScalarNames))
	for _, r := range results {
		row := []interface{}{strconv.Itoa(r.NodeID)}
		for i, name := range model.ScalarNames {
			v := r.Value(name)
			totals[i] += v
			row = append(row, formatScalar(v))
		}
		table.AddRow(row...)
	}

	row := []interface{}{"TOTAL"}
	for _, v := range totals {
		row = append(row, formatScalar(v))
	}
	table.AddRow(row...)

	if _, err := fmt.Fprintln(t.out, table); err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	return nil
}

func formatScalar(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
