package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/nhle/mailsync/internal/reconcile"
)

func (e *env) out() io.Writer {
	return os.Stdout
}

// emit prints v as JSON when --json is set and otherwise calls table.
func (e *env) emit(v any, table func(w io.Writer)) error {
	if e.json {
		enc := json.NewEncoder(e.out())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table(e.out())
	return nil
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	t.AppendBulk(rows)
	t.Render()
}

type itemJSON struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// emitResult prints the per-item outcome of a bulk action.
func (e *env) emitResult(res *reconcile.Result) error {
	if res == nil {
		return nil
	}

	items := make([]itemJSON, len(res.Items))
	rows := make([][]string, len(res.Items))
	for i, it := range res.Items {
		items[i] = itemJSON{ID: it.ID, Outcome: it.Outcome.String()}
		if it.Err != nil {
			items[i].Error = it.Err.Error()
		}
		rows[i] = []string{it.ID, it.Outcome.String(), items[i].Error}
	}

	return e.emit(items, func(w io.Writer) {
		renderTable(w, []string{"ID", "Outcome", "Error"}, rows)
		fmt.Fprintf(w, "%s: %d succeeded, %d failed, %d skipped\n",
			res.Action, res.Succeeded(), res.Failed(), res.Skipped())
	})
}

func itoa[T ~int | ~uint32](n T) string {
	return strconv.FormatInt(int64(n), 10)
}
