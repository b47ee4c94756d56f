package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/pipeline"
)

// interactive reports whether stdout is a terminal. Piped output is JSON.
func interactive() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(headers []string, rows [][]string, right ...int) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(right))
	for _, col := range right {
		configs = append(configs, table.ColumnConfig{
			Number:      col,
			Align:       text.AlignRight,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func printReports(reps []*pipeline.Report) error {
	if !interactive() {
		return printJSON(reps)
	}
	counts := map[string]int{}
	var total int
	var rows [][]string
	for _, rep := range reps {
		for outcome, n := range rep.Counts {
			counts[outcome] += n
		}
		total += len(rep.Results)
		for _, res := range rep.Results {
			if res.Outcome != pipeline.OutcomeFailed {
				continue
			}
			rows = append(rows, []string{res.Source, string(res.Kind), res.Error})
		}
	}

	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	summary := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		summary = append(summary, []string{o, humanize.Comma(int64(counts[o]))})
	}
	fmt.Printf("%s %s in %s %s\n",
		humanize.Comma(int64(total)), pluralize(total, "message", "messages"),
		humanize.Comma(int64(len(reps))), pluralize(len(reps), "batch", "batches"))
	fmt.Println(renderTable([]string{"Outcome", "Messages"}, summary, 2))
	if len(rows) > 0 {
		fmt.Println(renderTable([]string{"Source", "Kind", "Error"}, rows))
	}
	return nil
}

func printVerify(results []models.VerifyResult) error {
	if !interactive() {
		return printJSON(results)
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			r.URI,
			strconv.FormatBool(r.Valid),
			strconv.FormatBool(r.Drift),
			r.Reason,
		})
	}
	fmt.Println(renderTable([]string{"URI", "Valid", "Drift", "Reason"}, rows))
	return nil
}

func printAudit(entries []models.AuditEntry) error {
	if !interactive() {
		return printJSON(entries)
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			humanize.Comma(e.Seq),
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Actor,
			e.Decision,
			e.RunID,
		})
	}
	fmt.Println(renderTable([]string{"Seq", "Time", "Actor", "Decision", "Run"}, rows, 1))
	return nil
}

func printExport(dir string, names []string) error {
	if !interactive() {
		return printJSON(names)
	}
	var total int64
	for _, n := range names {
		if fi, err := os.Stat(filepath.Join(dir, n)); err == nil {
			total += fi.Size()
		}
	}
	fmt.Printf("wrote %s %s (%s) to %s\n",
		humanize.Comma(int64(len(names))), pluralize(len(names), "thread", "threads"),
		humanize.Bytes(uint64(total)), dir)
	return nil
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
