package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/viper"

	"github.com/adrianmcphee/crmbase"
)

var (
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
)

var stdout io.Writer = os.Stdout

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(header []string, rows [][]string) {
	table := tablewriter.NewWriter(stdout)
	table.SetHeader(header)
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}

// printList prints v as JSON, or as a table when --table is set.
func printList(v interface{}, header []string, rows [][]string) error {
	if viper.GetBool("table") {
		printTable(header, rows)
		return nil
	}
	return printJSON(v)
}

func printOK(format string, args ...interface{}) {
	fmt.Fprintln(stdout, green(fmt.Sprintf(format, args...)))
}

// errorText renders err for the terminal. Business errors are shown as
// their message alone.
func errorText(err error) string {
	var be *crmbase.BusinessError
	if errors.As(err, &be) {
		return red("Error: ") + be.Message
	}
	return red("Error: ") + err.Error()
}

func companyRows(companies []*crmbase.Company) [][]string {
	rows := make([][]string, 0, len(companies))
	for _, c := range companies {
		rows = append(rows, []string{
			c.Name,
			c.URL,
			strconv.Itoa(len(c.Contacts)),
			strconv.Itoa(len(c.Apps)),
			strconv.Itoa(len(c.Interactions)),
			strconv.FormatBool(c.NoFollowUp),
		})
	}
	return rows
}

var companyHeader = []string{"Name", "URL", "Contacts", "Apps", "Interactions", "No follow-up"}

func followupRows(followups []crmbase.Followup, today string) [][]string {
	rows := make([][]string, 0, len(followups))
	for _, f := range followups {
		due := f.FollowUpDate
		if len(due) >= 10 && due[:10] < today {
			due = yellow(due)
		}
		rows = append(rows, []string{f.Company, f.Kind, f.Tag, f.Summary, f.Date, due})
	}
	return rows
}

var followupHeader = []string{"Company", "Kind", "Tag", "Summary", "Date", "Follow-up"}

// sentenceBreak puts each sentence of a summary on its own table line.
var sentenceBreak = strings.NewReplacer(". ", ".\n", "? ", "?\n", "! ", "!\n")

func interactionRows(report []crmbase.InteractionRow) [][]string {
	rows := make([][]string, 0, len(report))
	for _, r := range report {
		id := ""
		if r.ID > 0 {
			id = strconv.Itoa(r.ID)
		}
		rows = append(rows, []string{id, r.Company, r.Kind, r.Date, r.From, sentenceBreak.Replace(r.Summary), r.FollowUp})
	}
	return rows
}

var interactionHeader = []string{"ID", "Company", "Kind", "Date", "From", "Summary", "Follow-up"}
