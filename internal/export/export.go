// Package export renders a CRM database as a relational PostgreSQL script.
package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/adrianmcphee/crmbase"
)

// Column describes one column of an exported table.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
	NotNull    bool
	Unique     bool
	References string // "table(column)"
}

// Table describes one exported table.
type Table struct {
	Name    string
	Columns []Column
}

// Schema is the relational layout of a CRM database, in creation order.
var Schema = []Table{
	{Name: "companies", Columns: []Column{
		{Name: "name", Type: "text", PrimaryKey: true},
		{Name: "address", Type: "text"},
		{Name: "url", Type: "text"},
		{Name: "no_follow_up", Type: "bool", NotNull: true},
		{Name: "created_at", Type: "timestamp"},
		{Name: "updated_at", Type: "timestamp"},
	}},
	{Name: "contacts", Columns: []Column{
		{Name: "email", Type: "text", PrimaryKey: true},
		{Name: "company", Type: "text", NotNull: true, References: "companies(name)"},
		{Name: "first_name", Type: "text"},
		{Name: "last_name", Type: "text"},
		{Name: "role", Type: "text"},
		{Name: "created_at", Type: "timestamp"},
		{Name: "updated_at", Type: "timestamp"},
	}},
	{Name: "apps", Columns: []Column{
		{Name: "app_name", Type: "text", PrimaryKey: true},
		{Name: "company", Type: "text", NotNull: true, References: "companies(name)"},
		{Name: "email", Type: "text"},
		{Name: "plan", Type: "text"},
		{Name: "created_at", Type: "timestamp"},
		{Name: "upgraded_at", Type: "timestamp"},
		{Name: "churned_at", Type: "timestamp"},
	}},
	{Name: "interactions", Columns: []Column{
		{Name: "id", Type: "int", PrimaryKey: true},
		{Name: "company", Type: "text", NotNull: true, References: "companies(name)"},
		{Name: "kind", Type: "text"},
		{Name: "tag", Type: "text"},
		{Name: "sender", Type: "text"},
		{Name: "recipient", Type: "text"},
		{Name: "summary", Type: "text"},
		{Name: "date", Type: "timestamp"},
		{Name: "follow_up_date", Type: "timestamp"},
	}},
	{Name: "staff", Columns: []Column{
		{Name: "email", Type: "text", PrimaryKey: true},
		{Name: "name", Type: "text"},
	}},
	{Name: "config", Columns: []Column{
		{Name: "id", Type: "int", PrimaryKey: true},
		{Name: "doc", Type: "jsonb", NotNull: true},
	}},
}

// ExportDDL generates the CREATE TABLE statements.
func ExportDDL() string {
	var sb strings.Builder
	sb.WriteString("-- crmbase export to PostgreSQL\n\n")
	for i, table := range Schema {
		sb.WriteString(TableToDDL(table))
		if i < len(Schema)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// TableToDDL generates a CREATE TABLE statement for a single table.
func TableToDDL(table Table) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("CREATE TABLE %s (\n", table.Name))
	for i, col := range table.Columns {
		sb.WriteString("  ")
		sb.WriteString(columnToDDL(col))
		if i < len(table.Columns)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(");\n")
	return sb.String()
}

func columnToDDL(col Column) string {
	parts := []string{col.Name, mapType(col.Type)}
	if col.PrimaryKey {
		parts = append(parts, "PRIMARY KEY")
	}
	if col.Unique && !col.PrimaryKey {
		parts = append(parts, "UNIQUE")
	}
	if col.NotNull && !col.PrimaryKey {
		parts = append(parts, "NOT NULL")
	}
	if col.References != "" {
		parts = append(parts, "REFERENCES", col.References)
	}
	return strings.Join(parts, " ")
}

func mapType(t string) string {
	switch strings.ToLower(t) {
	case "int", "integer":
		return "INTEGER"
	case "bool", "boolean":
		return "BOOLEAN"
	case "timestamp", "timestamptz":
		return "TIMESTAMPTZ"
	case "json", "jsonb":
		return "JSONB"
	default:
		return "TEXT"
	}
}

// ExportData generates INSERT statements for every entity of db.
// Interactions get their ordinal as id.
func ExportData(db *crmbase.Database) (string, error) {
	db = crmbase.NormalizeDatabase(db)

	var sb strings.Builder
	sb.WriteString("-- crmbase data export\n\n")

	ordinal := 0
	for _, c := range db.Companies {
		sb.WriteString(rowToInsert("companies", c.Name, c.Address, c.URL, c.NoFollowUp, c.CreatedAt, c.UpdatedAt))
		for _, p := range c.Contacts {
			sb.WriteString(rowToInsert("contacts", p.Email, c.Name, p.FirstName, p.LastName, p.Role, p.CreatedAt, p.UpdatedAt))
		}
		for _, a := range c.Apps {
			sb.WriteString(rowToInsert("apps", a.AppName, c.Name, a.Email, a.Plan, a.CreatedAt, a.UpgradedAt, a.ChurnedAt))
		}
		for _, i := range c.Interactions {
			ordinal++
			sb.WriteString(rowToInsert("interactions", ordinal, c.Name, i.Kind, i.Tag, i.From, i.To, i.Summary, i.Date, i.FollowUpDate))
		}
	}

	emails := make([]string, 0, len(db.Config.Staff))
	for email := range db.Config.Staff {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	for _, email := range emails {
		sb.WriteString(rowToInsert("staff", email, db.Config.Staff[email]))
	}

	doc, err := json.Marshal(db.Config)
	if err != nil {
		return "", err
	}
	sb.WriteString(rowToInsert("config", 1, string(doc)))
	return sb.String(), nil
}

// rowToInsert generates an INSERT statement with values in schema order.
// Empty strings are exported as NULL.
func rowToInsert(tableName string, values ...interface{}) string {
	var table Table
	for _, t := range Schema {
		if t.Name == tableName {
			table = t
		}
	}
	colNames := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		colNames[i] = col.Name
	}

	literals := make([]string, len(values))
	for i, val := range values {
		switch v := val.(type) {
		case string:
			if v == "" {
				literals[i] = "NULL"
			} else {
				literals[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
			}
		case int:
			literals[i] = strconv.Itoa(v)
		case bool:
			literals[i] = strconv.FormatBool(v)
		default:
			literals[i] = "NULL"
		}
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);\n",
		tableName,
		strings.Join(colNames, ", "),
		strings.Join(literals, ", "))
}

// Export generates both DDL and data.
func Export(db *crmbase.Database) (string, error) {
	data, err := ExportData(db)
	if err != nil {
		return "", err
	}
	return ExportDDL() + "\n" + data, nil
}
