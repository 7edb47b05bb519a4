package export

import (
	"strings"
	"testing"

	"github.com/adrianmcphee/crmbase"
)

func testDatabase() *crmbase.Database {
	return &crmbase.Database{
		Companies: []*crmbase.Company{
			{
				Name: "Acme Corp",
				URL:  "https://acme.example",
				Contacts: []crmbase.Contact{
					{Email: "wile@acme.example", FirstName: "Wile", LastName: "Coyote"},
				},
				Apps: []crmbase.App{
					{AppName: "rocket", Email: "wile@acme.example", Plan: "pro"},
				},
				Interactions: []crmbase.Interaction{
					{Kind: "email", Summary: "Asked about O'Reilly books"},
				},
			},
			{
				Name:         "Globex",
				NoFollowUp:   true,
				Interactions: []crmbase.Interaction{{Kind: "phone"}},
			},
		},
		Config: &crmbase.Config{Staff: map[string]string{"b@crm.example": "Bob", "a@crm.example": "Alice"}},
	}
}

func TestExportDDL(t *testing.T) {
	output := ExportDDL()

	if !strings.Contains(output, "crmbase export") {
		t.Error("Expected header comment")
	}
	for _, table := range []string{"companies", "contacts", "apps", "interactions", "staff", "config"} {
		if !strings.Contains(output, "CREATE TABLE "+table+" (") {
			t.Errorf("Expected CREATE TABLE %s", table)
		}
	}
	if !strings.Contains(output, "company TEXT NOT NULL REFERENCES companies(name)") {
		t.Error("Expected foreign key from children to companies")
	}
	if strings.Index(output, "CREATE TABLE companies") > strings.Index(output, "CREATE TABLE contacts") {
		t.Error("companies must be created before the tables referencing it")
	}
}

func TestTableToDDL(t *testing.T) {
	ddl := TableToDDL(Table{
		Name: "t",
		Columns: []Column{
			{Name: "id", Type: "int", PrimaryKey: true, NotNull: true},
			{Name: "code", Type: "text", Unique: true, NotNull: true},
			{Name: "at", Type: "timestamp"},
		},
	})

	want := "CREATE TABLE t (\n  id INTEGER PRIMARY KEY,\n  code TEXT UNIQUE NOT NULL,\n  at TIMESTAMPTZ\n);\n"
	if ddl != want {
		t.Errorf("Expected:\n%s\nGot:\n%s", want, ddl)
	}
}

func TestMapType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"int", "INTEGER"},
		{"BOOL", "BOOLEAN"},
		{"timestamp", "TIMESTAMPTZ"},
		{"jsonb", "JSONB"},
		{"text", "TEXT"},
		{"whatever", "TEXT"},
	}
	for _, tt := range tests {
		if got := mapType(tt.in); got != tt.want {
			t.Errorf("mapType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExportData(t *testing.T) {
	output, err := ExportData(testDatabase())
	if err != nil {
		t.Fatalf("ExportData failed: %v", err)
	}

	if !strings.Contains(output, "INSERT INTO companies (name, address, url, no_follow_up, created_at, updated_at) VALUES ('Acme Corp', NULL, 'https://acme.example', false, NULL, NULL);") {
		t.Errorf("Expected companies insert, got:\n%s", output)
	}
	if !strings.Contains(output, "VALUES ('wile@acme.example', 'Acme Corp', 'Wile', 'Coyote'") {
		t.Error("Expected contact insert linked to its company")
	}
	if !strings.Contains(output, "'Asked about O''Reilly books'") {
		t.Error("Expected single quotes to be escaped")
	}
}

func TestExportData_InteractionOrdinals(t *testing.T) {
	output, err := ExportData(testDatabase())
	if err != nil {
		t.Fatalf("ExportData failed: %v", err)
	}

	if !strings.Contains(output, "VALUES (1, 'Acme Corp', 'email'") {
		t.Error("Expected first interaction to get id 1")
	}
	if !strings.Contains(output, "VALUES (2, 'Globex', 'phone'") {
		t.Error("Expected ids to continue across companies")
	}
}

func TestExportData_StaffSorted(t *testing.T) {
	output, err := ExportData(testDatabase())
	if err != nil {
		t.Fatalf("ExportData failed: %v", err)
	}

	alice := strings.Index(output, "'a@crm.example'")
	bob := strings.Index(output, "'b@crm.example'")
	if alice < 0 || bob < 0 || alice > bob {
		t.Error("Expected staff rows sorted by email")
	}
	if !strings.Contains(output, "INSERT INTO config (id, doc) VALUES (1, '{") {
		t.Error("Expected config document insert")
	}
}

func TestExport_Empty(t *testing.T) {
	output, err := Export(crmbase.EmptyDatabase())
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if !strings.Contains(output, "CREATE TABLE companies") {
		t.Error("Expected DDL in full export")
	}
	if strings.Contains(output, "INSERT INTO companies") {
		t.Error("Expected no company rows for an empty database")
	}
}
