package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

var sampleTable = Table{
	Columns: []string{"CALL", "DISPOSITION", "COST"},
	Data: [][]string{
		{"c1", "allow", "1.50"},
		{"c2", "block", "0"},
	},
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"csv", FormatCSV, false},
		{"junit", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextFormatter(t *testing.T) {
	t.Run("plain value", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&TextFormatter{}).FormatTo(&buf, "test message"); err != nil {
			t.Fatalf("FormatTo() error = %v", err)
		}
		if buf.String() != "test message\n" {
			t.Errorf("FormatTo() = %q", buf.String())
		}
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&TextFormatter{}).FormatTo(&buf, sampleTable); err != nil {
			t.Fatalf("FormatTo() error = %v", err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 3 {
			t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
		}
		if !strings.HasPrefix(lines[0], "CALL") || !strings.Contains(lines[1], "allow") {
			t.Errorf("unexpected table output:\n%s", buf.String())
		}
		// Columns are aligned.
		if strings.Index(lines[0], "DISPOSITION") != strings.Index(lines[1], "allow") {
			t.Errorf("columns not aligned:\n%s", buf.String())
		}
	})
}

func TestJSONFormatter(t *testing.T) {
	tests := []struct {
		name   string
		data   any
		indent bool
	}{
		{name: "string", data: "test"},
		{name: "map with indent", data: map[string]string{"key": "value"}, indent: true},
		{name: "table", data: sampleTable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := &JSONFormatter{Indent: tt.indent}
			if err := f.FormatTo(&buf, tt.data); err != nil {
				t.Fatalf("FormatTo() error = %v", err)
			}
			if !json.Valid(buf.Bytes()) {
				t.Errorf("FormatTo() produced invalid JSON: %s", buf.String())
			}
			if tt.indent && !strings.Contains(buf.String(), "\n  ") {
				t.Errorf("expected indented output, got %s", buf.String())
			}
		})
	}
}

func TestCSVFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := (&CSVFormatter{}).FormatTo(&buf, sampleTable); err != nil {
		t.Fatalf("FormatTo() error = %v", err)
	}
	want := "CALL,DISPOSITION,COST\nc1,allow,1.50\nc2,block,0\n"
	if buf.String() != want {
		t.Errorf("FormatTo() = %q, want %q", buf.String(), want)
	}

	if err := (&CSVFormatter{}).FormatTo(&buf, "not a table"); err == nil {
		t.Error("expected error for non-tabular data")
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format OutputFormat
		want   string
	}{
		{FormatText, "*cli.TextFormatter"},
		{FormatJSON, "*cli.JSONFormatter"},
		{FormatCSV, "*cli.CSVFormatter"},
		{"unknown", "*cli.TextFormatter"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			f := NewFormatter(tt.format)
			switch f.(type) {
			case *TextFormatter:
				if tt.want != "*cli.TextFormatter" {
					t.Errorf("NewFormatter(%q) = %T, want %s", tt.format, f, tt.want)
				}
			case *JSONFormatter:
				if tt.want != "*cli.JSONFormatter" {
					t.Errorf("NewFormatter(%q) = %T, want %s", tt.format, f, tt.want)
				}
			case *CSVFormatter:
				if tt.want != "*cli.CSVFormatter" {
					t.Errorf("NewFormatter(%q) = %T, want %s", tt.format, f, tt.want)
				}
			}
		})
	}
}
