package sanitize

import (
	"regexp"
	"strings"
	"testing"
)

func TestName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty input",
			input: "",
			want:  "file",
		},
		{
			name:  "plain name lowercased",
			input: "Report.PDF",
			want:  "report.pdf",
		},
		{
			name:  "directory traversal stripped",
			input: "../../etc/passwd",
			want:  "passwd",
		},
		{
			name:  "windows separators stripped",
			input: `C:\Users\admin\secret.txt`,
			want:  "secret.txt",
		},
		{
			name:  "whitespace run collapses to one underscore",
			input: "quarterly   report \t 2026.xlsx",
			want:  "quarterly_report_2026.xlsx",
		},
		{
			name:  "disallowed characters removed not replaced",
			input: "inv#oi!ce(final)?.csv",
			want:  "invoicefinal.csv",
		},
		{
			name:  "everything stripped falls back",
			input: "###???",
			want:  "file",
		},
		{
			name:  "separator-terminated input falls back",
			input: "some/dir/",
			want:  "file",
		},
		{
			name:  "unicode removed",
			input: "données.txt",
			want:  "donnes.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Name(tt.input); got != tt.want {
				t.Fatalf("Name(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNameTruncates(t *testing.T) {
	got := Name(strings.Repeat("a", 500))
	if len(got) != 128 {
		t.Fatalf("len(Name(long)) = %d, want 128", len(got))
	}
}

func TestNameTotalAndIdempotent(t *testing.T) {
	valid := regexp.MustCompile(`^[a-z0-9._-]{1,128}$`)

	inputs := []string{
		"",
		"   ",
		"normal.txt",
		"UPPER CASE NAME",
		"../../../../root/.ssh/id_rsa",
		`..\..\windows\system32`,
		"\x00\x01\x02",
		"mixed / sep \\ arators",
		strings.Repeat("A b", 200),
		"🙂🙂🙂",
	}

	for _, input := range inputs {
		once := Name(input)
		if !valid.MatchString(once) {
			t.Fatalf("Name(%q) = %q does not match %s", input, once, valid)
		}
		if twice := Name(once); twice != once {
			t.Fatalf("Name not idempotent for %q: %q != %q", input, twice, once)
		}
	}
}
