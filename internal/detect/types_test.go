package detect

import (
	"strings"
	"testing"
)

func TestNewTableValidation(t *testing.T) {
	valid := Platform{
		Name:       "Acme Conf",
		URLPattern: `^https://conf\.acme\.dev/`,
		Probes:     []string{"#stage"},
	}

	tests := []struct {
		name      string
		platforms []Platform
		wantErr   string
	}{
		{"empty table", nil, "empty"},
		{"missing name", []Platform{{URLPattern: `^x`, Probes: []string{"#a"}}}, "no name"},
		{"duplicate name", []Platform{valid, valid}, "duplicate"},
		{"missing pattern", []Platform{{Name: "P", Probes: []string{"#a"}}}, "no URL pattern"},
		{"bad pattern", []Platform{{Name: "P", URLPattern: `([`, Probes: []string{"#a"}}}, "bad URL pattern"},
		{"no probes", []Platform{{Name: "P", URLPattern: `^x`}}, "no probe"},
		{"empty probe", []Platform{{Name: "P", URLPattern: `^x`, Probes: []string{""}}}, "probe 0 is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.platforms)
			if err == nil {
				t.Fatalf("NewTable accepted %s", tt.name)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := NewTable([]Platform{valid}); err != nil {
		t.Fatalf("NewTable rejected valid platform: %v", err)
	}
}

func TestMatchFirstWins(t *testing.T) {
	tbl, err := NewTable([]Platform{
		{Name: "Specific", URLPattern: `^https://conf\.acme\.dev/room/`, Probes: []string{"#a"}},
		{Name: "Broad", URLPattern: `^https://conf\.acme\.dev/`, Probes: []string{"#b"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	p, ok := tbl.Match("https://conf.acme.dev/room/42")
	if !ok || p.Name != "Specific" {
		t.Errorf("Match = %q, %v, want Specific (first entry wins)", p.Name, ok)
	}
	p, ok = tbl.Match("https://conf.acme.dev/pricing")
	if !ok || p.Name != "Broad" {
		t.Errorf("Match = %q, %v, want Broad", p.Name, ok)
	}
	if _, ok := tbl.Match("https://example.com/"); ok {
		t.Error("Match accepted an unrelated URL")
	}
	if _, ok := tbl.Match(""); ok {
		t.Error("Match accepted an empty URL")
	}
}

func TestPlatformsReturnsCopy(t *testing.T) {
	tbl, err := NewTable(BuiltinPlatforms())
	if err != nil {
		t.Fatal(err)
	}
	got := tbl.Platforms()
	if len(got) != tbl.Len() {
		t.Fatalf("Platforms returned %d entries, table has %d", len(got), tbl.Len())
	}
	got[0].Name = "mutated"
	if tbl.Platforms()[0].Name == "mutated" {
		t.Error("mutating the returned slice changed the table")
	}
}
