package routing

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		line    string
		want    Rule
		wantErr error
	}{
		{line: "example.com", want: Rule{Type: RuleDomain, Value: "example.com"}},
		{line: "  full:www.example.com  # exact", want: Rule{Type: RuleFull, Value: "www.example.com"}},
		{line: "keyword:google", want: Rule{Type: RuleKeyword, Value: "google"}},
		{line: `regexp:^ads\d+\.`, want: Rule{Type: RuleRegexp, Value: `^ads\d+\.`}},
		{line: "include:google@cn", want: Rule{Type: RuleInclude, Value: "google", Attrs: []Attr{{"cn", true}}}},
		{
			line: "domain:a.com @ads @!cn @ads",
			want: Rule{Type: RuleDomain, Value: "a.com", Attrs: []Attr{{"ads", true}, {"cn", false}}},
		},
		{line: "", wantErr: ErrEmptyRule},
		{line: "   # only a comment", wantErr: ErrEmptyRule},
		{line: "bogus:a.com", wantErr: ErrInvalidRuleType},
		{line: "a.com@", wantErr: ErrEmptyAttrName},
		{line: "a.com@!", wantErr: ErrEmptyAttrName},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseRule(tt.line)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRule failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestMatchAttrs(t *testing.T) {
	tagged := Rule{Type: RuleDomain, Value: "a.com", Attrs: []Attr{{"ads", true}}}
	plain := Rule{Type: RuleDomain, Value: "b.com"}

	tests := []struct {
		name   string
		rule   Rule
		filter []Attr
		want   bool
	}{
		{"empty filter", plain, nil, true},
		{"enabled attr present", tagged, []Attr{{"ads", true}}, true},
		{"enabled attr missing", plain, []Attr{{"ads", true}}, false},
		{"disabled attr present", tagged, []Attr{{"ads", false}}, false},
		{"disabled attr missing", plain, []Attr{{"ads", false}}, true},
		{"or semantics", tagged, []Attr{{"cn", true}, {"ads", true}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.MatchAttrs(tt.filter); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
