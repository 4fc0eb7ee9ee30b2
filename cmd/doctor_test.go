package cmd

import (
	"testing"

	"github.com/nextlevelbuilder/tgmirror/internal/resolver"
)

// TestPermalink verifies only canonical channel IDs render a t.me/c/
// form; usernames and basic-group IDs print nothing extra.
func TestPermalink(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"private channel ID", "-1000000000123", " (t.me/c/123)"},
		{"username", "@somechannel", ""},
		{"basic group ID", "-123", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, _, err := resolver.Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.input, err)
			}
			if got := permalink(ref); got != tt.want {
				t.Errorf("permalink = %q, want %q", got, tt.want)
			}
		})
	}
}
