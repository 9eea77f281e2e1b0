package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandPatternLists(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		mappings map[string]any
		want     []string
	}{
		{
			name:     "no placeholders",
			pattern:  "base-policy",
			mappings: map[string]any{"minion": "web-1"},
			want:     []string{"base-policy"},
		},
		{
			name:     "scalar substitution",
			pattern:  "host-{minion}",
			mappings: map[string]any{"minion": "web-1"},
			want:     []string{"host-web-1"},
		},
		{
			name:    "list fan-out",
			pattern: "role-{roles}",
			mappings: map[string]any{
				"roles": []any{"web", "db"},
			},
			want: []string{"role-web", "role-db"},
		},
		{
			name:    "two lists multiply",
			pattern: "{env}-{roles}",
			mappings: map[string]any{
				"env":   []string{"dev", "prod"},
				"roles": []string{"web", "db"},
			},
			want: []string{"dev-web", "dev-db", "prod-web", "prod-db"},
		},
		{
			name:    "mixed scalar and list",
			pattern: "{minion}-{roles}",
			mappings: map[string]any{
				"minion": "web-1",
				"roles":  []string{"a", "b"},
			},
			want: []string{"web-1-a", "web-1-b"},
		},
		{
			name:     "unknown placeholder untouched",
			pattern:  "policy-{unknown}",
			mappings: map[string]any{},
			want:     []string{"policy-{unknown}"},
		},
		{
			name:    "non-string list left as placeholder",
			pattern: "policy-{nums}",
			mappings: map[string]any{
				"nums": []any{1, 2},
			},
			want: []string{"policy-{nums}"},
		},
		{
			name:    "repeated placeholder expands consistently",
			pattern: "{roles}/{roles}",
			mappings: map[string]any{
				"roles": []string{"x", "y"},
			},
			want: []string{"x/x", "y/y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandPatternLists(tt.pattern, tt.mappings))
		})
	}
}
