package vault

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeString(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    int64
		wantErr bool
	}{
		{name: "bare seconds", input: "30", want: 30},
		{name: "seconds suffix", input: "30s", want: 30},
		{name: "minutes", input: "5m", want: 300},
		{name: "hours", input: "2h", want: 7200},
		{name: "days", input: "1d", want: 86400},
		{name: "fractional minutes", input: "1.5m", want: 90},
		{name: "int passes through", input: 42, want: 42},
		{name: "int64 passes through", input: int64(42), want: 42},
		{name: "float rounds", input: 41.6, want: 42},
		{name: "json number", input: json.Number("17"), want: 17},
		{name: "negative string rejected", input: "-30", wantErr: true},
		{name: "garbage rejected", input: "soon", wantErr: true},
		{name: "unknown unit rejected", input: "30w", wantErr: true},
		{name: "unsupported type rejected", input: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimeString(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvocation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    int64
		wantErr bool
	}{
		{name: "nil is zero", input: nil, want: 0},
		{name: "epoch int", input: 1700000000, want: 1700000000},
		{name: "epoch float", input: float64(1700000000), want: 1700000000},
		{name: "epoch string", input: "1700000000", want: 1700000000},
		{name: "rfc3339", input: "2023-11-14T22:13:20Z", want: 1700000000},
		{name: "rfc3339 with nanos", input: "2023-11-14T22:13:20.5Z", want: 1700000000},
		{name: "garbage rejected", input: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimestamp(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSeconds(t *testing.T) {
	got, err := parseSeconds("90m")
	require.NoError(t, err)
	assert.Equal(t, int64(5400), got)

	got, err = parseSeconds(float64(120))
	require.NoError(t, err)
	assert.Equal(t, int64(120), got)
}

func TestParseCount(t *testing.T) {
	assert.Equal(t, 0, parseCount(nil))
	assert.Equal(t, 3, parseCount(3))
	assert.Equal(t, 3, parseCount(float64(3)))
	assert.Equal(t, 3, parseCount("3"))
	assert.Equal(t, 3, parseCount(json.Number("3")))
	assert.Equal(t, 0, parseCount("three"))
}
