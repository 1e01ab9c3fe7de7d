package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillwiki/quill/errors"
)

func TestParseJobID(t *testing.T) {
	id, err := parseJobID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, raw := range []string{"", "abc", "12.5", "12abc"} {
		_, err := parseJobID(raw)
		require.Error(t, err, "raw=%q", raw)
		assert.True(t, errors.IsInvalidRequestError(err), "raw=%q", raw)
	}
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]interface{}
		wantErr bool
	}{
		{name: "empty", pairs: nil, want: nil},
		{name: "single pair", pairs: []string{"page=Home"}, want: map[string]interface{}{"page": "Home"}},
		{
			name:  "value containing equals",
			pairs: []string{"query=a=b"},
			want:  map[string]interface{}{"query": "a=b"},
		},
		{
			name:  "empty value allowed",
			pairs: []string{"note="},
			want:  map[string]interface{}{"note": ""},
		},
		{name: "missing separator", pairs: []string{"justakey"}, wantErr: true},
		{name: "empty key", pairs: []string{"=value"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseParams(tc.pairs)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalidRequestError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly-10", truncate("exactly-10", 10))
	assert.Equal(t, "very-lo...", truncate("very-long-job-type", 10))
}
