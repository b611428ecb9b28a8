package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticPrefix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "path", raw: "https://bridge.example.com/files", want: "/files"},
		{name: "trailing slash", raw: "https://bridge.example.com/files/", want: "/files"},
		{name: "nested", raw: "http://localhost:8080/static/attachments", want: "/static/attachments"},
		{name: "root only", raw: "https://bridge.example.com", wantErr: true},
		{name: "root slash", raw: "https://bridge.example.com/", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := staticPrefix(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestKeygenCommand(t *testing.T) {
	t.Parallel()

	cmd := newKeygenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version", "3"})
	require.NoError(t, cmd.Execute())

	line := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(line, "3:"), line)
	assert.Greater(t, len(line), len("3:"))
}

func TestKeygenRejectsBadVersion(t *testing.T) {
	t.Parallel()

	cmd := newKeygenCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--version", "0"})
	require.Error(t, cmd.Execute())
}

func TestRootCommandTree(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"serve", "migrate", "keygen", "token"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	down, _, err := root.Find([]string{"migrate", "down"})
	require.NoError(t, err)
	assert.NotNil(t, down.Flags().Lookup("steps"))
}
