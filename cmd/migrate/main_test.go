package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand(" postgres://db ", "embedded", []string{"up"})
	require.NoError(t, err)
	require.Equal(t, "up", cmd.name)
	require.Equal(t, "postgres://db", cmd.dsn)

	cmd, err = parseCommand("postgres://db", "db/migrations", []string{"down", "3"})
	require.NoError(t, err)
	require.Equal(t, 3, cmd.steps)

	cmd, err = parseCommand("postgres://db", "db/migrations", []string{"down"})
	require.NoError(t, err)
	require.Equal(t, 1, cmd.steps)
}

func TestParseCommandRejects(t *testing.T) {
	cases := []struct {
		dsn, dir string
		args     []string
	}{
		{"", "embedded", []string{"up"}},
		{"postgres://db", "", []string{"up"}},
		{"postgres://db", "embedded", nil},
		{"postgres://db", "embedded", []string{"sideways"}},
		{"postgres://db", "db/migrations", []string{"down", "zero"}},
		{"postgres://db", "db/migrations", []string{"down", "-1"}},
	}
	for _, tc := range cases {
		_, err := parseCommand(tc.dsn, tc.dir, tc.args)
		require.Error(t, err, "%+v", tc)
	}
}
