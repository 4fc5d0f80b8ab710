// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prompt

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSeed(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		in      string
		wantLen int
		wantErr bool
	}{
		{
			name:    "32 bytes",
			in:      strings.Repeat("2a", 32) + "\n",
			wantLen: 32,
		},
		{
			name:    "spaced",
			in:      strings.Repeat("2a ", 16),
			wantLen: 16,
		},
		{
			name:    "odd length",
			in:      "a" + strings.Repeat("2a", 16),
			wantLen: 17,
		},
		{
			name:    "too short",
			in:      strings.Repeat("2a", 15),
			wantErr: true,
		},
		{
			name:    "too long",
			in:      strings.Repeat("2a", 65),
			wantErr: true,
		},
		{
			name:    "not hex",
			in:      strings.Repeat("zz", 32),
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			seed, err := parseSeed(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, seed, tc.wantLen)
		})
	}
}

func TestPromptListBool(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input string
		want  bool
	}{
		{"\n", false},
		{"y\n", true},
		{"YES\n", true},
		{"maybe\nno\n", false},
		{"what\nyes\n", true},
	}

	for _, tc := range testCases {
		reader := bufio.NewReader(strings.NewReader(tc.input))
		got, err := promptListBool(reader, "Continue?", "no")
		require.NoError(t, err)
		require.Equalf(t, tc.want, got, "input %q", tc.input)
	}
}
