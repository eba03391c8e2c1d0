// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hashutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		hash string
		want string
	}{
		{
			name: "lowercase hex is uppercased",
			hash: "abcdef0123456789abcdef0123456789abcdef01",
			want: "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		},
		{
			name: "uppercase hex unchanged",
			hash: "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
			want: "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		},
		{
			name: "surrounding whitespace trimmed",
			hash: "  abcdef0123456789abcdef0123456789abcdef01\n",
			want: "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		},
		{
			name: "base32 all-A decodes to zero bytes",
			hash: strings.Repeat("A", 32),
			want: strings.Repeat("0", 40),
		},
		{
			name: "lowercase base32 accepted",
			hash: strings.Repeat("a", 32),
			want: strings.Repeat("0", 40),
		},
		{
			name: "invalid hex digits rejected",
			hash: strings.Repeat("Z", 40),
			want: "",
		},
		{
			name: "invalid base32 digits rejected",
			hash: strings.Repeat("1", 32),
			want: "",
		},
		{
			name: "wrong length rejected",
			hash: "abcdef",
			want: "",
		},
		{
			name: "empty input",
			hash: "",
			want: "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Normalize(tt.hash))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"abcdef0123456789abcdef0123456789abcdef01",
		strings.Repeat("A", 32),
		strings.Repeat("A", 40),
	}
	for _, in := range inputs {
		once := Normalize(in)
		require.NotEmpty(t, once)
		assert.Equal(t, once, Normalize(once))
	}
}

func TestNormalizeAll(t *testing.T) {
	t.Parallel()

	got := NormalizeAll([]string{
		"abcdef0123456789abcdef0123456789abcdef01",
		"ABCDEF0123456789ABCDEF0123456789ABCDEF01", // duplicate after normalization
		"not-a-hash",
		"",
		strings.Repeat("A", 32),
	})

	assert.Equal(t, []string{
		"ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		strings.Repeat("0", 40),
	}, got)
}

func TestFromMagnet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		magnet string
		want   string
	}{
		{
			name:   "hex hash",
			magnet: "magnet:?xt=urn:btih:abcdef0123456789abcdef0123456789abcdef01&dn=test",
			want:   "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		},
		{
			name:   "base32 hash converted to hex",
			magnet: "magnet:?xt=urn:btih:" + strings.Repeat("A", 32),
			want:   strings.Repeat("0", 40),
		},
		{
			name:   "no xt parameter",
			magnet: "magnet:?dn=missing-hash",
			want:   "",
		},
		{
			name:   "not a magnet link",
			magnet: "https://example.com/file.torrent",
			want:   "",
		},
		{
			name:   "malformed hash in xt",
			magnet: "magnet:?xt=urn:btih:tooshort",
			want:   "",
		},
		{
			name:   "empty",
			magnet: "",
			want:   "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FromMagnet(tt.magnet))
		})
	}
}

func TestMagnet(t *testing.T) {
	t.Parallel()

	hash := "ABCDEF0123456789ABCDEF0123456789ABCDEF01"
	assert.Equal(t, "magnet:?xt=urn:btih:"+hash, Magnet(hash, ""))
	assert.Equal(t, "magnet:?xt=urn:btih:"+hash+"&dn=Some+Title", Magnet(hash, "Some Title"))
	assert.Empty(t, Magnet("garbage", "x"))

	// Round-trip through FromMagnet.
	assert.Equal(t, hash, FromMagnet(Magnet(hash, "Some Title")))
}
