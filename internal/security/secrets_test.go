package security

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashComparesInConstantTime(t *testing.T) {
	h := HashSecretSHA256("s3cret")
	assert.Len(t, h, 64)
	assert.True(t, ConstantTimeEqualHex(h, HashSecretSHA256("s3cret")))
	assert.False(t, ConstantTimeEqualHex(h, HashSecretSHA256("other")))
	assert.False(t, ConstantTimeEqualHex(h, "zz"))
}

func TestTokenFromAuthorization(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Token abc123", want: "abc123"},
		{header: "Bearer abc123", want: "abc123"},
		{header: "token  abc123 ", want: "abc123"},
		{header: "Basic " + base64.StdEncoding.EncodeToString([]byte("abc123:")), want: "abc123"},
		{header: "Basic " + base64.StdEncoding.EncodeToString([]byte("abc123:pw")), want: "abc123"},
		{header: "Basic not-base64!", wantErr: true},
		{header: "Digest abc", wantErr: true},
		{header: "Token", wantErr: true},
		{header: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := TokenFromAuthorization(tt.header)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrMalformedAuthorization, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestNewToken(t *testing.T) {
	a, err := NewToken(16)
	require.NoError(t, err)
	b, err := NewToken(16)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
