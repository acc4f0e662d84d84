package plugins

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/pkg/schema"
)

func execCrypto(t *testing.T, req Request) (map[string]any, error) {
	t.Helper()
	out, err := (&cryptoPlugin{}).Invoke(context.Background(), req)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	require.True(t, ok)
	return m, nil
}

func TestCryptoHash(t *testing.T) {
	tests := []struct {
		algorithm string
		want      string
	}{
		{"sha256", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{"sha512", "9b71d224bd62f3785d96d46ad3ea3d73319bfbc2890caadae2dff72519673ca72323c3d99ba5c11d7c7acc6e14b8c5da0c4663475c2e5c3adef46f73bcdec043"},
		{"md5", "5d41402abc4b2a76b9719d911017c592"},
		{"sha1", "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"},
	}
	for _, tc := range tests {
		t.Run(tc.algorithm, func(t *testing.T) {
			out, err := execCrypto(t, Request{Operation: "hash", Kwargs: map[string]any{"algorithm": tc.algorithm, "data": "hello"}})
			require.NoError(t, err)
			assert.Equal(t, tc.want, out["hash"])
			assert.Equal(t, tc.algorithm, out["algorithm"])
		})
	}
}

func TestCryptoHash_DefaultsAndArgs(t *testing.T) {
	out, err := execCrypto(t, Request{Operation: schema.DefaultOperation, Args: []any{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, "sha256", out["algorithm"])
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", out["hash"])
}

func TestCryptoHMAC(t *testing.T) {
	out, err := execCrypto(t, Request{Operation: "hmac", Kwargs: map[string]any{"data": "hello", "key": "secret"}})
	require.NoError(t, err)
	assert.Equal(t, "88aab3ede8d3adf94d26ab90d3bafd4a2083070c3bcce9c014ee04a443847c0b", out["hmac"])

	_, err = execCrypto(t, Request{Operation: "hmac", Kwargs: map[string]any{"data": "hello"}})
	assert.Error(t, err)
}

func TestCryptoUUID(t *testing.T) {
	out, err := execCrypto(t, Request{Operation: "uuid"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`), out["uuid"])
}

func TestCrypto_Errors(t *testing.T) {
	for name, req := range map[string]Request{
		"missing data":      {Operation: "hash"},
		"non-string data":   {Operation: "hash", Args: []any{42}},
		"bad algorithm":     {Operation: "hash", Kwargs: map[string]any{"data": "x", "algorithm": "crc32"}},
		"unknown operation": {Operation: "sign", Kwargs: map[string]any{"data": "x"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := execCrypto(t, req)
			require.Error(t, err)
			var ce *schema.ChainError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, schema.ErrCodeValidation, ce.Code)
		})
	}
}
