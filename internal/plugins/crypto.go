package plugins

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/chainrun/pkg/schema"
)

var cryptoSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "data": {"type": "string"},
    "key": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256", "sha384", "sha512", "sha1", "md5"]}
  },
  "additionalProperties": false
}`)

// cryptoPlugin hashes data, signs it with an HMAC or generates UUIDs.
// "execute" is an alias for "hash".
type cryptoPlugin struct{}

func (p *cryptoPlugin) Name() string { return "crypto" }

func (p *cryptoPlugin) Schema() Schema {
	return Schema{
		Description: "Compute a hash or HMAC of 'data', or generate a v4 UUID",
		Operations:  []string{schema.DefaultOperation, "hash", "hmac", "uuid"},
		InputSchema: cryptoSchema,
	}
}

func (p *cryptoPlugin) Invoke(_ context.Context, req Request) (any, error) {
	if req.Operation == "uuid" {
		return map[string]any{"uuid": uuid.NewString()}, nil
	}

	algorithm := kwargString(req, "algorithm")
	if algorithm == "" {
		algorithm = "sha256"
	}
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	data, ok := req.Kwargs["data"].(string)
	if !ok {
		if len(req.Args) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "crypto.%s requires a 'data' string", req.Operation)
		}
		if data, ok = req.Args[0].(string); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "crypto.%s: data must be a string", req.Operation)
		}
	}

	switch req.Operation {
	case "", schema.DefaultOperation, "hash":
		h := newHash()
		h.Write([]byte(data))
		return map[string]any{"hash": hex.EncodeToString(h.Sum(nil)), "algorithm": algorithm}, nil
	case "hmac":
		key, ok := req.Kwargs["key"].(string)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires a 'key' string")
		}
		mac := hmac.New(newHash, []byte(key))
		mac.Write([]byte(data))
		return map[string]any{"hmac": hex.EncodeToString(mac.Sum(nil)), "algorithm": algorithm}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "crypto: unknown operation %q", req.Operation)
	}
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}
