package trust

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize renders v as JSON with object keys sorted at every depth.
// Array order is preserved, HTML characters are not escaped, and numbers keep
// their textual form.
// Params: any JSON-marshalable value (maps, structs, raw messages).
// Returns: deterministic byte string for signing and hashing.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize marshal: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON canonicalizes an already-encoded JSON document.
// Params: JSON bytes.
// Returns: canonical bytes or decode error.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	generic, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	return encodeCanonical(generic)
}

func decodeGeneric(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize decode: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("canonicalize decode: trailing data")
	}
	return generic, nil
}

// encodeCanonical relies on encoding/json sorting map keys.
func encodeCanonical(generic any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonicalize encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
