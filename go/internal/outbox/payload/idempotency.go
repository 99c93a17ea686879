package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const idempotencyPrefix = "sha256:"

// ComputeIdempotencyKey hashes the payload without its idempotency_key field.
// Object keys are sorted and whitespace is dropped, so field order never
// changes the result.
func ComputeIdempotencyKey(m map[string]any) (string, error) {
	unkeyed := make(map[string]any, len(m))
	for k, v := range m {
		if k == "idempotency_key" {
			continue
		}
		unkeyed[k] = v
	}
	canon, err := CanonicalJSON(unkeyed)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return idempotencyPrefix + hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes v compactly with sorted object keys and no HTML escaping.
// U+2028 and U+2029 are emitted as raw UTF-8 like every other non-ASCII rune.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json sorts map keys; struct values are first flattened to maps
	// so their declaration order cannot leak into the hash.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	generic, err := decodeAny(raw)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return unescapeLineSeparators(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// unescapeLineSeparators undoes encoding/json's \u2028 and \u2029 escapes.
// Other escape pairs are copied whole, so an escaped backslash is never
// mistaken for the start of one.
func unescapeLineSeparators(in []byte) []byte {
	if !bytes.Contains(in, []byte(`\u202`)) {
		return in
	}
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		if in[i] != '\\' || i+1 >= len(in) {
			out = append(out, in[i])
			continue
		}
		if rest := in[i:]; bytes.HasPrefix(rest, []byte(`\u2028`)) {
			out = append(out, "\u2028"...)
			i += 5
		} else if bytes.HasPrefix(rest, []byte(`\u2029`)) {
			out = append(out, "\u2029"...)
			i += 5
		} else {
			out = append(out, in[i], in[i+1])
			i++
		}
	}
	return out
}

func decodeAny(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}
