package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type wirePayload struct {
	Schema         string       `json:"schema"`
	Kind           Kind         `json:"kind"`
	IdempotencyKey string       `json:"idempotency_key"`
	Context        Context      `json:"context"`
	Policy         Policy       `json:"policy"`
	Message        any          `json:"message"`
	Attachments    []Attachment `json:"attachments"`
}

// MarshalJSON emits the normalized wire form with every default filled in.
func (p Payload) MarshalJSON() ([]byte, error) {
	w := wirePayload{
		Schema:         p.Schema,
		Kind:           p.Kind,
		IdempotencyKey: p.IdempotencyKey,
		Context:        p.Context,
		Policy:         p.Policy,
		Attachments:    p.Attachments,
	}
	if w.Schema == "" {
		w.Schema = SchemaV1
	}
	if w.Attachments == nil {
		w.Attachments = []Attachment{}
	}
	w.Policy.Allowlist = w.Policy.Allowlist.normalized()
	switch p.Kind {
	case KindEmail:
		w.Message = p.Email
	case KindTelegram:
		w.Message = p.Telegram
	case KindGitHubIssue:
		w.Message = p.GitHubIssue
	}
	return json.Marshal(w)
}

// UnmarshalJSON validates while decoding, so stored payloads are re-checked on read.
func (p *Payload) UnmarshalJSON(raw []byte) error {
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

// Canonical returns the normalized payload as a generic JSON object.
func (p *Payload) Canonical() (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return decodeObject(raw)
}

// Clone deep-copies p through its wire form.
func (p *Payload) Clone() (*Payload, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return Parse(raw)
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload object: %w", err)
	}
	return out, nil
}
