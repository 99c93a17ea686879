package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

var outreachMessages = []string{
	"Hi! Quick one: I can help with lead generation and your sales funnel. Got two minutes for a couple of questions?",
	"If it's relevant: in 30 minutes I can walk through your current process and list the quick wins.",
	"I can send three offer variants tailored to your audience. Who is your client and what is the average deal size?",
	"If easier, tell me where leads get lost today: traffic, conversion, follow-up or repeat sales.",
	"No worries if now is not the time. Reply 'yes' whenever you want to pick this up again.",
}

// outreachSkill drafts an offer and queues a chat sequence to one target.
// The per-message allowlist is empty, so only the tenant allowlist lets the
// sequence through without approval.
type outreachSkill struct {
	p *Producer
}

func (outreachSkill) Name() Name { return OutreachSequence }

func (s outreachSkill) Run(ctx context.Context, tx outbox.Tx, req RunRequest) (RunResult, error) {
	in := req.Inputs
	product := inputString(in, "product", "product_description")
	audience := inputString(in, "audience", "target_audience")
	chatID := inputString(in, "chat_id")
	username := inputString(in, "chat_username")

	var missing []string
	if product == "" {
		missing = append(missing, "product")
	}
	if audience == "" {
		missing = append(missing, "audience")
	}
	if chatID == "" && username == "" {
		missing = append(missing, "chat_id")
	}
	if len(missing) > 0 {
		return blocked("missing required inputs", missing...), nil
	}

	count := len(outreachMessages)
	if n, ok := inputInt(in, "count"); ok {
		count = max(1, min(n, len(outreachMessages)))
	}
	messages := outreachMessages[:count]

	res := newResult()
	offer := fmt.Sprintf("# Offer (draft)\n\nProduct: %s\n\n## Options\n"+
		"1) Quick win: audit + shortlist\n2) Standard: done-for-you setup\n3) Premium: setup + optimization + reporting\n", product)
	icp := fmt.Sprintf("# ICP (draft)\n\nAudience: %s\n\n## Pain\n- time\n- lack of pipeline\n- low conversion\n\n"+
		"## Triggers\n- hiring\n- new product\n- funding\n", audience)
	var list strings.Builder
	list.WriteString("# Outreach messages\n\n")
	for i, m := range messages {
		if i > 0 {
			list.WriteString("\n")
		}
		fmt.Fprintf(&list, "%d. %s\n", i+1, m)
	}

	docs := []struct {
		key, docType, title, content string
		meta                         map[string]any
	}{
		{"offer_doc_id", "offer", "Offer (draft)", offer, nil},
		{"icp_doc_id", "icp", "ICP (draft)", icp, nil},
		{"outreach_messages_doc_id", "outreach_messages", "Outreach messages", list.String(),
			map[string]any{"chat_id": nullable(chatID), "chat_username": nullable(username)}},
	}
	for _, d := range docs {
		id, err := s.p.Document(ctx, tx, req.TenantID, "sales", d.docType, d.title, d.content, d.meta)
		if err != nil {
			return RunResult{}, err
		}
		res.Artifacts[d.key] = id
	}

	chat := map[string]any{}
	if chatID != "" {
		chat["chat_id"] = chatID
	}
	if username != "" {
		chat["username"] = username
	}
	for i, text := range messages {
		raw := map[string]any{
			"schema":  payload.SchemaV1,
			"kind":    string(payload.KindTelegram),
			"context": map[string]any{"source": "skill." + string(OutreachSequence), "trace_id": "sequence:" + strconv.Itoa(i)},
			"policy": map[string]any{
				"risk":              string(payload.RiskYellow),
				"requires_approval": false,
				"allowlist":         map[string]any{},
			},
			"message": map[string]any{
				"chat":                     chat,
				"parse_mode":               string(payload.ParseModeMarkdown),
				"text":                     text,
				"disable_web_page_preview": true,
			},
			"attachments": []any{},
		}
		if _, err := s.p.Queue(ctx, tx, req, raw, &res); err != nil {
			return RunResult{}, fmt.Errorf("failed to queue message %d: %w", i, err)
		}
	}
	return res, nil
}

func inputString(in map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := in[k]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func inputInt(in map[string]any, key string) (int, bool) {
	switch v := in[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
