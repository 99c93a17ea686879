package policy

import (
	"encoding/json"

	"github.com/clowbot/clowbot/go/internal/outbox/payload"
)

// Declared is the producer's policy before any allowlist enforcement. It is
// kept on the ledger row so dispatch can re-evaluate from the original intent.
type Declared struct {
	Risk             payload.Risk      `json:"risk"`
	RequiresApproval bool              `json:"requires_approval"`
	Allowlist        payload.Allowlist `json:"allowlist"`
}

// DeclaredFrom captures p's policy as declared.
func DeclaredFrom(p *payload.Payload) Declared {
	return Declared{
		Risk:             p.Policy.Risk,
		RequiresApproval: p.Policy.RequiresApproval,
		Allowlist:        payload.Merge(p.Policy.Allowlist, payload.Allowlist{}),
	}
}

// AsMeta encodes d for the row's metadata column.
func (d Declared) AsMeta() map[string]any {
	raw, _ := json.Marshal(d)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// DeclaredFromMeta decodes a stored declared policy. ok is false when the row
// predates declared policies or the value is malformed.
func DeclaredFromMeta(v any) (Declared, bool) {
	if v == nil {
		return Declared{}, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Declared{}, false
	}
	var d Declared
	if err := json.Unmarshal(raw, &d); err != nil {
		return Declared{}, false
	}
	switch d.Risk {
	case payload.RiskGreen, payload.RiskYellow, payload.RiskRed:
		return d, true
	}
	return Declared{}, false
}

// Reevaluation is the dispatch-time policy outcome.
type Reevaluation struct {
	Payload *payload.Payload
	// Escalated is set when the row now needs approval and did not before.
	Escalated bool
	// Lifted is set when an allowlist-derived escalation was removed because
	// every target now passes.
	Lifted bool
}

// Reevaluate re-runs the allowlist check for a stored payload against the
// current tenant allowlist.
//
// With a declared policy the check starts from the producer's intent, so an
// escalation that was purely allowlist-derived disappears once the targets
// are allowed, provided allowLift is set. A producer-declared RED or approval
// is never lifted. Without a declared policy the stored policy is the floor.
func Reevaluate(stored *payload.Payload, declared *Declared, tenant payload.Allowlist, allowLift bool) Reevaluation {
	wasGated := stored.Policy.Risk == payload.RiskRed && stored.Policy.RequiresApproval

	if declared == nil {
		d := EnforceAllowlist(stored, &tenant)
		return Reevaluation{Payload: d.Payload, Escalated: d.UpgradedToRed && !wasGated}
	}

	start := *stored
	start.Policy = payload.Policy{
		Risk:             declared.Risk,
		RequiresApproval: declared.RequiresApproval,
		Allowlist:        declared.Allowlist,
	}
	d := EnforceAllowlist(&start, &tenant)
	if d.UpgradedToRed {
		return Reevaluation{Payload: d.Payload, Escalated: !wasGated}
	}

	policyChanged := stored.Policy.Risk != d.Payload.Policy.Risk ||
		stored.Policy.RequiresApproval != d.Payload.Policy.RequiresApproval
	if !policyChanged {
		return Reevaluation{Payload: d.Payload}
	}
	if !allowLift {
		kept := *d.Payload
		kept.Policy.Risk = stored.Policy.Risk
		kept.Policy.RequiresApproval = stored.Policy.RequiresApproval
		return Reevaluation{Payload: &kept}
	}
	return Reevaluation{Payload: d.Payload, Lifted: true}
}
