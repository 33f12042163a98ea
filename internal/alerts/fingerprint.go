// Package alerts owns the alert lifecycle: opening instances from rule
// hits, guarded state transitions, SLA deadlines, and abandonment.
package alerts

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// Fingerprint derives the stable identity of an alert stream. Hits with
// the same fingerprint collapse into the open instance instead of opening
// a new one. The correlation key is the rule's correlation tag when set,
// otherwise the rule's sensor key.
func Fingerprint(rule *entities.RuleDefinition, deviceID string) string {
	correlationKey := rule.CorrelationTag
	if correlationKey == "" {
		correlationKey = rule.Key
	}
	sum := sha256.Sum256([]byte(rule.TenantID + "|" + rule.ID + "|" + deviceID + "|" + correlationKey))
	return hex.EncodeToString(sum[:])[:32]
}
