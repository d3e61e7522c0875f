package job

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix
// enables future algorithm migration without colliding hashes.
const (
	domainRequest = "dvm/request/v1"
	domainPrepaid = "dvm/prepaid/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain || 0x00 || data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RequestHash computes the canonical identity of an admission request.
// Identical requests from the same requester hash identically, which is
// the sole admission-idempotency guard: resubmission is a duplicate, not a
// double charge.
func RequestHash(requester string, p Params) (string, error) {
	obj := map[string]any{
		"requester": requester,
		"url":       p.URL,
		"function":  p.Function,
		"input":     p.Input,
		"time":      p.Time,
		"checksum":  p.Checksum,
	}
	if p.Schedule != nil {
		sched := map[string]any{}
		if p.Schedule.RunDate > 0 {
			sched["run_date"] = p.Schedule.RunDate
		}
		if p.Schedule.Name != "" {
			sched["name"] = p.Schedule.Name
		}
		if len(p.Schedule.ExpectedOutputs) > 0 {
			sched["expected_outputs"] = p.Schedule.ExpectedOutputs
		}
		obj["schedule"] = sched
	}

	canonical, err := marshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("RequestHash: %w", err)
	}
	return hashWithDomain(domainRequest, canonical), nil
}

// PrepaidPaymentHash derives the payment-proof hash for a balance-funded
// job. Pre-paid jobs have no Lightning payment hash, so one is derived
// from the request hash under a distinct domain; uniqueness of the request
// hash carries over, keeping the payment-hash identity space collision
// free between the two funding modes.
func PrepaidPaymentHash(requestHash string) string {
	return hashWithDomain(domainPrepaid, []byte(requestHash))
}
