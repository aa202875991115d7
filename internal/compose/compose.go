// Package compose turns raw alert events into presentation-ready
// notifications. It is pure: no I/O, no clock beyond the input, and it
// never returns an error: a failed compose must never suppress an alert,
// so malformed input degrades to a safe fallback instead.
package compose

import (
	"fmt"
	"time"

	"github.com/lifelink/alertcore/internal/domain"
)

// Kind identifies the application event a notification is composed from.
type Kind string

const (
	KindBloodRequest     Kind = "blood_request"
	KindRequestAccepted  Kind = "request_accepted"
	KindRequestCancelled Kind = "request_cancelled"
	KindDonationReminder Kind = "donation_reminder"
	KindResponseRetry    Kind = "response_retry"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindBloodRequest, KindRequestAccepted, KindRequestCancelled,
		KindDonationReminder, KindResponseRetry:
		return true
	}
	return false
}

// RawAlert is the unvalidated event data handed in by the application.
// Context carries arbitrary string fields from the backend payload; the
// composer strips identifying fields before any of it reaches a
// notification surface.
type RawAlert struct {
	RequestID string
	Urgency   string
	Context   map[string]string
	ExpiresAt *time.Time
}

// tierPolicy fixes the presentation attributes for one urgency tier.
type tierPolicy struct {
	requireInteraction bool
	vibration          []int
	autoDismiss        time.Duration // 0 = never
}

// The policy table is fixed: the presentation surface, not callers,
// decides how insistent each tier is.
var tierPolicies = map[domain.UrgencyTier]tierPolicy{
	domain.TierCritical: {requireInteraction: true, vibration: []int{200, 100, 200, 100, 400}, autoDismiss: 0},
	domain.TierUrgent:   {requireInteraction: true, vibration: []int{200, 100, 200}, autoDismiss: 0},
	domain.TierHigh:     {requireInteraction: false, vibration: []int{150, 100, 150}, autoDismiss: 2 * time.Minute},
	domain.TierNormal:   {requireInteraction: false, vibration: []int{100}, autoDismiss: 30 * time.Second},
}

// maxActions is a hard limit of the presentation surface, not a design
// choice. Enforced here so every caller benefits.
const maxActions = 3

// piiFields are context keys that must never reach a notification payload.
// Demographic fields (age, gender, condition) stay; anything that could
// identify or reach the patient goes.
var piiFields = map[string]bool{
	"name":          true,
	"patientName":   true,
	"patient_name":  true,
	"phone":         true,
	"phoneNumber":   true,
	"phone_number":  true,
	"email":         true,
	"address":       true,
	"contactPerson": true,
	"nationalId":    true,
}

// Compose builds a notification for the given event kind. Malformed input
// (unknown kind, missing request ID) yields the fallback notification
// rather than an error.
func Compose(kind Kind, raw RawAlert) domain.ComposedNotification {
	if !kind.IsValid() || raw.RequestID == "" {
		return fallback(raw)
	}

	tier := tierFor(kind, raw.Urgency)
	policy := tierPolicies[tier]

	n := domain.ComposedNotification{
		Title:              title(kind, raw),
		Body:               body(kind, raw),
		Urgency:            tier,
		Actions:            buildActions(tier, raw),
		Data:               stripPII(raw, kind),
		ExpiresAt:          raw.ExpiresAt,
		RequireInteraction: policy.requireInteraction,
		VibrationPattern:   policy.vibration,
		AutoDismissAfter:   policy.autoDismiss,
	}
	return n
}

// tierFor resolves the effective tier. Blood requests never compose below
// urgent; an unparseable urgency string defaults to urgent as well, since
// under-alerting is the worse failure mode.
func tierFor(kind Kind, urgency string) domain.UrgencyTier {
	t := domain.UrgencyTier(urgency)
	if !t.IsValid() {
		t = domain.TierUrgent
	}
	switch kind {
	case KindBloodRequest:
		if t == domain.TierHigh || t == domain.TierNormal {
			t = domain.TierUrgent
		}
	case KindDonationReminder:
		t = domain.TierNormal
	case KindRequestAccepted, KindRequestCancelled:
		t = domain.TierNormal
	case KindResponseRetry:
		t = domain.TierHigh
	}
	return t
}

func title(kind Kind, raw RawAlert) string {
	switch kind {
	case KindBloodRequest:
		if bt := raw.Context["bloodType"]; bt != "" {
			return fmt.Sprintf("%s blood needed now", bt)
		}
		return "Blood needed now"
	case KindRequestAccepted:
		return "Thank you for responding"
	case KindRequestCancelled:
		return "Request no longer active"
	case KindDonationReminder:
		return "You are eligible to donate again"
	case KindResponseRetry:
		return "We could not record your response"
	}
	return genericTitle
}

func body(kind Kind, raw RawAlert) string {
	switch kind {
	case KindBloodRequest:
		hospital := raw.Context["hospital"]
		city := raw.Context["city"]
		switch {
		case hospital != "" && city != "":
			return fmt.Sprintf("A patient at %s, %s urgently needs a donor. Can you help?", hospital, city)
		case hospital != "":
			return fmt.Sprintf("A patient at %s urgently needs a donor. Can you help?", hospital)
		default:
			return "A patient near you urgently needs a donor. Can you help?"
		}
	case KindRequestAccepted:
		return "Your response was recorded. The requester has been notified."
	case KindRequestCancelled:
		return "The blood request you were notified about has been fulfilled or cancelled."
	case KindDonationReminder:
		return "It has been long enough since your last donation. Lives are waiting."
	case KindResponseRetry:
		return "Your answer will be retried automatically. Tap to check its status."
	}
	return genericBody
}

// buildActions assembles the action set in priority order: accept and
// decline always come first, then view_details for the top tiers, then a
// direct-contact action when a contact channel exists. Truncated to the
// surface limit, never an error.
func buildActions(tier domain.UrgencyTier, raw RawAlert) []domain.Action {
	actions := []domain.Action{
		{ID: "accept", Label: "I can donate"},
		{ID: "decline", Label: "Not this time"},
	}
	if tier == domain.TierCritical || tier == domain.TierUrgent {
		actions = append(actions, domain.Action{ID: "view_details", Label: "View details"})
		if raw.Context["contactAvailable"] == "true" {
			actions = append(actions, domain.Action{ID: "contact", Label: "Contact hospital"})
		}
	}
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}
	return actions
}

// stripPII copies the safe subset of the raw context into the payload data
// map. This is a privacy invariant and holds on every path, including the
// fallback.
func stripPII(raw RawAlert, kind Kind) map[string]string {
	data := make(map[string]string, len(raw.Context)+2)
	for k, v := range raw.Context {
		if piiFields[k] {
			continue
		}
		data[k] = v
	}
	if raw.RequestID != "" {
		data["requestId"] = raw.RequestID
	}
	data["kind"] = string(kind)
	return data
}

const (
	genericTitle = "Blood donation alert"
	genericBody  = "Open the app to see the details of this alert."
)

// fallback is the minimal notification returned for malformed input.
// Urgency is forced to urgent so a broken payload cannot demote an
// emergency, and the PII strip still applies.
func fallback(raw RawAlert) domain.ComposedNotification {
	policy := tierPolicies[domain.TierUrgent]
	return domain.ComposedNotification{
		Title:              genericTitle,
		Body:               genericBody,
		Urgency:            domain.TierUrgent,
		Actions:            []domain.Action{{ID: "view_details", Label: "View details"}},
		Data:               stripPII(raw, "unknown"),
		ExpiresAt:          raw.ExpiresAt,
		RequireInteraction: policy.requireInteraction,
		VibrationPattern:   policy.vibration,
		AutoDismissAfter:   policy.autoDismiss,
	}
}
