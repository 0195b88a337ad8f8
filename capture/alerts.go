package capture

import (
	"strings"

	"github.com/spf13/cast"

	"github.com/paw-chain/custody/types"
)

// AlertmanagerPayload is the webhook body sent by Prometheus Alertmanager
type AlertmanagerPayload struct {
	Receiver string  `json:"receiver"`
	Status   string  `json:"status"`
	Alerts   []Alert `json:"alerts"`
}

// Alert is one alert of a webhook notification. Label values are decoded
// loosely since relabeling can produce non-string values.
type Alert struct {
	Status      string         `json:"status"`
	Labels      map[string]any `json:"labels"`
	Annotations map[string]any `json:"annotations"`
	StartsAt    string         `json:"startsAt"`
	Fingerprint string         `json:"fingerprint"`
}

// AlertTriggers converts every alert of a notification into a capture trigger
func AlertTriggers(payload AlertmanagerPayload) []Trigger {
	triggers := make([]Trigger, 0, len(payload.Alerts))
	for _, alert := range payload.Alerts {
		labels := cast.ToStringMapString(alert.Labels)
		annotations := cast.ToStringMapString(alert.Annotations)

		incidentType := sanitizeType(labels["app"])
		if incidentType == "" {
			incidentType = "alert"
		}
		severity := strings.ToUpper(labels["severity"])
		if severity == "" {
			severity = "UNKNOWN"
		}

		ctx := map[string]any{
			"alertname": labels["alertname"],
			"category":  "ALERT_" + severity,
			"labels":    labels,
			"status":    alert.Status,
		}
		if len(annotations) > 0 {
			ctx["annotations"] = annotations
		}
		if alert.StartsAt != "" {
			ctx["starts_at"] = alert.StartsAt
		}
		if alert.Fingerprint != "" {
			ctx["fingerprint"] = alert.Fingerprint
		}

		triggers = append(triggers, Trigger{
			IncidentType:  incidentType,
			TriggerSource: types.TriggerAlert,
			Context:       ctx,
		})
	}
	return triggers
}

// sanitizeType maps a label value onto the incident type alphabet
func sanitizeType(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		case r == ' ' || r == '/':
			b.WriteRune('_')
		}
		if b.Len() == 64 {
			break
		}
	}
	out := strings.TrimLeft(b.String(), "_-.")
	if types.ValidateIncidentType(out) != nil {
		return ""
	}
	return out
}
