package types

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	errorsmod "cosmossdk.io/errors"
)

// TriggerSource identifies what opened an incident
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerWebhook   TriggerSource = "webhook"
	TriggerAlert     TriggerSource = "alert"
	TriggerScheduled TriggerSource = "scheduled"
)

// Validate checks the trigger source is one of the known values
func (s TriggerSource) Validate() error {
	switch s {
	case TriggerManual, TriggerWebhook, TriggerAlert, TriggerScheduled:
		return nil
	default:
		return errorsmod.Wrapf(ErrInvalidTrigger, "unknown trigger source %q", s)
	}
}

// Incident is the logical unit of investigation
type Incident struct {
	IncidentID      string        `json:"incident_id"`
	IncidentType    string        `json:"incident_type"`
	TriggerSource   TriggerSource `json:"trigger_source"`
	OpenedAt        time.Time     `json:"opened_at"`
	FirstBlockIndex uint64        `json:"first_block_index"`
}

const incidentDayLayout = "20060102"

var (
	incidentIDPattern   = regexp.MustCompile(`^INC-[0-9]{8}-[0-9]{4,}$`)
	incidentTypePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
)

// IncidentDay returns the sequence bucket (UTC YYYYMMDD) for t
func IncidentDay(t time.Time) string {
	return t.UTC().Format(incidentDayLayout)
}

// FormatIncidentID renders INC-<YYYYMMDD>-<seq> with seq padded to four digits
func FormatIncidentID(day string, seq uint64) string {
	return fmt.Sprintf("INC-%s-%04d", day, seq)
}

// ValidateIncidentID checks the INC-<date>-<seq> format
func ValidateIncidentID(id string) error {
	if !incidentIDPattern.MatchString(id) {
		return errorsmod.Wrapf(ErrInvalidTrigger, "malformed incident id %q", id)
	}
	return nil
}

// ParseIncidentID splits a well-formed incident id into its day and sequence
func ParseIncidentID(id string) (string, uint64, error) {
	if err := ValidateIncidentID(id); err != nil {
		return "", 0, err
	}
	seq, err := strconv.ParseUint(id[len("INC-YYYYMMDD-"):], 10, 64)
	if err != nil {
		return "", 0, errorsmod.Wrapf(ErrInvalidTrigger, "incident sequence out of range in %q", id)
	}
	return id[len("INC-") : len("INC-")+8], seq, nil
}

// ValidateIncidentType checks an incident type is a safe path segment
func ValidateIncidentType(incidentType string) error {
	if !incidentTypePattern.MatchString(incidentType) {
		return errorsmod.Wrapf(ErrInvalidTrigger, "malformed incident type %q", incidentType)
	}
	return nil
}
