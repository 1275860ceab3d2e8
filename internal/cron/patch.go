package cron

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vervet/valet/internal/persistence"
)

var jsonNull = []byte("null")

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// applyPatch merges a partial update document into a job. Absent fields are
// untouched; an explicit null clears nullable fields (name, delivery).
func applyPatch(job *persistence.Job, raw []byte) error {
	if err := validateAgainst(jobPatchSchema, raw); err != nil {
		return err
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(raw, &patch); err != nil {
		return fmt.Errorf("invalid patch: %w", err)
	}

	for key, value := range patch {
		switch key {
		case "name":
			if isNull(value) {
				job.Name = ""
				continue
			}
			if err := json.Unmarshal(value, &job.Name); err != nil {
				return fmt.Errorf("patch name: %w", err)
			}
		case "enabled":
			if err := json.Unmarshal(value, &job.Enabled); err != nil {
				return fmt.Errorf("patch enabled: %w", err)
			}
		case "schedule":
			spec, err := patchSchedule(job.Schedule, value)
			if err != nil {
				return err
			}
			job.Schedule = spec
		case "session_target":
			if err := json.Unmarshal(value, &job.SessionTarget); err != nil {
				return fmt.Errorf("patch session_target: %w", err)
			}
		case "payload":
			payload := job.Payload
			if err := json.Unmarshal(value, &payload); err != nil {
				return fmt.Errorf("patch payload: %w", err)
			}
			if payload.Kind == "" {
				payload.Kind = persistence.PayloadAgentTurn
			}
			job.Payload = payload
		case "delivery":
			if isNull(value) {
				job.Delivery = nil
				continue
			}
			var spec persistence.DeliverySpec
			if err := json.Unmarshal(value, &spec); err != nil {
				return fmt.Errorf("patch delivery: %w", err)
			}
			job.Delivery = &spec
		case "wake_mode":
			if err := json.Unmarshal(value, &job.WakeMode); err != nil {
				return fmt.Errorf("patch wake_mode: %w", err)
			}
		case "delete_after_run":
			if err := json.Unmarshal(value, &job.DeleteAfterRun); err != nil {
				return fmt.Errorf("patch delete_after_run: %w", err)
			}
		case "concurrency_cap":
			if err := json.Unmarshal(value, &job.ConcurrencyCap); err != nil {
				return fmt.Errorf("patch concurrency_cap: %w", err)
			}
		}
	}
	return nil
}

// patchSchedule merges a partial schedule document, inferring the kind from
// the field supplied when the document omits it.
func patchSchedule(current persistence.ScheduleSpec, raw json.RawMessage) (persistence.ScheduleSpec, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return current, fmt.Errorf("patch schedule: %w", err)
	}
	spec := current
	if err := json.Unmarshal(raw, &spec); err != nil {
		return current, fmt.Errorf("patch schedule: %w", err)
	}
	if _, hasKind := fields["kind"]; !hasKind {
		switch {
		case fields["at"] != nil:
			spec.Kind = persistence.ScheduleAt
		case fields["every_ms"] != nil:
			spec.Kind = persistence.ScheduleEvery
		case fields["cron"] != nil:
			spec.Kind = persistence.ScheduleCron
		}
	}
	if err := ValidateSpec(spec); err != nil {
		return current, err
	}
	return spec, nil
}
