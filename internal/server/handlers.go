package server

import (
	"strings"
)

type chatRequest struct {
	Message     string     `json:"message"`
	SessionID   string     `json:"session_id"`
	PetID       string     `json:"pet_id"`
	TrainerName string     `json:"trainer_name"`
	Language    string     `json:"language"`
	CreatePlan  *PlanDraft `json:"create_plan"`
}

type chatResponse struct {
	Response string `json:"response"`
	PlanID   string `json:"plan_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Machine-readable diagnostics for the Error field. The user-facing text is
// always the localized Response string.
const (
	chatErrUnauthorized    = "unauthorized"
	chatErrGenerationFail  = "generation_failed"
	chatErrProviderFail    = "provider_error"
	chatErrPlanRejected    = "plan_rejected"
	chatErrPlanStepsInsert = "plan_steps_insert_failed"
	chatErrInvalidPlan     = "invalid_plan_payload"
)

func containsAnyKeyword(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func truncateRunes(value string, max int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || max <= 0 {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= max {
		return trimmed
	}
	return strings.TrimSpace(string(runes[:max])) + "..."
}

func trimToRuneLimit(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || limit <= 0 {
		return trimmed
	}
	runes := []rune(trimmed)
	if len(runes) <= limit {
		return trimmed
	}

	const prefix = "(older turns compressed)\n"
	keep := limit - len([]rune(prefix))
	if keep < 64 {
		keep = limit
	}
	if keep > len(runes) {
		keep = len(runes)
	}
	tail := strings.TrimSpace(string(runes[len(runes)-keep:]))
	if keep == limit {
		return tail
	}
	return prefix + tail
}
