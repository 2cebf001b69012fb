package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
)

type PlanStep struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	PointsReward int    `json:"pointsReward"`
}

type PlanDraft struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Steps       []PlanStep `json:"steps"`
}

const (
	planStepTitleRuneMin       = 3
	planStepDescriptionRuneMin = 10
)

// extractPlanBlock looks for exactly one marker-delimited plan payload in the
// model answer. Absence of a marker is the normal case, not an error; found
// reports whether the open marker appeared at all and wellFormed whether a
// matching close marker followed it.
func extractPlanBlock(text string) (inner string, found, wellFormed bool) {
	openIdx := strings.Index(text, planMarkerOpen)
	if openIdx < 0 {
		return "", false, false
	}
	rest := text[openIdx+len(planMarkerOpen):]
	closeIdx := strings.Index(rest, planMarkerClose)
	if closeIdx < 0 {
		return "", true, false
	}
	return strings.TrimSpace(rest[:closeIdx]), true, true
}

// parsePlanDraft decodes the embedded payload, first verbatim and then via a
// repair pass for the trailing-comma and single-quote noise models produce.
func parsePlanDraft(payload string) (PlanDraft, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return PlanDraft{}, errors.New("plan payload is empty")
	}

	draft := PlanDraft{}
	if err := json.Unmarshal([]byte(trimmed), &draft); err == nil {
		return draft, nil
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return PlanDraft{}, fmt.Errorf("plan payload is not valid JSON: %w", err)
	}
	draft = PlanDraft{}
	if err := json.Unmarshal([]byte(repaired), &draft); err != nil {
		return PlanDraft{}, fmt.Errorf("plan payload is not valid JSON: %w", err)
	}
	return draft, nil
}

// validatePlanDraft normalizes the draft in place and rejects drafts that
// would persist as unusable plans.
func validatePlanDraft(draft *PlanDraft) error {
	if draft == nil {
		return errors.New("plan draft is nil")
	}
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Description = strings.TrimSpace(draft.Description)
	if draft.Title == "" {
		return errors.New("plan title is required")
	}
	if len(draft.Steps) == 0 {
		return errors.New("plan requires at least one step")
	}
	for i := range draft.Steps {
		step := &draft.Steps[i]
		step.Title = strings.TrimSpace(step.Title)
		step.Description = strings.TrimSpace(step.Description)
		if utf8.RuneCountInString(step.Title) < planStepTitleRuneMin {
			return fmt.Errorf("step %d title is too short", i+1)
		}
		if utf8.RuneCountInString(step.Description) < planStepDescriptionRuneMin {
			return fmt.Errorf("step %d description is too short", i+1)
		}
		if step.PointsReward < 0 {
			step.PointsReward = 0
		}
	}
	return nil
}

// blendedPlanText concatenates every textual field so language detection sees
// the plan as one document.
func blendedPlanText(draft PlanDraft) string {
	parts := make([]string, 0, 2+len(draft.Steps)*2)
	parts = append(parts, draft.Title, draft.Description)
	for _, step := range draft.Steps {
		parts = append(parts, step.Title, step.Description)
	}
	return strings.Join(parts, "\n")
}

// detectPlanLanguage classifies the whole draft. It returns the detected
// language ("" when no signal) and whether the draft genuinely mixes
// languages beyond shared loanwords.
func detectPlanLanguage(classifier languageClassifier, draft PlanDraft) (string, bool) {
	text := blendedPlanText(draft)
	scores := classifier.Classify(text)
	return classifier.Detect(text), isMixedLanguage(scores)
}
