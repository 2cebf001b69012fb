package server

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
)

// planSections holds the structured decomposition of a step description.
// Unrecognized prose lands in Procedure so nothing the model wrote is lost.
type planSections struct {
	Goal           string
	Procedure      string
	Cadence        string
	Tools          string
	Tips           string
	CommonMistakes string
}

type sectionHeading struct {
	Tokens []string
	Field  func(*planSections) *string
}

var sectionHeadings = []sectionHeading{
	{
		Tokens: []string{"goal", "ziel"},
		Field:  func(s *planSections) *string { return &s.Goal },
	},
	{
		Tokens: []string{"procedure", "ablauf", "vorgehen"},
		Field:  func(s *planSections) *string { return &s.Procedure },
	},
	{
		Tokens: []string{"cadence", "frequency", "häufigkeit", "frequenz"},
		Field:  func(s *planSections) *string { return &s.Cadence },
	},
	{
		Tokens: []string{"tools", "hilfsmittel"},
		Field:  func(s *planSections) *string { return &s.Tools },
	},
	{
		Tokens: []string{"tips", "tipps"},
		Field:  func(s *planSections) *string { return &s.Tips },
	},
	{
		Tokens: []string{"common mistakes", "mistakes", "fehler", "häufige fehler"},
		Field:  func(s *planSections) *string { return &s.CommonMistakes },
	},
}

// decomposeStepSections splits a step description on "Heading: body" lines.
// Text before the first recognized heading, and any line under no recognized
// heading, accumulates in Procedure.
func decomposeStepSections(description string) planSections {
	sections := planSections{}
	target := &sections.Procedure

	for _, line := range strings.Split(description, "\n") {
		trimmed := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*• "))
		if trimmed == "" {
			continue
		}
		if field, body, matched := matchSectionHeading(&sections, trimmed); matched {
			target = field
			*target = appendSection(*target, body)
			continue
		}
		*target = appendSection(*target, trimmed)
	}
	return sections
}

func matchSectionHeading(sections *planSections, line string) (*string, string, bool) {
	colonIdx := strings.Index(line, ":")
	if colonIdx <= 0 {
		return nil, "", false
	}
	label := strings.ToLower(strings.TrimSpace(line[:colonIdx]))
	body := strings.TrimSpace(line[colonIdx+1:])
	for _, heading := range sectionHeadings {
		for _, token := range heading.Tokens {
			if label == token {
				return heading.Field(sections), body, true
			}
		}
	}
	return nil, "", false
}

func appendSection(existing, addition string) string {
	addition = strings.TrimSpace(addition)
	if addition == "" {
		return existing
	}
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}

// persistTrainingPlan inserts the plan row and then its steps with contiguous
// step numbers starting at 1. A step insert failure after the plan row exists
// is reported as a typed error; the plan row is left in place and the
// condition is logged for operator follow-up.
func (a *App) persistTrainingPlan(
	ctx context.Context,
	userID, petID string,
	draft PlanDraft,
	translated *translatedPlan,
	language string,
	aiGenerated bool,
) (string, error) {
	planID := uuid.NewString()

	var titleTranslated, descriptionTranslated *string
	if translated != nil {
		if v := strings.TrimSpace(translated.Title); v != "" {
			titleTranslated = &v
		}
		if v := strings.TrimSpace(translated.Description); v != "" {
			descriptionTranslated = &v
		}
	}
	var petRef *string
	if v := strings.TrimSpace(petID); v != "" {
		petRef = &v
	}

	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO "TrainingPlan"
		 (id, "userId", "petId", title, description, "titleTranslated", "descriptionTranslated",
		  language, "isAiGenerated", "createdAt")
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		planID,
		userID,
		petRef,
		draft.Title,
		draft.Description,
		titleTranslated,
		descriptionTranslated,
		language,
		aiGenerated,
	); err != nil {
		return "", fmt.Errorf("plan insert failed: %w", err)
	}

	for i, step := range draft.Steps {
		sections := decomposeStepSections(step.Description)
		var stepTitleTranslated, stepDescriptionTranslated *string
		if translated != nil && i < len(translated.Steps) {
			if v := strings.TrimSpace(translated.Steps[i].Title); v != "" {
				stepTitleTranslated = &v
			}
			if v := strings.TrimSpace(translated.Steps[i].Description); v != "" {
				stepDescriptionTranslated = &v
			}
		}
		if _, err := a.db.Exec(
			ctx,
			`INSERT INTO "TrainingStep"
			 (id, "planId", "stepNumber", title, description,
			  "titleTranslated", "descriptionTranslated", "pointsReward",
			  goal, procedure, cadence, tools, tips, "commonMistakes", "createdAt")
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())`,
			uuid.NewString(),
			planID,
			i+1,
			step.Title,
			step.Description,
			stepTitleTranslated,
			stepDescriptionTranslated,
			step.PointsReward,
			sections.Goal,
			sections.Procedure,
			sections.Cadence,
			sections.Tools,
			sections.Tips,
			sections.CommonMistakes,
		); err != nil {
			log.Printf("plan step insert failed plan_id=%s step=%d err=%v", planID, i+1, err)
			return planID, fmt.Errorf("plan step insert failed: %w", err)
		}
	}
	return planID, nil
}
