package server

import (
	"context"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"
)

// planTranslator translates plan fields between the supported languages with
// one model call per field, fanned out concurrently. A failed field comes
// back empty rather than failing the whole plan; callers persist whatever
// translations arrived.
type planTranslator struct {
	client AIClient
	model  string
}

type translatedPlan struct {
	Title       string
	Description string
	Steps       []translatedStep
}

type translatedStep struct {
	Title       string
	Description string
}

func (t *planTranslator) translateDraft(
	ctx context.Context,
	draft PlanDraft,
	fromLanguage, toLanguage string,
) translatedPlan {
	result := translatedPlan{Steps: make([]translatedStep, len(draft.Steps))}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		result.Title = t.translateField(groupCtx, draft.Title, fromLanguage, toLanguage)
		return nil
	})
	group.Go(func() error {
		result.Description = t.translateField(groupCtx, draft.Description, fromLanguage, toLanguage)
		return nil
	})
	for i := range draft.Steps {
		index := i
		group.Go(func() error {
			result.Steps[index].Title = t.translateField(
				groupCtx, draft.Steps[index].Title, fromLanguage, toLanguage)
			return nil
		})
		group.Go(func() error {
			result.Steps[index].Description = t.translateField(
				groupCtx, draft.Steps[index].Description, fromLanguage, toLanguage)
			return nil
		})
	}
	_ = group.Wait()
	return result
}

func (t *planTranslator) translateField(ctx context.Context, text, fromLanguage, toLanguage string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}

	fromName := languageDisplayName(fromLanguage)
	toName := languageDisplayName(toLanguage)
	system := strings.Join([]string{
		fmt.Sprintf("You translate pet training content from %s to %s.", fromName, toName),
		"Return only the translated text with no quotes, labels, or commentary.",
		"Keep the tone instructional and keep trainer commands natural in the target language.",
	}, "\n")

	response, err := t.client.Query(ctx, AIModelRequest{
		Model:        t.model,
		SystemPrompt: system,
		UserPrompt:   trimmed,
	})
	if err != nil {
		log.Printf("plan field translation failed from=%s to=%s err=%v", fromLanguage, toLanguage, err)
		return ""
	}
	return strings.TrimSpace(response.Answer)
}

func languageDisplayName(tag string) string {
	if name, ok := languageNames[tag]; ok {
		return name
	}
	return "English"
}
