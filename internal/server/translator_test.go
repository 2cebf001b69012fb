package server

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestTranslateDraftAllFields(t *testing.T) {
	client := &scriptedAIClient{
		queryFn: func(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
			return AIModelResponse{Answer: "DE:" + req.UserPrompt, Model: req.Model}, nil
		},
	}
	translator := &planTranslator{client: client, model: "gpt-5-mini"}

	draft := PlanDraft{
		Title:       "Loose Leash Walking",
		Description: "Two weeks to a relaxed walk",
		Steps: []PlanStep{
			{Title: "Stand still", Description: "Stop when the leash tightens."},
			{Title: "Reward slack", Description: "Mark the loose leash."},
		},
	}
	translated := translator.translateDraft(context.Background(), draft, languageEnglish, languageGerman)

	if translated.Title != "DE:Loose Leash Walking" {
		t.Fatalf("title not translated: %q", translated.Title)
	}
	if translated.Description != "DE:Two weeks to a relaxed walk" {
		t.Fatalf("description not translated: %q", translated.Description)
	}
	if len(translated.Steps) != 2 {
		t.Fatalf("expected 2 translated steps, got %d", len(translated.Steps))
	}
	if translated.Steps[1].Title != "DE:Reward slack" {
		t.Fatalf("step title not translated: %q", translated.Steps[1].Title)
	}
	if client.callCount() != 6 {
		t.Fatalf("expected 6 field translations, got %d", client.callCount())
	}
}

func TestTranslateDraftPartialFailure(t *testing.T) {
	client := &scriptedAIClient{
		queryFn: func(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
			if strings.Contains(req.UserPrompt, "Stand still") {
				return AIModelResponse{}, errors.New("provider hiccup")
			}
			return AIModelResponse{Answer: "DE:" + req.UserPrompt}, nil
		},
	}
	translator := &planTranslator{client: client, model: "gpt-5-mini"}

	draft := PlanDraft{
		Title: "Loose Leash Walking",
		Steps: []PlanStep{{Title: "Stand still", Description: "Stop when the leash tightens."}},
	}
	translated := translator.translateDraft(context.Background(), draft, languageEnglish, languageGerman)

	if translated.Steps[0].Title != "" {
		t.Fatalf("failed field must come back empty, got %q", translated.Steps[0].Title)
	}
	if translated.Title == "" || translated.Steps[0].Description == "" {
		t.Fatalf("other fields must still translate: %+v", translated)
	}
}

func TestTranslateDraftSkipsEmptyFields(t *testing.T) {
	client := &scriptedAIClient{
		queryFn: func(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
			return AIModelResponse{Answer: "DE:" + req.UserPrompt}, nil
		},
	}
	translator := &planTranslator{client: client, model: "gpt-5-mini"}

	draft := PlanDraft{
		Title: "Recall",
		Steps: []PlanStep{{Title: "Long line", Description: "Practice on a 10m line."}},
	}
	translated := translator.translateDraft(context.Background(), draft, languageEnglish, languageGerman)

	if translated.Description != "" {
		t.Fatalf("empty description must stay empty, got %q", translated.Description)
	}
	if client.callCount() != 3 {
		t.Fatalf("expected 3 model calls for 3 non-empty fields, got %d", client.callCount())
	}
}
