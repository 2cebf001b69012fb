package server

import (
	"strings"
	"testing"
)

func TestStripPlanMarkupWellFormed(t *testing.T) {
	text := "Here is your plan.\n" + planMarkerOpen + `{"title":"x"}` + planMarkerClose + "\nEnjoy!"
	got := stripPlanMarkup(text)
	if strings.Contains(got, planMarkerOpen) || strings.Contains(got, "title") {
		t.Fatalf("plan block must be removed, got %q", got)
	}
	if !strings.Contains(got, "Here is your plan.") || !strings.Contains(got, "Enjoy!") {
		t.Fatalf("surrounding text must survive, got %q", got)
	}
}

func TestStripPlanMarkupMalformed(t *testing.T) {
	text := "Intro text.\n" + planMarkerOpen + `{"title":"x", "steps": [`
	got := stripPlanMarkup(text)
	if got != "Intro text." {
		t.Fatalf("everything from an unclosed marker onward must go, got %q", got)
	}
}

func TestStripPlanMarkupStrayClose(t *testing.T) {
	got := stripPlanMarkup("Before " + planMarkerClose + " after")
	if strings.Contains(got, planMarkerClose) {
		t.Fatalf("stray close marker must be removed, got %q", got)
	}
}

func TestCleanupModelArtifacts(t *testing.T) {
	text := "Answer line.\n```json\n{\"x\":1}\n```\n**Bold** claim."
	got := cleanupModelArtifacts(text)
	if strings.Contains(got, "```") || strings.Contains(got, "**") {
		t.Fatalf("fences and bold markers must be stripped, got %q", got)
	}
	if !strings.Contains(got, "Bold claim.") {
		t.Fatalf("text content must survive, got %q", got)
	}
}

func TestStaticFallbackTopicMatch(t *testing.T) {
	got := staticFallbackResponse(languageEnglish, "My dog keeps pulling on the leash")
	if !strings.Contains(got, "leash") {
		t.Fatalf("expected the leash entry, got %q", got)
	}
	got = staticFallbackResponse(languageGerman, "Mein Hund zieht an der Leine")
	if !strings.Contains(got, "Leine") {
		t.Fatalf("expected the German leash entry, got %q", got)
	}
}

func TestStaticFallbackGeneric(t *testing.T) {
	got := staticFallbackResponse(languageEnglish, "What should I feed a parrot?")
	if got != staticFallbackGeneric[languageEnglish] {
		t.Fatalf("expected the generic English entry, got %q", got)
	}
	got = staticFallbackResponse("fr", "anything")
	if got != staticFallbackGeneric[languageEnglish] {
		t.Fatalf("unsupported language must fall back to English, got %q", got)
	}
}

func TestPlanTriggered(t *testing.T) {
	if !planTriggered(planTriggerPrefix + " teach my dog to sit") {
		t.Fatalf("prefixed message must trigger")
	}
	if planTriggered("teach my dog to sit") {
		t.Fatalf("plain message must not trigger")
	}
	if planTriggered("please " + planTriggerPrefix + " sit") {
		t.Fatalf("prefix must be at the start of the message")
	}
	if planTriggered(planTriggerPrefix + " continue our previous conversation") {
		t.Fatalf("continuation phrases must never trigger")
	}
}

func TestLocalizedMessages(t *testing.T) {
	en := planConfirmationMessage(languageEnglish, "Recall")
	de := planConfirmationMessage(languageGerman, "Recall")
	if en == de {
		t.Fatalf("confirmation must be localized")
	}
	if !strings.Contains(en, `"Recall"`) || !strings.Contains(de, `"Recall"`) {
		t.Fatalf("confirmation must mention the plan title: %q / %q", en, de)
	}
	if loginRequiredMessage(languageEnglish) == loginRequiredMessage(languageGerman) {
		t.Fatalf("login message must be localized")
	}
	if generationApologyMessage(languageEnglish) == generationApologyMessage(languageGerman) {
		t.Fatalf("generation apology must be localized")
	}
}
