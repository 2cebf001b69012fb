package server

import (
	"fmt"
	"strings"
)

// stripPlanMarkup removes a well-formed plan block from the answer, plus any
// stray marker fragments from a malformed one, leaving the conversational
// text around it.
func stripPlanMarkup(text string) string {
	result := text
	for {
		openIdx := strings.Index(result, planMarkerOpen)
		if openIdx < 0 {
			break
		}
		rest := result[openIdx+len(planMarkerOpen):]
		closeIdx := strings.Index(rest, planMarkerClose)
		if closeIdx < 0 {
			result = result[:openIdx]
			break
		}
		result = result[:openIdx] + rest[closeIdx+len(planMarkerClose):]
	}
	result = strings.ReplaceAll(result, planMarkerOpen, "")
	result = strings.ReplaceAll(result, planMarkerClose, "")
	return strings.TrimSpace(result)
}

// cleanupModelArtifacts strips formatting the operating rules forbid but
// models still occasionally produce.
func cleanupModelArtifacts(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		kept = append(kept, line)
	}
	cleaned := strings.Join(kept, "\n")
	cleaned = strings.ReplaceAll(cleaned, "**", "")
	return strings.TrimSpace(cleaned)
}

// composeAnswer is the final text pass applied to every model answer before
// it reaches the user.
func composeAnswer(text string) string {
	return cleanupModelArtifacts(stripPlanMarkup(text))
}

func planConfirmationMessage(language, title string) string {
	if language == languageGerman {
		return fmt.Sprintf(
			"Dein Trainingsplan %q ist gespeichert. Du findest ihn in deinen Plänen und kannst sofort mit dem ersten Schritt loslegen.",
			title,
		)
	}
	return fmt.Sprintf(
		"Your training plan %q is saved. You can find it in your plans and start with the first step right away.",
		title,
	)
}

func planApologyMessage(language string) string {
	if language == languageGerman {
		return "Entschuldige, beim Erstellen des Trainingsplans ist etwas schiefgelaufen. Bitte versuche es gleich noch einmal."
	}
	return "Sorry, something went wrong while creating the training plan. Please try again in a moment."
}

func generationApologyMessage(language string) string {
	if language == languageGerman {
		return "Entschuldige, ich brauche gerade etwas zu lange für eine Antwort. Bitte stelle deine Frage gleich noch einmal."
	}
	return "Sorry, I'm taking too long to answer right now. Please ask your question again in a moment."
}

func loginRequiredMessage(language string) string {
	if language == languageGerman {
		return "Bitte melde dich erneut an, damit ich dir weiterhelfen kann."
	}
	return "Please log in again so I can help you."
}

// Static fallback library used when the provider is unreachable. Keyed by
// coarse topic heuristics over the user message so the canned answer is at
// least on-topic.
type staticFallbackEntry struct {
	Keywords []string
	Answers  map[string]string
}

var staticFallbackEntries = []staticFallbackEntry{
	{
		Keywords: []string{"leash", "pull", "leine", "zieht"},
		Answers: map[string]string{
			languageEnglish: "I can't reach my full knowledge right now, but for leash pulling: stop walking the " +
				"moment the leash tightens, wait for slack, then continue. Reward walking beside you often. " +
				"Short, consistent sessions beat long frustrating walks.",
			languageGerman: "Ich kann gerade nicht auf mein volles Wissen zugreifen, aber bei Leinenziehen gilt: " +
				"Bleib stehen, sobald die Leine sich spannt, warte auf lockere Leine und geh dann weiter. " +
				"Belohne das Laufen neben dir häufig. Kurze, konsequente Einheiten wirken besser als lange Spaziergänge.",
		},
	},
	{
		Keywords: []string{"bark", "bellen", "bellt"},
		Answers: map[string]string{
			languageEnglish: "I can't reach my full knowledge right now, but for barking: find out what triggers it " +
				"first, reward quiet moments, and reduce exposure to the trigger while you train. " +
				"Yelling reads as joining in, so stay calm.",
			languageGerman: "Ich kann gerade nicht auf mein volles Wissen zugreifen, aber beim Bellen gilt: " +
				"Finde zuerst den Auslöser, belohne ruhige Momente und reduziere den Kontakt zum Auslöser, " +
				"während ihr übt. Schimpfen wirkt wie Mitbellen, also bleib ruhig.",
		},
	},
	{
		Keywords: []string{"bite", "biting", "nipping", "beißt", "schnappt"},
		Answers: map[string]string{
			languageEnglish: "I can't reach my full knowledge right now, but for nipping: end play calmly the moment " +
				"teeth touch skin, offer a chew toy instead, and make sure your pet gets enough rest. " +
				"Overtired animals bite more.",
			languageGerman: "Ich kann gerade nicht auf mein volles Wissen zugreifen, aber beim Schnappen gilt: " +
				"Beende das Spiel ruhig, sobald Zähne die Haut berühren, biete ein Kauspielzeug an und achte " +
				"auf genug Ruhe. Übermüdete Tiere schnappen öfter.",
		},
	},
	{
		Keywords: []string{"potty", "house", "stubenrein", "sauber"},
		Answers: map[string]string{
			languageEnglish: "I can't reach my full knowledge right now, but for house training: go out on a fixed " +
				"schedule, reward outside elimination within two seconds, and clean accidents with an enzyme " +
				"cleaner so the spot loses its smell.",
			languageGerman: "Ich kann gerade nicht auf mein volles Wissen zugreifen, aber zur Stubenreinheit: " +
				"Geh nach festem Zeitplan raus, belohne das Lösen draußen innerhalb von zwei Sekunden und " +
				"reinige Missgeschicke mit Enzymreiniger, damit die Stelle ihren Geruch verliert.",
		},
	},
}

var staticFallbackGeneric = map[string]string{
	languageEnglish: "I'm having trouble reaching my knowledge base right now. Please try again in a few minutes. " +
		"In the meantime: keep training sessions short, reward the behavior you want, and end on a success.",
	languageGerman: "Ich habe gerade Probleme, auf meine Wissensbasis zuzugreifen. Bitte versuche es in ein paar " +
		"Minuten erneut. Bis dahin: Halte Trainingseinheiten kurz, belohne erwünschtes Verhalten und höre mit " +
		"einem Erfolg auf.",
}

func staticFallbackResponse(language, userMessage string) string {
	if _, ok := supportedLanguages[language]; !ok {
		language = languageEnglish
	}
	lowered := strings.ToLower(userMessage)
	for _, entry := range staticFallbackEntries {
		if containsAnyKeyword(lowered, entry.Keywords) {
			if answer, ok := entry.Answers[language]; ok {
				return answer
			}
		}
	}
	return staticFallbackGeneric[language]
}
