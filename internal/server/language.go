package server

import (
	"context"
	"errors"
	"log"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5"
)

const (
	languageEnglish = "en"
	languageGerman  = "de"
)

var supportedLanguages = map[string]struct{}{
	languageEnglish: {},
	languageGerman:  {},
}

// normalizeLanguageTag maps caller-supplied tags ("en-US", "DE") onto a
// supported tag, or "" when the value is unsupported.
func normalizeLanguageTag(input string) string {
	tag := strings.ToLower(strings.TrimSpace(input))
	if tag == "" {
		return ""
	}
	if idx := strings.IndexAny(tag, "-_"); idx > 0 {
		tag = tag[:idx]
	}
	if _, ok := supportedLanguages[tag]; ok {
		return tag
	}
	return ""
}

// resolveLanguage never errors: explicit request value wins, then the stored
// preference, then the configured default.
func (a *App) resolveLanguage(ctx context.Context, userID, requested string) string {
	if tag := normalizeLanguageTag(requested); tag != "" {
		return tag
	}
	if strings.TrimSpace(userID) != "" {
		stored, err := a.loadPreferredLanguage(ctx, userID)
		if err != nil {
			log.Printf("language preference lookup failed user_id=%s err=%v", userID, err)
		} else if tag := normalizeLanguageTag(stored); tag != "" {
			return tag
		}
	}
	if tag := normalizeLanguageTag(a.cfg.DefaultLanguage); tag != "" {
		return tag
	}
	return languageEnglish
}

func (a *App) loadPreferredLanguage(ctx context.Context, userID string) (string, error) {
	var stored *string
	err := a.db.QueryRow(
		ctx,
		`SELECT "preferredLanguage" FROM "UserSettings" WHERE "userId" = $1`,
		userID,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", nil
	}
	return *stored, nil
}

type languageScore struct {
	Language string
	Score    int
	Matches  []string
}

// languageClassifier isolates the keyword heuristic so it can be swapped for
// a proper language-id model without touching callers.
type languageClassifier interface {
	Detect(text string) string
	Classify(text string) []languageScore
}

type keywordLanguageClassifier struct{}

// Weighted signal vocabularies. Function words carry weight 1, unambiguous
// domain words weight 2. Words on the loanword allow-list never appear here.
var languageSignalWords = map[string]map[string]int{
	languageEnglish: {
		"the": 1, "and": 1, "is": 1, "are": 1, "with": 1, "for": 1, "your": 1,
		"not": 1, "when": 1, "then": 1, "each": 1, "every": 1, "day": 1,
		"minutes": 1, "times": 1, "week": 1, "practice": 2, "session": 1,
		"dog": 2, "puppy": 2, "leash": 2, "treat": 2, "reward": 2, "sit": 1,
		"stay": 1, "walk": 1, "calm": 1, "slowly": 2, "repeat": 2, "short": 1,
		"daily": 2, "command": 1, "praise": 2, "behavior": 2,
	},
	languageGerman: {
		"und": 1, "der": 1, "die": 1, "das": 1, "ist": 1, "sind": 1, "mit": 1,
		"für": 1, "dein": 1, "deinem": 1, "nicht": 1, "wenn": 1, "dann": 1,
		"jeden": 1, "täglich": 2, "minuten": 1, "mal": 1, "woche": 1,
		"übung": 2, "hund": 2, "welpe": 2, "leine": 2, "leckerli": 2,
		"belohnung": 2, "sitz": 1, "bleib": 1, "ruhig": 1, "langsam": 2,
		"wiederhole": 2, "kurz": 1, "kommando": 2, "lob": 1, "verhalten": 2,
	},
}

// Cross-language technical loanwords shared by the supported languages. A
// "mixed" verdict caused only by these terms is not a real mix.
var crossLanguageLoanwords = map[string]struct{}{
	"training": {},
	"plan":     {},
	"step":     {},
	"ok":       {},
	"clicker":  {},
	"trainer":  {},
	"stopp":    {},
	"stop":     {},
}

func (keywordLanguageClassifier) Classify(text string) []languageScore {
	words := tokenizeWords(text)
	scores := make([]languageScore, 0, len(languageSignalWords))
	for _, lang := range []string{languageEnglish, languageGerman} {
		vocab := languageSignalWords[lang]
		score := 0
		matches := make([]string, 0, 8)
		seen := map[string]struct{}{}
		for _, word := range words {
			weight, ok := vocab[word]
			if !ok {
				// Loanwords count toward every supported language; the
				// mixed-content check discounts them again.
				if _, loan := crossLanguageLoanwords[word]; !loan {
					continue
				}
				weight = 1
			}
			score += weight
			if _, dup := seen[word]; !dup {
				seen[word] = struct{}{}
				matches = append(matches, word)
			}
		}
		if score > 0 {
			scores = append(scores, languageScore{Language: lang, Score: score, Matches: matches})
		}
	}
	return scores
}

// Detect returns the majority-vote language, or "" when no signal word
// matched at all.
func (c keywordLanguageClassifier) Detect(text string) string {
	scores := c.Classify(text)
	best := ""
	bestScore := 0
	for _, item := range scores {
		if item.Score > bestScore {
			best = item.Language
			bestScore = item.Score
		}
	}
	return best
}

// isMixedLanguage reports whether more than one supported language scores
// above zero once loanwords are discounted.
func isMixedLanguage(scores []languageScore) bool {
	scoring := 0
	for _, item := range scores {
		realMatches := 0
		for _, word := range item.Matches {
			if _, loan := crossLanguageLoanwords[word]; !loan {
				realMatches++
			}
		}
		if realMatches > 0 {
			scoring++
		}
	}
	return scoring > 1
}

func tokenizeWords(text string) []string {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return nil
	}
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}
