package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

const (
	historyTurnLimit      = 30
	historySummaryRuneMax = 3200
	historyLineRuneMax    = 180
)

type petProfileSnapshot struct {
	ID            string
	Name          string
	Species       string
	Breed         string
	AgeMonths     *int
	BehaviorFocus string
}

type memoryPetFact struct {
	Name    string
	Species string
	Breed   string
}

type memorySnapshot struct {
	Pets           []memoryPetFact
	Goals          []string
	RecentProgress []string
}

func (m memorySnapshot) empty() bool {
	return len(m.Pets) == 0 && len(m.Goals) == 0 && len(m.RecentProgress) == 0
}

// sessionContext is the per-request aggregate handed to the prompt
// synthesizer. It is rebuilt from storage on every request and never
// persisted.
type sessionContext struct {
	Language       string
	Pet            *petProfileSnapshot
	Turns          []ChatTurn
	HistorySummary string
	Memory         memorySnapshot
	FirstEncounter bool
}

// assembleSessionContext fetches the pet profile and turn history
// concurrently. Either fetch failing degrades to empty context; the prompt
// synthesizer tolerates both.
func (a *App) assembleSessionContext(
	ctx context.Context,
	userID, petID, sessionID, language string,
) sessionContext {
	result := sessionContext{Language: language}

	var pet *petProfileSnapshot
	var turns []ChatTurn
	var memory memorySnapshot
	firstEncounter := true

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if strings.TrimSpace(petID) == "" {
			return nil
		}
		loaded, err := a.loadPetProfile(groupCtx, userID, petID)
		if err != nil {
			log.Printf("pet profile fetch failed pet_id=%s user_id=%s err=%v", petID, userID, err)
			return nil
		}
		pet = loaded
		return nil
	})
	group.Go(func() error {
		loaded, err := a.loadSessionTurns(groupCtx, sessionID, 0)
		if err != nil {
			log.Printf("history fetch failed session_id=%s err=%v", sessionID, err)
			return nil
		}
		turns = loaded
		return nil
	})
	group.Go(func() error {
		loaded, err := a.loadMemorySnapshot(groupCtx, userID)
		if err != nil {
			log.Printf("memory snapshot fetch failed user_id=%s err=%v", userID, err)
			return nil
		}
		memory = loaded
		return nil
	})
	group.Go(func() error {
		if strings.TrimSpace(petID) == "" {
			return nil
		}
		seen, err := a.hasPriorPetConversation(groupCtx, userID, petID)
		if err != nil {
			log.Printf("first-encounter lookup failed pet_id=%s err=%v", petID, err)
			return nil
		}
		firstEncounter = !seen
		return nil
	})
	_ = group.Wait()

	kept, summary := summarizeHistory(turns)
	result.Pet = pet
	result.Turns = kept
	result.HistorySummary = summary
	result.Memory = memory
	result.FirstEncounter = firstEncounter && len(turns) == 0
	return result
}

// summarizeHistory keeps the trailing turns verbatim and compresses anything
// beyond the limit into a bounded speaker-tagged digest. Short histories pass
// through untouched.
func summarizeHistory(turns []ChatTurn) ([]ChatTurn, string) {
	if len(turns) <= historyTurnLimit {
		return turns, ""
	}
	older := turns[:len(turns)-historyTurnLimit]
	kept := turns[len(turns)-historyTurnLimit:]

	lines := make([]string, 0, len(older))
	for _, turn := range older {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		content := strings.Join(strings.Fields(strings.TrimSpace(turn.Content)), " ")
		if content == "" {
			continue
		}
		speaker := "User"
		if role == "assistant" {
			speaker = "Assistant"
		}
		lines = append(lines, "- "+speaker+": "+truncateRunes(content, historyLineRuneMax))
	}
	if len(lines) == 0 {
		return kept, ""
	}
	return kept, trimToRuneLimit(strings.Join(lines, "\n"), historySummaryRuneMax)
}

func (a *App) loadPetProfile(ctx context.Context, userID, petID string) (*petProfileSnapshot, error) {
	snapshot := petProfileSnapshot{}
	var birthDate *time.Time
	var ageMonths *int
	var breed, behaviorFocus *string
	err := a.db.QueryRow(
		ctx,
		`SELECT id, name, species, breed, "birthDate", "ageMonths", "behaviorFocus"
		 FROM "Pet"
		 WHERE id = $1 AND "ownerUserId" = $2`,
		petID,
		userID,
	).Scan(&snapshot.ID, &snapshot.Name, &snapshot.Species, &breed, &birthDate, &ageMonths, &behaviorFocus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New("Pet not found")
	}
	if err != nil {
		return nil, err
	}
	if breed != nil {
		snapshot.Breed = strings.TrimSpace(*breed)
	}
	if behaviorFocus != nil {
		snapshot.BehaviorFocus = strings.TrimSpace(*behaviorFocus)
	}
	if birthDate != nil && !birthDate.IsZero() {
		months := ageMonthsFromBirthDate(*birthDate, time.Now().UTC())
		snapshot.AgeMonths = &months
	} else if ageMonths != nil && *ageMonths >= 0 {
		snapshot.AgeMonths = ageMonths
	}
	return &snapshot, nil
}

func ageMonthsFromBirthDate(birthDate, now time.Time) int {
	if birthDate.IsZero() {
		return 0
	}
	birthUTC := startOfUTCDay(birthDate.UTC())
	nowUTC := startOfUTCDay(now.UTC())
	if nowUTC.Before(birthUTC) {
		return 0
	}
	months := (nowUTC.Year()-birthUTC.Year())*12 + int(nowUTC.Month()) - int(birthUTC.Month())
	if nowUTC.Day() < birthUTC.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

// loadSessionTurns returns the ordered history for a session, oldest first.
// limit <= 0 loads the full history.
func (a *App) loadSessionTurns(ctx context.Context, sessionID string, limit int) ([]ChatTurn, error) {
	query := `SELECT role, content
	 FROM "ChatMessage"
	 WHERE "sessionId" = $1
	 ORDER BY "createdAt" ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := make([]ChatTurn, 0, 32)
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		turns = append(turns, ChatTurn{
			Role:    strings.ToLower(strings.TrimSpace(role)),
			Content: strings.TrimSpace(content),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}

func (a *App) hasPriorPetConversation(ctx context.Context, userID, petID string) (bool, error) {
	var count int
	err := a.db.QueryRow(
		ctx,
		`SELECT COUNT(*)::int
		 FROM "ChatMessage"
		 WHERE "userId" = $1 AND "petId" = $2`,
		userID,
		petID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// loadMemorySnapshot gathers the compact facts rendered into the prompt's
// memory block: owned pets, recent plan goals, and recent step progress.
func (a *App) loadMemorySnapshot(ctx context.Context, userID string) (memorySnapshot, error) {
	snapshot := memorySnapshot{}

	petRows, err := a.db.Query(
		ctx,
		`SELECT name, species, COALESCE(breed, '')
		 FROM "Pet"
		 WHERE "ownerUserId" = $1
		 ORDER BY "createdAt" ASC
		 LIMIT 5`,
		userID,
	)
	if err != nil {
		return memorySnapshot{}, err
	}
	for petRows.Next() {
		fact := memoryPetFact{}
		if err := petRows.Scan(&fact.Name, &fact.Species, &fact.Breed); err != nil {
			petRows.Close()
			return memorySnapshot{}, err
		}
		snapshot.Pets = append(snapshot.Pets, fact)
	}
	if err := petRows.Err(); err != nil {
		petRows.Close()
		return memorySnapshot{}, err
	}
	petRows.Close()

	planRows, err := a.db.Query(
		ctx,
		`SELECT p.title, COUNT(s.id)::int
		 FROM "TrainingPlan" p
		 LEFT JOIN "TrainingStep" s ON s."planId" = p.id
		 WHERE p."userId" = $1
		 GROUP BY p.id, p.title, p."createdAt"
		 ORDER BY p."createdAt" DESC
		 LIMIT 5`,
		userID,
	)
	if err != nil {
		return memorySnapshot{}, err
	}
	defer planRows.Close()
	for planRows.Next() {
		var title string
		var stepCount int
		if err := planRows.Scan(&title, &stepCount); err != nil {
			return memorySnapshot{}, err
		}
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		snapshot.Goals = append(snapshot.Goals, title)
		snapshot.RecentProgress = append(
			snapshot.RecentProgress,
			fmt.Sprintf("%s (%d steps)", title, stepCount),
		)
	}
	if err := planRows.Err(); err != nil {
		return memorySnapshot{}, err
	}
	return snapshot, nil
}
