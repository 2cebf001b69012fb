package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const turnLogTimeout = 10 * time.Second

// chat is the single conversational entry point. Every outcome, including
// auth and generation failures, is a 200 envelope with a localized Response;
// the Error field carries the machine-readable diagnostic.
func (a *App) chat(c *gin.Context) {
	req := chatRequest{}
	if !mustJSON(c, &req) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" && req.CreatePlan == nil {
		writeError(c, http.StatusBadRequest, "Message is required")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = uuid.NewString()
	}

	ctx := c.Request.Context()

	user, authed := authUserFromContext(c)
	if !authed {
		language := a.resolveLanguage(ctx, "", req.Language)
		c.JSON(http.StatusOK, chatResponse{
			Response: loginRequiredMessage(language),
			Error:    chatErrUnauthorized,
		})
		return
	}

	language := a.resolveLanguage(ctx, user.ID, req.Language)

	if req.CreatePlan != nil {
		c.JSON(http.StatusOK, a.handleDirectPlan(ctx, user, req, language))
		return
	}

	c.JSON(http.StatusOK, a.runChatPipeline(ctx, user, req, language))
}

// handleDirectPlan persists a client-supplied draft without a model round
// trip. The draft goes through the same validation and translation as an
// extracted one.
func (a *App) handleDirectPlan(
	ctx context.Context,
	user AuthUser,
	req chatRequest,
	language string,
) chatResponse {
	draft := *req.CreatePlan
	if err := validatePlanDraft(&draft); err != nil {
		log.Printf("direct plan rejected user_id=%s err=%v", user.ID, err)
		return chatResponse{
			Response: planApologyMessage(language),
			Error:    chatErrInvalidPlan,
		}
	}
	return a.storePlan(ctx, user, req.PetID, draft, language, false)
}

func (a *App) runChatPipeline(
	ctx context.Context,
	user AuthUser,
	req chatRequest,
	language string,
) chatResponse {
	sc := a.assembleSessionContext(ctx, user.ID, req.PetID, req.SessionID, language)

	trainerName := strings.TrimSpace(req.TrainerName)
	if trainerName == "" {
		trainerName = user.Name
	}
	systemPrompt := buildSystemPrompt(language, sc, trainerName)

	result := a.invoker.invoke(ctx, systemPrompt, sc.Turns, req.Message)
	if result.Failed {
		if result.FailureKind == failureKindProvider {
			return chatResponse{
				Response: staticFallbackResponse(language, req.Message),
				Error:    chatErrProviderFail,
			}
		}
		return chatResponse{
			Response: generationApologyMessage(language),
			Error:    chatErrGenerationFail,
		}
	}

	response := a.extractAndStorePlan(ctx, user, req, language, result.Answer)
	a.logTurnsAsync(user.ID, req.PetID, req.SessionID, req.Message, response.Response, result.Usage)
	return response
}

// extractAndStorePlan applies the plan protocol to the model answer: markers
// without the trigger prefix are stripped silently, a triggered well-formed
// payload is validated, translated, and persisted.
func (a *App) extractAndStorePlan(
	ctx context.Context,
	user AuthUser,
	req chatRequest,
	language, answer string,
) chatResponse {
	inner, found, wellFormed := extractPlanBlock(answer)
	conversational := composeAnswer(answer)

	if !found {
		return chatResponse{Response: conversational}
	}
	if !planTriggered(req.Message) {
		// The model volunteered a plan without being asked. Protocol says the
		// block is dropped with no trace.
		log.Printf("untriggered plan block stripped session_id=%s", req.SessionID)
		return chatResponse{Response: conversational}
	}
	if !wellFormed {
		log.Printf("malformed plan block session_id=%s", req.SessionID)
		return chatResponse{
			Response: spliceNarrative(conversational, planApologyMessage(language)),
			Error:    chatErrPlanRejected,
		}
	}

	draft, err := parsePlanDraft(inner)
	if err == nil {
		err = validatePlanDraft(&draft)
	}
	if err != nil {
		log.Printf("plan draft rejected session_id=%s err=%v", req.SessionID, err)
		return chatResponse{
			Response: spliceNarrative(conversational, planApologyMessage(language)),
			Error:    chatErrPlanRejected,
		}
	}

	response := a.storePlan(ctx, user, req.PetID, draft, language, true)
	response.Response = spliceNarrative(conversational, response.Response)
	return response
}

// spliceNarrative keeps the cleaned conversational text and appends the
// outcome message to it.
func spliceNarrative(narrative, outcome string) string {
	if narrative == "" {
		return outcome
	}
	return narrative + "\n\n" + outcome
}

// planTriggered reports whether the user message legitimately requested a
// structured plan: it must carry the trigger prefix and must not be one of
// the conversation-continuation phrases.
func planTriggered(message string) bool {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, planTriggerPrefix) {
		return false
	}
	lowered := strings.ToLower(trimmed)
	return !containsAnyKeyword(lowered, planTriggerExclusions)
}

// storePlan runs language verification, translation into the other supported
// language, and persistence. Shared by the extraction path and the direct
// create_plan path.
func (a *App) storePlan(
	ctx context.Context,
	user AuthUser,
	petID string,
	draft PlanDraft,
	language string,
	aiGenerated bool,
) chatResponse {
	detected, mixed := detectPlanLanguage(a.classifier, draft)
	if mixed {
		log.Printf("plan rejected for mixed languages user_id=%s", user.ID)
		return chatResponse{
			Response: planApologyMessage(language),
			Error:    chatErrPlanRejected,
		}
	}
	planLanguage := language
	if detected != "" {
		planLanguage = detected
	}

	// Translated columns are filled only when the draft came back in a
	// different language than the one the session resolved to.
	var translated *translatedPlan
	if planLanguage != language {
		t := a.translator.translateDraft(ctx, draft, planLanguage, language)
		translated = &t
	}

	planID, err := a.persistTrainingPlan(ctx, user.ID, petID, draft, translated, planLanguage, aiGenerated)
	if err != nil {
		if planID != "" {
			// The plan row exists but its steps are incomplete. Surfaced as a
			// distinct diagnostic so the client can offer a retry.
			return chatResponse{
				Response: planApologyMessage(language),
				PlanID:   planID,
				Error:    chatErrPlanStepsInsert,
			}
		}
		log.Printf("plan persist failed user_id=%s err=%v", user.ID, err)
		return chatResponse{
			Response: planApologyMessage(language),
			Error:    chatErrPlanRejected,
		}
	}

	return chatResponse{
		Response: planConfirmationMessage(language, draft.Title),
		PlanID:   planID,
	}
}

// logTurnsAsync records the user and assistant turns off the request path.
// Failures are logged and never surfaced; a lost history row must not break
// an already-delivered answer.
func (a *App) logTurnsAsync(userID, petID, sessionID, userMessage, assistantMessage string, usage AIUsage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), turnLogTimeout)
		defer cancel()
		if err := a.insertChatMessage(ctx, sessionID, userID, petID, "user", userMessage, usage.PromptTokens, 0); err != nil {
			log.Printf("user turn insert failed session_id=%s err=%v", sessionID, err)
		}
		if err := a.insertChatMessage(ctx, sessionID, userID, petID, "assistant", assistantMessage, 0, usage.CompletionTokens); err != nil {
			log.Printf("assistant turn insert failed session_id=%s err=%v", sessionID, err)
		}
	}()
}

func (a *App) insertChatMessage(
	ctx context.Context,
	sessionID, userID, petID, role, content string,
	promptTokens, completionTokens int,
) error {
	var petRef *string
	if v := strings.TrimSpace(petID); v != "" {
		petRef = &v
	}
	_, err := a.db.Exec(
		ctx,
		`INSERT INTO "ChatMessage"
		 (id, "sessionId", "userId", "petId", role, content, "promptTokens", "completionTokens", "createdAt")
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		uuid.NewString(),
		sessionID,
		userID,
		petRef,
		role,
		content,
		promptTokens,
		completionTokens,
	)
	return err
}

type chatMessageRecord struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *App) getChatMessages(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}
	sessionID := strings.TrimSpace(c.Param("session_id"))
	if sessionID == "" {
		writeError(c, http.StatusBadRequest, "Session id is required")
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, role, content, "createdAt"
		 FROM "ChatMessage"
		 WHERE "sessionId" = $1 AND "userId" = $2
		 ORDER BY "createdAt" ASC`,
		sessionID,
		user.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	defer rows.Close()

	messages := make([]chatMessageRecord, 0, 32)
	for rows.Next() {
		record := chatMessageRecord{}
		if err := rows.Scan(&record.ID, &record.Role, &record.Content, &record.CreatedAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load messages")
			return
		}
		messages = append(messages, record)
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}

type trainingStepRecord struct {
	ID                    string  `json:"id"`
	StepNumber            int     `json:"step_number"`
	Title                 string  `json:"title"`
	Description           string  `json:"description"`
	TitleTranslated       *string `json:"title_translated,omitempty"`
	DescriptionTranslated *string `json:"description_translated,omitempty"`
	PointsReward          int     `json:"points_reward"`
	Goal                  string  `json:"goal,omitempty"`
	Procedure             string  `json:"procedure,omitempty"`
	Cadence               string  `json:"cadence,omitempty"`
	Tools                 string  `json:"tools,omitempty"`
	Tips                  string  `json:"tips,omitempty"`
	CommonMistakes        string  `json:"common_mistakes,omitempty"`
}

type trainingPlanRecord struct {
	ID                    string               `json:"id"`
	PetID                 *string              `json:"pet_id,omitempty"`
	Title                 string               `json:"title"`
	Description           string               `json:"description"`
	TitleTranslated       *string              `json:"title_translated,omitempty"`
	DescriptionTranslated *string              `json:"description_translated,omitempty"`
	Language              string               `json:"language"`
	IsAiGenerated         bool                 `json:"is_ai_generated"`
	CreatedAt             time.Time            `json:"created_at"`
	Steps                 []trainingStepRecord `json:"steps"`
}

func (a *App) getTrainingPlan(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}
	planID := strings.TrimSpace(c.Param("plan_id"))
	if planID == "" {
		writeError(c, http.StatusBadRequest, "Plan id is required")
		return
	}
	ctx := c.Request.Context()

	plan := trainingPlanRecord{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, "petId", title, COALESCE(description, ''), "titleTranslated",
		        "descriptionTranslated", language, "isAiGenerated", "createdAt"
		 FROM "TrainingPlan"
		 WHERE id = $1 AND "userId" = $2`,
		planID,
		user.ID,
	).Scan(
		&plan.ID,
		&plan.PetID,
		&plan.Title,
		&plan.Description,
		&plan.TitleTranslated,
		&plan.DescriptionTranslated,
		&plan.Language,
		&plan.IsAiGenerated,
		&plan.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Plan not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load plan")
		return
	}

	rows, err := a.db.Query(
		ctx,
		`SELECT id, "stepNumber", title, description, "titleTranslated", "descriptionTranslated",
		        "pointsReward", goal, procedure, cadence, tools, tips, "commonMistakes"
		 FROM "TrainingStep"
		 WHERE "planId" = $1
		 ORDER BY "stepNumber" ASC`,
		planID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load plan steps")
		return
	}
	defer rows.Close()

	plan.Steps = make([]trainingStepRecord, 0, 8)
	for rows.Next() {
		step := trainingStepRecord{}
		if err := rows.Scan(
			&step.ID,
			&step.StepNumber,
			&step.Title,
			&step.Description,
			&step.TitleTranslated,
			&step.DescriptionTranslated,
			&step.PointsReward,
			&step.Goal,
			&step.Procedure,
			&step.Cadence,
			&step.Tools,
			&step.Tips,
			&step.CommonMistakes,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load plan steps")
			return
		}
		plan.Steps = append(plan.Steps, step)
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load plan steps")
		return
	}
	c.JSON(http.StatusOK, plan)
}
