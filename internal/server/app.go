package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tailcoach/backend/internal/config"
)

// dbQuerier is the slice of the pgx pool surface the handlers use. Satisfied
// by *pgxpool.Pool and by the scripted store in tests.
type dbQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type App struct {
	cfg        config.Config
	db         dbQuerier
	invoker    *modelInvoker
	translator *planTranslator
	classifier languageClassifier
}

type AuthUser struct {
	ID       string
	Provider string
	Name     string
}

func New(cfg config.Config, pool *pgxpool.Pool) *App {
	client := NewOpenAIChatClient(cfg)
	return newApp(cfg, pool, client)
}

func newApp(cfg config.Config, querier dbQuerier, client AIClient) *App {
	return &App{
		cfg: cfg,
		db:  querier,
		invoker: &modelInvoker{
			client:          client,
			primaryModel:    cfg.OpenAIModel,
			fallbackModel:   cfg.OpenAIFallbackModel,
			primaryTimeout:  secondsOrDefault(cfg.AITimeoutSeconds, 30),
			fallbackTimeout: secondsOrDefault(cfg.AIFallbackTimeoutSeconds, 20),
			streamEnabled:   cfg.AIStreamEnabled,
		},
		translator: &planTranslator{client: client, model: cfg.OpenAIModel},
		classifier: keywordLanguageClassifier{},
	}
}

func secondsOrDefault(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", a.health)

	api := router.Group(a.cfg.APIPrefix)

	// The chat pipeline answers auth failures with a localized message inside
	// a success envelope, so it must see the request even without a valid
	// token. Collaborator read surfaces keep strict bearer auth.
	chat := api.Group("")
	chat.Use(a.optionalAuthMiddleware())
	chat.POST("/chat", a.chat)

	strict := api.Group("")
	strict.Use(a.authMiddleware())
	strict.GET("/chat/:session_id/messages", a.getChatMessages)
	strict.GET("/plans/:plan_id", a.getTrainingPlan)

	return router
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "tailcoach-api",
	})
}

func (a *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := a.userFromBearerToken(c)
		if err != nil {
			writeError(c, http.StatusUnauthorized, err.Error())
			return
		}
		c.Set("authUser", user)
		c.Next()
	}
}

func (a *App) optionalAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := a.userFromBearerToken(c)
		if err == nil {
			c.Set("authUser", user)
		}
		c.Next()
	}
}

func (a *App) userFromBearerToken(c *gin.Context) (AuthUser, error) {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return AuthUser{}, errors.New("Bearer token required")
	}
	tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
	if tokenString == "" {
		return AuthUser{}, errors.New("Bearer token required")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != a.cfg.JWTAlgorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return AuthUser{}, errors.New("Invalid bearer token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AuthUser{}, errors.New("Invalid token payload")
	}
	if a.cfg.JWTAudience != "" && !claimHasAudience(claims["aud"], a.cfg.JWTAudience) {
		return AuthUser{}, errors.New("Invalid token audience")
	}
	if a.cfg.JWTIssuer != "" {
		issuer, _ := claims["iss"].(string)
		if issuer != a.cfg.JWTIssuer {
			return AuthUser{}, errors.New("Invalid token issuer")
		}
	}
	sub, _ := claims["sub"].(string)
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return AuthUser{}, errors.New("Token subject missing")
	}

	return a.getOrCreateUser(c.Request.Context(), sub, claims)
}

func claimHasAudience(value any, audience string) bool {
	switch v := value.(type) {
	case string:
		return v == audience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == audience {
				return true
			}
		}
	}
	return false
}

func providerFromClaim(raw any) string {
	if s, ok := raw.(string); ok {
		switch s {
		case "apple", "google", "email":
			return s
		}
	}
	return "email"
}

func (a *App) getOrCreateUser(ctx context.Context, userID string, claims jwt.MapClaims) (AuthUser, error) {
	user := AuthUser{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, provider, name FROM "User" WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Provider, &user.Name)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AuthUser{}, err
	}
	if !a.cfg.AuthAutoCreateUser {
		return AuthUser{}, errors.New("User not found")
	}

	provider := providerFromClaim(claims["provider"])
	name := ""
	if rawName, ok := claims["name"].(string); ok {
		name = strings.TrimSpace(rawName)
	}
	if name == "" {
		name = fmt.Sprintf("trainer-%s", truncate(userID, 8))
	}

	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO "User" (id, provider, name, "createdAt")
		 VALUES ($1, $2, $3, NOW())`,
		userID,
		provider,
		name,
	); err != nil {
		return AuthUser{}, err
	}

	return AuthUser{ID: userID, Provider: provider, Name: name}, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

func authUserFromContext(c *gin.Context) (AuthUser, bool) {
	raw, ok := c.Get("authUser")
	if !ok {
		return AuthUser{}, false
	}
	user, ok := raw.(AuthUser)
	return user, ok
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

func parseJSONStringMap(input []byte) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var result map[string]any
	if err := json.Unmarshal(input, &result); err != nil || result == nil {
		return map[string]any{}
	}
	return result
}

func extractNumberFromMap(data map[string]any, keys ...string) float64 {
	if data == nil {
		return 0
	}
	for _, key := range keys {
		raw, ok := data[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case json.Number:
			f, err := v.Float64()
			if err == nil {
				return f
			}
		case string:
			var parsed float64
			_, err := fmt.Sscanf(v, "%f", &parsed)
			if err == nil {
				return parsed
			}
		}
	}
	return 0
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func startOfUTCDay(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
