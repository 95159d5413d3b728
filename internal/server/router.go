package server

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timekeeper/internal/auth"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/realtime"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/timers"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userContextKey      = "timekeeper_user"
	sessionContextKey   = "timekeeper_session"
	authErrorFlag       = "true"
	authErrorMessage    = "Wrong username or password"
	indexTemplateName   = "index.html"
	unknownTimerMessage = "Unknown timer ID: %s"
)

var (
	errMissingUsers         = errors.New("users service dependency required")
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingTimers        = errors.New("timers service dependency required")
	errMissingRealtime      = errors.New("realtime manager dependency required")
)

type Dependencies struct {
	Users          *users.Service
	Authenticator  *auth.Authenticator
	Timers         *timers.Service
	Realtime       *realtime.Manager
	Logger         *zap.Logger
	AllowedOrigins []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Timers == nil {
		return nil, errMissingTimers
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pageTemplate, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	assets, err := staticAssets()
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if len(deps.AllowedOrigins) > 0 {
		router.Use(corsMiddleware(deps.AllowedOrigins))
	}
	router.SetHTMLTemplate(pageTemplate)

	handler := &httpHandler{
		users:         deps.Users,
		authenticator: deps.Authenticator,
		timers:        deps.Timers,
		realtime:      deps.Realtime,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.StaticFS("/static", assets)
	router.POST("/signup", handler.handleSignup)
	router.POST("/login", handler.handleLogin)

	session := router.Group("/")
	session.Use(handler.loadSession)
	session.GET("/", handler.handleIndex)
	session.GET("/logout", handler.handleLogout)
	session.GET("/realtime", handler.handleRealtime)

	api := session.Group("/api")
	api.Use(handler.requireUser)
	api.GET("/timers", handler.handleListTimers)
	api.POST("/timers", handler.handleCreateTimer)
	api.POST("/timers/:id/stop", handler.handleStopTimer)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// NewOriginChecker accepts same-origin and listed cross-origin websocket handshakes.
// It returns nil when no origins are listed, leaving the upgrader's same-origin default.
func NewOriginChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host) {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

type httpHandler struct {
	users         *users.Service
	authenticator *auth.Authenticator
	timers        *timers.Service
	realtime      *realtime.Manager
	logger        *zap.Logger
}

type createTimerRequest struct {
	Description string `json:"description"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	_, err := h.users.Signup(c.Request.Context(), c.PostForm("username"), c.PostForm("password"))
	switch {
	case err == nil:
		c.Status(http.StatusCreated)
	case errors.Is(err, users.ErrMissingCredentials):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, users.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
	default:
		h.logger.Error("signup failed", zap.Error(err))
		respondInternalError(c, "signup_failed", err)
	}
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	user, err := h.users.Authenticate(c.Request.Context(), c.PostForm("username"), c.PostForm("password"))
	switch {
	case errors.Is(err, users.ErrMissingCredentials):
		c.Redirect(http.StatusFound, "/?authError="+authErrorFlag)
		return
	case errors.Is(err, users.ErrInvalidCredentials):
		h.logger.Info("login rejected", zap.String("username", strings.TrimSpace(c.PostForm("username"))))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	case err != nil:
		h.logger.Error("login failed", zap.Error(err))
		respondInternalError(c, "login_failed", err)
		return
	}

	cookieValue, err := h.authenticator.Login(c.Request.Context(), user)
	if err != nil {
		h.logger.Error("session creation failed", zap.String("user_id", user.ID), zap.Error(err))
		respondInternalError(c, "session_create_failed", err)
		return
	}
	h.setSessionCookie(c, cookieValue, 0)
	c.Redirect(http.StatusFound, "/")
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	cookieValue, err := c.Cookie(h.authenticator.CookieName())
	if err == nil && cookieValue != "" {
		session, logoutErr := h.authenticator.Logout(c.Request.Context(), cookieValue)
		switch {
		case logoutErr == nil:
			h.realtime.DisconnectSession(session.UserID, session.Token)
		case auth.IsAnonymous(logoutErr):
		default:
			h.logger.Error("logout failed", zap.Error(logoutErr))
			respondInternalError(c, "logout_failed", logoutErr)
			return
		}
	}
	h.setSessionCookie(c, "", -1)
	c.Redirect(http.StatusFound, "/")
}

type timerRow struct {
	ID          string
	Description string
	Started     string
	Elapsed     string
}

func (h *httpHandler) handleIndex(c *gin.Context) {
	data := gin.H{
		"AuthError": authErrorText(c.Query("authError")),
	}
	user, ok := currentUser(c)
	if ok {
		data["User"] = user
		records, err := h.timers.List(c.Request.Context(), user.Username, timers.FilterAll)
		if err != nil {
			h.logger.Warn("index timers unavailable", zap.String("user_id", user.ID), zap.Error(err))
		}
		active, stopped := splitRows(records)
		data["ActiveTimers"] = active
		data["OldTimers"] = stopped
	}
	c.HTML(http.StatusOK, indexTemplateName, data)
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.realtime.Serve(c.Writer, c.Request, user, c.GetString(sessionContextKey)); err != nil {
		h.logger.Debug("realtime upgrade failed", zap.String("user_id", user.ID), zap.Error(err))
	}
}

func (h *httpHandler) handleListTimers(c *gin.Context) {
	user, _ := currentUser(c)
	filter, err := timers.ParseFilter(c.Query("isActive"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter"})
		return
	}
	records, err := h.timers.List(c.Request.Context(), user.Username, filter)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, timers.Views(records))
}

func (h *httpHandler) handleCreateTimer(c *gin.Context) {
	user, _ := currentUser(c)
	var request createTimerRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	timer, err := h.timers.Create(c.Request.Context(), user.Username, request.Description)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, timer.View())
}

func (h *httpHandler) handleStopTimer(c *gin.Context) {
	timerID := c.Param("id")
	if _, err := h.timers.Stop(c.Request.Context(), timerID); err != nil {
		if errors.Is(err, timers.ErrTimerNotFound) {
			c.String(http.StatusNotFound, unknownTimerMessage, timerID)
			return
		}
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) loadSession(c *gin.Context) {
	user, session, err := h.authenticator.ResolveRequestSession(c.Request)
	if err == nil {
		c.Set(userContextKey, user)
		c.Set(sessionContextKey, session.Token)
	} else if !auth.IsAnonymous(err) {
		h.logger.Warn("session resolution failed", zap.Error(err))
	}
	c.Next()
}

func (h *httpHandler) requireUser(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.authenticator.CookieName(), value, maxAge, "/", "", c.Request.TLS != nil, true)
}

func currentUser(c *gin.Context) (users.User, bool) {
	value, ok := c.Get(userContextKey)
	if !ok {
		return users.User{}, false
	}
	user, ok := value.(users.User)
	return user, ok
}

func authErrorText(raw string) string {
	if raw == authErrorFlag {
		return authErrorMessage
	}
	return raw
}

func splitRows(records []timers.Timer) ([]timerRow, []timerRow) {
	active := make([]timerRow, 0, len(records))
	stopped := make([]timerRow, 0, len(records))
	for _, record := range records {
		row := timerRow{
			ID:          record.ID,
			Description: record.Description,
			Started:     timers.FormatClock(record.StartMs, time.Local),
			Elapsed:     timers.FormatDuration(record.ProgressMs),
		}
		if record.IsActive {
			active = append(active, row)
			continue
		}
		if record.DurationMs != nil {
			row.Elapsed = timers.FormatDuration(*record.DurationMs)
		}
		stopped = append(stopped, row)
	}
	return active, stopped
}

func respondServiceError(c *gin.Context, err error) {
	var serviceErr *timers.ServiceError
	if errors.As(err, &serviceErr) {
		respondInternalError(c, serviceErr.Code(), err)
		return
	}
	respondInternalError(c, "internal_error", err)
}

func respondInternalError(c *gin.Context, code string, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   code,
		"message": fmt.Sprint(err),
	})
}

func loadTemplates() (*template.Template, error) {
	return template.ParseFS(templateFS, "web/templates/*.html")
}
