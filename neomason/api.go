package neomason

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"
)

const (
	pprofPrefix            = "/debug"
	apiPrefix              = "/api"
	apiHealthCheck         = "/healthz"
	apiMetrics             = "/metrics"
	apiPathGuilds          = "/guilds"
	apiPathGuildResponses  = "/guilds/:guild_id/responses"
	apiPathGuildResponse   = "/guilds/:guild_id/responses/:keyword"
	apiPathGuildScores     = "/guilds/:guild_id/scores"
	apiPathAnnouncement    = "/announcement"
	xRequestIDHeader       = "X-Request-ID"
	authorizationHeader    = "Authorization"
	bearerPrefix           = "Bearer "
	authRequestsPerSecond  = 2
	authRequestBurst       = 5
	apiShutdownGracePeriod = 5 * time.Second
)

// API is the optional admin/metrics HTTP server
type API struct {
	config      *APIConfig
	httpServer  *http.Server
	listener    net.Listener
	engine      *gin.Engine
	authLimiter *rate.Limiter
	logger      *slog.Logger
	handlers    *APIHandlers
}

// newAPI sets up the gin engine, middleware and routes. The server
// isn't started until Serve is called.
func newAPI(n *NeoMason, config *APIConfig) *API {
	r := gin.New()

	api := &API{
		config:      config,
		engine:      r,
		authLimiter: rate.NewLimiter(rate.Limit(authRequestsPerSecond), authRequestBurst),
		logger:      newNamedLogger(config.LogLevel, "api"),
	}
	apiHandlers := NewAPIHandlers(n)
	api.handlers = apiHandlers

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
	)

	// gin-contrib/cors panics without any allowed origins
	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(
		apiMetrics,
		gin.WrapH(promhttp.HandlerFor(n.metrics.registry, promhttp.HandlerOpts{})),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathGuilds, apiHandlers.getGuilds)
	protected.GET(apiPathGuildResponses, apiHandlers.getResponses)
	protected.POST(apiPathGuildResponses, apiHandlers.createResponse)
	protected.DELETE(apiPathGuildResponse, apiHandlers.deleteResponse)
	protected.GET(apiPathGuildScores, apiHandlers.getScores)
	protected.POST(apiPathAnnouncement, apiHandlers.sendAnnouncement)

	return api
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the server, forcibly closing it if ctx
// expires first
func (a *API) Shutdown(ctx context.Context) error {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.WarnContext(ctx, "forcing api shutdown", tint.Err(err))
		return a.httpServer.Close()
	}
	return nil
}

// APIHandlers implements the API's routes
type APIHandlers struct {
	n      *NeoMason
	logger *slog.Logger
}

func NewAPIHandlers(n *NeoMason) *APIHandlers {
	return &APIHandlers{
		n:      n,
		logger: n.logger.With(loggerNameKey, "api_handlers"),
	}
}

// healthCheck reports whether the bot is ready and connected
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Ready:  h.n.ready.Load(),
		Guilds: len(h.n.state.Guilds()),
	}
	if h.n.discord != nil {
		resp.DiscordGatewayConnected = h.n.discord.Connected()
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// getGuilds lists the guilds the bot is a member of
func (h *APIHandlers) getGuilds(c *gin.Context) {
	communities, err := h.n.transport.ListCommunities(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadGateway, httpError{Error: err.Error()})
		return
	}
	if communities == nil {
		communities = []Community{}
	}
	c.JSON(http.StatusOK, communities)
}

func (h *APIHandlers) getResponses(c *gin.Context) {
	responses := h.n.state.List(c.Param("guild_id"))
	if responses == nil {
		responses = []KeywordResponse{}
	}
	c.JSON(http.StatusOK, responses)
}

type createResponsePayload struct {
	Keyword  string `json:"keyword" binding:"required"`
	Response string `json:"response" binding:"required"`
}

// createResponse adds a keyword response to the guild
//
// Responses:
//   - 201 Created: the new response
//   - 400 Bad Request: missing keyword or response
//   - 409 Conflict: the keyword already exists in the guild
func (h *APIHandlers) createResponse(c *gin.Context) {
	var payload createResponsePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	entry, err := h.n.state.Add(
		c.Request.Context(),
		c.Param("guild_id"),
		payload.Keyword,
		payload.Response,
	)
	switch {
	case err == nil:
		ginContextLogger(c).Info("added response", "response", entry)
		c.JSON(http.StatusCreated, entry)
	case errors.Is(err, ErrDuplicateKey):
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: err.Error()})
	case errors.Is(err, ErrNoKeyword), errors.Is(err, ErrEmptyResponse):
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
	default:
		_ = c.Error(err)
		ginReplyError(c, "error adding response")
	}
}

func (h *APIHandlers) deleteResponse(c *gin.Context) {
	keyword := c.Param("keyword")
	removed, err := h.n.state.Remove(c.Request.Context(), c.Param("guild_id"), keyword)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error removing response")
		return
	}
	if !removed {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: fmt.Sprintf("%s - %s", keyword, ErrNotFound)},
		)
		return
	}
	ginReplyMessage(c, fmt.Sprintf("%s - successfully removed", keyword))
}

func (h *APIHandlers) getScores(c *gin.Context) {
	entries, err := h.n.ledger.Leaderboard(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error listing scores")
		return
	}
	if entries == nil {
		entries = []ReputationEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

type announcementResponse struct {
	Sent  int    `json:"sent"`
	Error string `json:"error,omitempty"`
}

// sendAnnouncement sends the daily announcement immediately
func (h *APIHandlers) sendAnnouncement(c *gin.Context) {
	if h.n.scheduler == nil {
		c.AbortWithStatusJSON(
			http.StatusConflict,
			httpError{Error: "announcements are disabled"},
		)
		return
	}
	sent, err := h.n.scheduler.FireNow(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, announcementResponse{Sent: sent, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, announcementResponse{Sent: sent})
}

type healthCheckResponse struct {
	Ready                   bool `json:"ready"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	Guilds                  int  `json:"guilds"`
}

type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires an `Authorization: Bearer <token>` header
// matching APIConfig.TokenHash. If no hash is configured, every
// request is rejected.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.config.TokenHash == "" {
			logger.Warn("api token hash not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		header := c.GetHeader(authorizationHeader)
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		if err := a.authLimiter.Wait(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}

		valid, err := verifyToken(a.config.TokenHash, token)
		if err != nil {
			logger.Error("error verifying token", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		if !valid {
			logger.Warn("invalid api token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, along
// with any errors added to the context
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
