package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/Beam/internal/adapters/signal"
	"github.com/dkeye/Beam/internal/app/orch"
	"github.com/dkeye/Beam/internal/auth"
	"github.com/dkeye/Beam/internal/config"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Orch  *orch.Orchestrator
	JWT   *auth.JWTService
	Users *auth.DevUsers
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: int(cfg.Auth.TokenTTL.Seconds()), HttpOnly: true})
	r.Use(sessions.Sessions("BeamSessions", store))

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"devices": deps.Orch.Registry.Count(),
			"rooms":   len(deps.Orch.Registry.Rooms()),
		})
	})
	r.GET("/metrics", gin.WrapH(deps.Orch.Metrics.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	ctrl := signal.NewSignalWSController(deps.Orch, deps.JWT, signal.Options{
		ReadLimit:     cfg.ReadLimit,
		PingPeriod:    cfg.PingPeriod,
		QueueSize:     cfg.Relay.QueueSize,
		RatePerSecond: cfg.Relay.RatePerSecond,
		RateBurst:     cfg.Relay.RateBurst,
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/devices", RequireToken(deps.JWT), func(c *gin.Context) {
		claims := c.MustGet(claimsKey).(domain.Claims)
		c.JSON(http.StatusOK, gin.H{
			"userId":  claims.UserID,
			"devices": deps.Orch.Registry.ListRoomPeers(claims.UserID, ""),
		})
	})

	api.GET("/ice-servers", RequireToken(deps.JWT), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"iceServers": cfg.WebRTC.ICEServers})
	})

	if cfg.Auth.DevLogin && deps.Users != nil {
		api.POST("/auth/login", loginHandler(deps.JWT, deps.Users))
		log.Warn().Str("module", "adapters.http").Msg("dev login enabled")
	}

	return r
}

const claimsKey = "claims"

// RequireToken rejects requests without a valid identity token.
func RequireToken(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := signal.RequestToken(c)
		var claims domain.Claims
		if err == nil {
			claims, err = verifier.Verify(token)
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "AuthenticationFailed",
				"reason": auth.Reason(err),
			})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceType string `json:"deviceType"`
}

func loginHandler(issuer *auth.JWTService, users *auth.DevUsers) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" || req.DeviceType == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username, password and deviceType are required"})
			return
		}
		class, err := domain.ParseDeviceClass(req.DeviceType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		userID, err := users.Login(req.Username, req.Password)
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		case errors.Is(err, domain.ErrUsernameTooLong), errors.Is(err, domain.ErrUsernameEmpty):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			log.Error().Err(err).Str("module", "adapters.http").Msg("login")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		token, err := issuer.Issue(domain.Claims{UserID: userID, DeviceClass: class, Username: req.Username})
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("issue token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		session := sessions.Default(c)
		session.Set(signal.SessionTokenKey, token)
		if err := session.Save(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
		}

		log.Info().Str("module", "adapters.http").Str("user", string(userID)).Str("class", string(class)).Msg("login")
		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"userId":     userID,
			"username":   req.Username,
			"deviceType": class,
		})
	}
}
