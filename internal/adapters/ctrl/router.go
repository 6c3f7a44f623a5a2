// Package ctrl exposes the engine over a local HTTP API: roster and
// room state for inspection, moderation and media actions for control.
// It is the headless stand-in for an operator panel.
package ctrl

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"meshmeet/internal/config"
	"meshmeet/internal/domain"
	"meshmeet/internal/engine"
)

func OperatorTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ot")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ot", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("operator_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, eng *engine.Engine) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeshmeetSessions", store))
	r.Use(OperatorTokenMiddleware())

	log.Info().Str("module", "adapters.ctrl").Int("port", cfg.CtrlPort).Msg("control router setup")

	api := r.Group("/api")

	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.Snapshot())
	})
	api.GET("/metrics", func(c *gin.Context) {
		snap := eng.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"metrics":         snap.Metrics,
			"engagementLevel": snap.EngagementLevel,
		})
	})
	api.GET("/messages", func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.Snapshot().Messages)
	})

	api.POST("/message", func(c *gin.Context) {
		var req struct {
			Text      string `json:"text" binding:"required"`
			Type      string `json:"type"`
			Recipient string `json:"recipient"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		kind := domain.MessagePublic
		if req.Type == string(domain.MessagePrivate) {
			kind = domain.MessagePrivate
		}
		eng.SendMessage(req.Text, kind, domain.ParticipantID(req.Recipient))
		c.Status(http.StatusAccepted)
	})

	mod := api.Group("/moderation")
	mod.POST("/kick", userAction(eng.KickUser))
	mod.POST("/ban", userAction(eng.BanUser))
	mod.POST("/mute", userAction(eng.MuteUser))
	mod.POST("/approve", func(c *gin.Context) {
		var req struct {
			UserID   string `json:"userId" binding:"required"`
			Approved *bool  `json:"approved" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		eng.ApproveJoin(domain.ParticipantID(req.UserID), *req.Approved)
		c.Status(http.StatusAccepted)
	})
	mod.POST("/lock", func(c *gin.Context) {
		var req struct {
			Locked *bool `json:"locked" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		eng.LockRoom(*req.Locked)
		c.Status(http.StatusAccepted)
	})
	mod.POST("/lock-all", func(c *gin.Context) {
		eng.LockAllParticipants()
		c.Status(http.StatusAccepted)
	})
	mod.POST("/unlock-all", func(c *gin.Context) {
		eng.UnlockAllParticipants()
		c.Status(http.StatusAccepted)
	})
	mod.POST("/invite", userAction(eng.InviteUser))

	rec := api.Group("/recording")
	rec.POST("/grant", userAction(eng.GrantRecording))
	rec.POST("/revoke", userAction(eng.RevokeRecording))
	rec.POST("/start", func(c *gin.Context) {
		eng.StartRecording()
		c.Status(http.StatusAccepted)
	})
	rec.POST("/stop", func(c *gin.Context) {
		eng.StopRecording()
		c.Status(http.StatusAccepted)
	})

	media := api.Group("/media")
	media.POST("/screen-share", func(c *gin.Context) {
		eng.ToggleScreenShare()
		c.Status(http.StatusAccepted)
	})
	media.POST("/virtual-background", func(c *gin.Context) {
		eng.ToggleVirtualBackground()
		c.Status(http.StatusAccepted)
	})
	media.POST("/audio", func(c *gin.Context) {
		var req struct {
			Enabled *bool `json:"enabled" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		eng.SetSelfMuted(!*req.Enabled)
		c.Status(http.StatusAccepted)
	})
	media.POST("/video", func(c *gin.Context) {
		var req struct {
			Enabled *bool `json:"enabled" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		eng.SetVideoEnabled(*req.Enabled)
		c.Status(http.StatusAccepted)
	})

	br := api.Group("/breakouts")
	br.POST("/create", func(c *gin.Context) {
		eng.CreateBreakoutRooms()
		c.Status(http.StatusAccepted)
	})
	br.POST("/join", func(c *gin.Context) {
		var req struct {
			BreakoutRoomID string `json:"breakoutRoomId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		eng.JoinBreakoutRoom(domain.BreakoutRoomID(req.BreakoutRoomID))
		c.Status(http.StatusAccepted)
	})
	br.POST("/leave", func(c *gin.Context) {
		eng.LeaveBreakoutRoom()
		c.Status(http.StatusAccepted)
	})
	br.POST("/delete", func(c *gin.Context) {
		var req struct {
			BreakoutRoomID string `json:"breakoutRoomId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		eng.DeleteBreakoutRoom(domain.BreakoutRoomID(req.BreakoutRoomID))
		c.Status(http.StatusAccepted)
	})

	return r
}

func userAction(fn func(domain.ParticipantID)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID string `json:"userId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		fn(domain.ParticipantID(req.UserID))
		c.Status(http.StatusAccepted)
	}
}
