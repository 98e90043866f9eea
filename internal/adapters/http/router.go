package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/dkeye/Rally/internal/adapters/signal"
	"github.com/dkeye/Rally/internal/app/orch"
	"github.com/dkeye/Rally/internal/config"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const qrSize = 320

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a stable per-browser token in the cookie
// session. It only labels logs; rooms are keyed by player id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get("ct").(string)
		if token == "" {
			token = genClientToken()
			session.Set("ct", token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RallySessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": len(o.Rooms.List())})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Rooms.List())
	})
	api.GET("/rooms/:id", func(c *gin.Context) {
		room, ok := o.Rooms.GetRoom(domain.NormalizeRoomID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":       room.Room().ID,
			"capacity": room.Room().Capacity,
			"players":  room.Players(),
		})
	})
	api.GET("/rooms/:id/qr", func(c *gin.Context) {
		id, err := domain.ParseRoomID(c.Param("id"))
		if err != nil {
			c.String(http.StatusBadRequest, "invalid room id")
			return
		}
		png, err := qrcode.Encode(JoinURL(cfg.PublicURL, id), qrcode.Medium, qrSize)
		if err != nil {
			c.String(http.StatusInternalServerError, "qr generation failed")
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	ctrl := signal.NewSignalWSController(o, cfg)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}

// JoinURL is the link encoded in a room's QR code.
func JoinURL(publicURL string, id domain.RoomID) string {
	return strings.TrimRight(publicURL, "/") + "/?room=" + string(id)
}
