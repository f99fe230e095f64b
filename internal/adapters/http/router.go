// Package http assembles the gin routers for both binaries.
package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pasturegame/pasture/internal/adapters/control"
	"github.com/pasturegame/pasture/internal/adapters/play"
	"github.com/pasturegame/pasture/internal/adapters/primaryws"
	"github.com/pasturegame/pasture/internal/app"
	"github.com/pasturegame/pasture/internal/config"
	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/geo"
	"github.com/pasturegame/pasture/internal/registry"
	"github.com/pasturegame/pasture/internal/shard"
)

func genClientToken() string {
	return uuid.NewString()
}

func lobbyIDParam(c *gin.Context) domain.LobbyID {
	return domain.LobbyID(c.Param("id"))
}

// ClientTokenMiddleware gives every browser a stable identity cookie; the
// websocket layer reads it as the player id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupPrimaryRouter wires the primary's REST and websocket surface:
// - /api/* for lobby and shard listings
// - /ws for the player lobby channel
// - /control for shard registration
func SetupPrimaryRouter(ctx context.Context, cfg *config.Primary, lobbies *app.Lobbies, router *app.Router, reg *registry.Registry, geoRes *geo.Resolver) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PastureSessions", store))
	r.Use(ClientTokenMiddleware())

	playerCtrl := primaryws.NewController(lobbies, router)
	controlCtrl := control.NewController(reg, router)

	api := r.Group("/api")

	api.GET("/shards", func(c *gin.Context) {
		var coords []geo.LatLon
		if p := geoRes.Coords(c.ClientIP()); p != nil {
			coords = append(coords, *p)
		}
		c.JSON(http.StatusOK, gin.H{"shards": reg.Options(coords)})
	})

	api.GET("/lobbies", func(c *gin.Context) {
		type lobbyInfo struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Players int    `json:"players"`
			Hosted  bool   `json:"hosted"`
		}
		all := lobbies.List()
		out := make([]lobbyInfo, 0, len(all))
		for _, l := range all {
			out = append(out, lobbyInfo{
				ID:      string(l.ID),
				Name:    l.Name,
				Players: l.PlayerCount(),
				Hosted:  l.ActiveShard() != "",
			})
		}
		c.JSON(http.StatusOK, gin.H{"lobbies": out})
	})

	// Editor map uploads are capped; the bytes ride along inside the
	// assignment when the lobby is handed off.
	api.POST("/lobbies/:id/map", func(c *gin.Context) {
		l, ok := lobbies.Get(lobbyIDParam(c))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown lobby"})
			return
		}
		data, err := c.GetRawData()
		if err != nil || len(data) == 0 || len(data) > 1<<20 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid map data"})
			return
		}
		l.SetCustomMap(data)
		c.Status(http.StatusNoContent)
	})

	r.GET("/ws", playerCtrl.HandleWS)
	r.GET("/control", func(c *gin.Context) {
		controlCtrl.HandleControl(ctx, c)
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Int("port", cfg.Port).Msg("primary router setup")
	return r
}

// SetupShardRouter wires the shard's player endpoint.
func SetupShardRouter(cfg *config.Shard, host *shard.Host) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	playCtrl := play.NewHandler(host)
	r.GET("/play", playCtrl.HandlePlay)
	r.GET("/healthz", func(c *gin.Context) {
		lobbies, players := host.Counts()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "lobbies": lobbies, "players": players})
	})

	log.Info().Str("module", "adapters.http").Int("port", cfg.Port).Msg("shard router setup")
	return r
}
