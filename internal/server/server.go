// Package server exposes the signaling relay over HTTP: one websocket
// endpoint upgraded per client, each connection attached to the shared
// wire adapter.
package server

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/keast/huddle/internal/adapters/wire"
	"github.com/keast/huddle/internal/adapters/ws"
	"github.com/keast/huddle/internal/config"
	"github.com/keast/huddle/internal/relay"
)

func genClientToken() string {
	return uuid.NewString()
}

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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller owns the signal endpoint: it upgrades, attaches the
// connection to the adapter and runs the pumps for its lifetime.
type Controller struct {
	cfg     *config.Config
	adapter *wire.Adapter
	relay   *relay.Relay
}

func NewController(cfg *config.Config, adapter *wire.Adapter, rel *relay.Relay) *Controller {
	return &Controller{cfg: cfg, adapter: adapter, relay: rel}
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	// Clients name themselves; the cookie token only backs anonymous
	// connections.
	id := c.Query("user")
	if id == "" {
		id = c.GetString("client_token")
	}
	log.Info().Str("module", "server").Str("conn", id).Msg("new WS connection")

	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := ws.NewConn(id, sock)
	ctl.adapter.Attach(conn)
	ctl.relay.AddClient(id)

	ctx, cancel := context.WithCancel(ctx)
	go conn.WritePump(ctx, ctl.cfg.PingPeriod)
	go func() {
		conn.ReadPump(ctx, ctl.cfg.ReadLimit, ctl.adapter)
		cancel()
		ctl.adapter.Detach(id)
		ctl.relay.RemoveClient(id)
	}()
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "server").Msg("router setup")
	return r
}
