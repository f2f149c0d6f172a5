// Headless signaling client: dials the relay, binds the mesh engine
// and either hosts or joins the configured room. Useful as a room
// anchor and as an end-to-end exercise of the client wiring.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keast/huddle/internal/adapters/wire"
	"github.com/keast/huddle/internal/adapters/ws"
	"github.com/keast/huddle/internal/bus"
	"github.com/keast/huddle/internal/call"
	"github.com/keast/huddle/internal/config"
	"github.com/keast/huddle/internal/domain"
	"github.com/keast/huddle/internal/media/pionrtc"
	"github.com/keast/huddle/internal/mesh"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	username := cfg.Username
	if username == "" {
		username = "huddle-bot"
	}
	self, err := domain.NewUser(username)
	if err != nil {
		log.Fatal().Err(err).Msg("bad username")
	}

	router := bus.New()
	media := pionrtc.New(pionrtc.DefaultConfig(cfg.StunServers))

	meshEngine := mesh.New(self, router, media)
	callEngine := call.New(self, router, media)
	callEngine.OnIncoming(func(u *domain.User) {
		log.Info().Str("from", u.Username).Msg("incoming call, answering")
		if err := callEngine.Answer(ctx); err != nil {
			log.Error().Err(err).Msg("answer failed")
		}
	})
	meshEngine.OnJoinRequest(func(req domain.JoinRequest) {
		log.Info().Str("room", string(req.RoomID)).Str("user", string(req.UserID)).Msg("join request, admitting")
		if err := meshEngine.Accept(ctx, req.UserID); err != nil {
			log.Error().Err(err).Msg("accept failed")
		}
	})

	conn, err := ws.Dial(ctx, cfg.SignalURL, string(self.ID))
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.SignalURL).Msg("dial signal server")
	}
	adapter := wire.New("client", router)
	// The single relay link carries traffic for every remote peer.
	adapter.AttachGateway(conn)

	go conn.WritePump(ctx, cfg.PingPeriod)
	go func() {
		conn.ReadPump(ctx, cfg.ReadLimit, adapter)
		cancel()
	}()

	if cfg.Room != "" {
		room := domain.RoomID(cfg.Room)
		if cfg.Host {
			if err := meshEngine.StartRoom(ctx, room); err != nil {
				log.Fatal().Err(err).Msg("start room")
			}
			log.Info().Str("room", cfg.Room).Msg("hosting room")
		} else {
			if err := meshEngine.RequestJoin(ctx, room); err != nil {
				log.Fatal().Err(err).Msg("request join")
			}
			log.Info().Str("room", cfg.Room).Msg("join requested")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if err := meshEngine.Leave(); err != nil {
		log.Error().Err(err).Msg("leave failed")
	}
	if err := callEngine.End(); err != nil {
		log.Error().Err(err).Msg("hang up failed")
	}
	adapter.Close()
	log.Info().Msg("Client exited gracefully")
}
