package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairline/chat-core/internal/ban"
	"github.com/pairline/chat-core/internal/core"
	"github.com/pairline/chat-core/internal/handle"
	"github.com/pairline/chat-core/internal/identity"
	"github.com/pairline/chat-core/internal/match"
	"github.com/pairline/chat-core/internal/messaging"
	"github.com/pairline/chat-core/internal/moderation"
	"github.com/pairline/chat-core/internal/presence"
	"github.com/pairline/chat-core/internal/protocol"
	"github.com/pairline/chat-core/internal/queue"
	"github.com/pairline/chat-core/internal/ratelimit"
	"github.com/pairline/chat-core/internal/relay"
	"github.com/pairline/chat-core/internal/sessions"
	"github.com/pairline/chat-core/internal/ws"
)

const tokenTTL = 30 * 24 * time.Hour

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	tokenSecret := os.Getenv("TOKEN_SECRET")
	if tokenSecret == "" {
		log.Fatal("TOKEN_SECRET is required")
	}

	// --- Redis (bans, rate limits) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	banStore := ban.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb)

	// --- NATS (archive + report pipeline). Optional: the relay works
	// without it, transcripts just aren't persisted.
	var (
		natsClient *messaging.NATSClient
		archiver   relay.Archiver  = relay.NopArchiver{}
		reportSink core.ReportSink = core.NopReportSink{}
	)
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "pairline-chatserver"
	if nc, err := messaging.NewNATSClient(natsConfig); err != nil {
		log.Printf("NATS unavailable, archiving disabled: %v", err)
	} else {
		natsClient = nc
		archiver = messaging.NewArchiveSink(nc)
		reportSink = messaging.NewReportPublisher(nc)
	}

	// --- Core assembly ---
	resolver := identity.NewResolver(tokenSecret, tokenTTL)
	registry := presence.NewRegistry()
	waitq := queue.New()
	store := sessions.NewStore()
	handles := handle.NewGenerator(time.Now().UnixNano())

	router := relay.NewRouter(store, registry, moderation.NewFilter(), archiver)

	engineConfig := match.DefaultConfig()
	if v := os.Getenv("MATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			engineConfig.Interval = d
		}
	}
	if v := os.Getenv("QUEUE_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			engineConfig.StaleAfter = d
		}
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			engineConfig.IdleTimeout = d
		}
	}
	engine := match.NewEngine(engineConfig, waitq, store, registry, router, handles, nil)

	service := core.NewService(waitq, store, registry, router, engine, handles, banStore, limiter, reportSink)

	log.Printf("Pairline chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  match_interval:  %s", engineConfig.Interval)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s", natsConfig.URL)

	dispatcher := ws.NewMessageDispatcher()

	// sendTo marshals a server message and pushes it over the reply handle.
	sendTo := func(reply presence.Handle, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("build %s message: %v", msgType, err)
			return
		}
		if err := reply.Deliver(data); err != nil {
			log.Printf("deliver %s message: %v", msgType, err)
		}
	}

	// sendServiceError maps a service error onto the wire. Every rejected
	// operation produces exactly one client-visible event.
	sendServiceError := func(reply presence.Handle, err error) {
		var bannedErr *core.BannedError
		var modErr *relay.ModerationError

		switch {
		case errors.As(err, &bannedErr):
			sendTo(reply, protocol.TypeBanned, protocol.BannedMsg{
				Duration: int(bannedErr.Remaining.Seconds()),
				Reason:   bannedErr.Reason,
			})
		case errors.Is(err, core.ErrRateLimited):
			sendTo(reply, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: 10})
		case errors.As(err, &modErr):
			sendTo(reply, protocol.TypeError, protocol.ErrorMsg{
				Code: "message_blocked", Message: modErr.Reason,
			})
		case errors.Is(err, core.ErrInvalidChatType):
			sendTo(reply, protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_chat_type", Message: "chat type must be text, voice or video",
			})
		case errors.Is(err, relay.ErrSessionNotFound):
			sendTo(reply, protocol.TypeError, protocol.ErrorMsg{
				Code: "session_not_found", Message: "no such session",
			})
		case errors.Is(err, relay.ErrSessionEnded):
			sendTo(reply, protocol.TypeError, protocol.ErrorMsg{
				Code: "session_ended", Message: "session is no longer active",
			})
		case errors.Is(err, relay.ErrNotParticipant):
			sendTo(reply, protocol.TypeError, protocol.ErrorMsg{
				Code: "not_participant", Message: "not a participant of this session",
			})
		default:
			sendTo(reply, protocol.TypeError, protocol.ErrorMsg{
				Code: "internal_error", Message: "operation failed",
			})
		}
	}

	dispatcher.Register(protocol.TypeJoinQueue, func(id string, reply presence.Handle, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinQueueMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		result, err := service.JoinQueue(ctx, id, joinMsg.ChatType, joinMsg.Preferences)
		if err != nil {
			sendServiceError(reply, err)
			return
		}
		if result.Matched {
			// Both sides were notified with match_found by the engine.
			log.Printf("join_queue identity=%s matched session=%s", id, result.Session.ID)
			return
		}
		sendTo(reply, protocol.TypeQueued, protocol.QueuedMsg{
			Position:      result.Position,
			EstimatedWait: result.EstimatedWait,
		})
		log.Printf("join_queue identity=%s chat_type=%s position=%d", id, joinMsg.ChatType, result.Position)
	})

	dispatcher.Register(protocol.TypeLeaveQueue, func(id string, reply presence.Handle, msg interface{}) {
		service.LeaveQueue(context.Background(), id)
		log.Printf("leave_queue identity=%s", id)
	})

	dispatcher.Register(protocol.TypeSendMessage, func(id string, reply presence.Handle, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// Delivery and the sender echo both happen inside the relay.
		if _, err := service.SendMessage(ctx, id, sendMsg.SessionID, sendMsg.MessageID, sendMsg.Content, sendMsg.MsgType); err != nil {
			sendServiceError(reply, err)
		}
	})

	dispatcher.Register(protocol.TypeTyping, func(id string, reply presence.Handle, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		// Fire and forget: a failed typing relay is not worth an error event.
		_ = service.Typing(id, typingMsg.SessionID, typingMsg.IsTyping)
	})

	dispatcher.Register(protocol.TypeSignal, func(id string, reply presence.Handle, msg interface{}) {
		signalMsg, ok := msg.(protocol.SignalMsg)
		if !ok {
			return
		}
		if err := service.Signal(id, signalMsg.SessionID, signalMsg.Kind, signalMsg.Payload); err != nil {
			sendServiceError(reply, err)
		}
	})

	dispatcher.Register(protocol.TypeEndSession, func(id string, reply presence.Handle, msg interface{}) {
		endMsg, ok := msg.(protocol.EndSessionMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := service.EndSession(ctx, id, endMsg.SessionID); err != nil {
			sendServiceError(reply, err)
			return
		}
		log.Printf("end_session identity=%s session=%s", id, endMsg.SessionID)
	})

	dispatcher.Register(protocol.TypeReportUser, func(id string, reply presence.Handle, msg interface{}) {
		reportMsg, ok := msg.(protocol.ReportUserMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := service.ReportUser(ctx, id, reportMsg.SessionID, reportMsg.Reason, reportMsg.Description, reportMsg.MessageIDs); err != nil {
			sendServiceError(reply, err)
			return
		}
		log.Printf("report_user identity=%s session=%s reason=%s", id, reportMsg.SessionID, reportMsg.Reason)
	})

	dispatcher.Register(protocol.TypeRefreshSession, func(id string, reply presence.Handle, msg interface{}) {
		sendTo(reply, protocol.TypeSessionState, service.SessionState(id))
	})

	server := ws.NewServer(config, resolver, registry, limiter, dispatcher.DispatchConn)
	server.SetOnDisconnect(service.Disconnected)
	server.SetFallback(ws.NewFallbackHandler(resolver, registry, dispatcher))

	engine.Start()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		engine.Stop()
		service.Shutdown()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
