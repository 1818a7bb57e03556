package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"family-chat-service/internal/config"
	"family-chat-service/internal/db"
	"family-chat-service/internal/handlers"
	"family-chat-service/internal/identity"
	"family-chat-service/internal/middleware"
	"family-chat-service/internal/observability"
	"family-chat-service/internal/rabbitmq"
	"family-chat-service/internal/relay"
	"family-chat-service/internal/repositories"
	"family-chat-service/internal/repositories/memory"
	"family-chat-service/internal/service"
	"family-chat-service/internal/telemetry"
	"family-chat-service/internal/ws"
)

type storage struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	receipts      repositories.ReceiptRepository
	members       repositories.MembershipRepository
	close         func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Printf("event publisher mode=%s reason=%q", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRouting, cfg.ServiceName, cfg.Environment)

	store, err := openStorage(cfg)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.close()

	resolver, closeResolver, err := newResolver(cfg)
	if err != nil {
		log.Fatalf("failed to set up identity: %v", err)
	}
	defer closeResolver()

	var hubOpts []ws.HubOption
	var redisRelay *relay.RedisRelay
	if cfg.RedisURL != "" {
		redisRelay, err = relay.NewRedisRelay(ctx, cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			log.Fatalf("failed to connect redis relay: %v", err)
		}
		hubOpts = append(hubOpts, ws.WithRelay(redisRelay))
		log.Printf("redis relay enabled channel=%s node_id=%s", cfg.RedisChannel, redisRelay.NodeID())
	}

	hub := ws.NewHub(store.conversations, hubOpts...)
	if redisRelay != nil {
		go redisRelay.Run(ctx, hub.DeliverRemote)
	}

	messenger := service.NewMessenger(
		store.conversations,
		store.messages,
		store.receipts,
		store.members,
		hub,
		service.WithHistoryLimits(cfg.HistoryDefaultLimit, cfg.HistoryMaxLimit),
	)

	conversationHandler := handlers.NewConversationHandler(messenger, audit)
	messageHandler := handlers.NewMessageHandler(messenger, audit)
	sessionHandler := ws.NewSessionHandler(hub, messenger, resolver, cfg.WSSendBuffer, cfg.WSMaxDrops)

	router := gin.Default()

	// middlewares
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", sessionHandler.Handle)
	handlers.RegisterDebugRoutes(router, audit, hub, cfg.DebugRoutes)

	api := router.Group("/api/chat", middleware.AuthMiddleware(resolver))
	api.GET("/conversations", conversationHandler.ListConversations)
	api.POST("/conversations", conversationHandler.StartConversation)
	api.GET("/conversations/:conversation_id", conversationHandler.GetConversation)
	api.POST("/conversations/:conversation_id/participants", conversationHandler.AddParticipants)
	api.GET("/conversations/:conversation_id/messages", messageHandler.ListMessages)
	api.POST("/conversations/:conversation_id/messages", messageHandler.PostMessage)
	api.POST("/messages/:message_id/read", messageHandler.MarkRead)
	api.GET("/messages/:message_id/receipts", messageHandler.ListReceipts)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("family chat service listening port=%s storage=%s", cfg.Port, cfg.StorageDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if redisRelay != nil {
		if err := redisRelay.Close(); err != nil {
			log.Printf("redis relay close: %v", err)
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Printf("tracer shutdown: %v", err)
	}
}

func openStorage(cfg config.Config) (storage, error) {
	switch cfg.StorageDriver {
	case config.StorageMemory:
		store := memory.NewStore()
		for familyID, members := range cfg.DevFamilies {
			for _, userID := range members {
				store.AddFamilyMember(familyID, userID)
			}
		}
		log.Printf("using in-memory storage families=%d", len(cfg.DevFamilies))
		return storage{
			conversations: store,
			messages:      store,
			receipts:      store,
			members:       store,
			close:         func() error { return nil },
		}, nil
	case config.StoragePostgres:
		database, err := db.Connect(cfg.DatabaseDSN)
		if err != nil {
			return storage{}, err
		}
		return storage{
			conversations: repositories.NewConversationRepo(database),
			messages:      repositories.NewMessageRepo(database),
			receipts:      repositories.NewReceiptRepo(database),
			members:       repositories.NewMembershipRepo(database),
			close:         database.Close,
		}, nil
	}
	return storage{}, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

func newResolver(cfg config.Config) (identity.Resolver, func() error, error) {
	if cfg.JWTSecret != "" {
		log.Printf("identity: verifying HS256 tokens locally")
		return identity.NewJWTResolver([]byte(cfg.JWTSecret)), func() error { return nil }, nil
	}

	conn, err := grpc.NewClient(cfg.AuthGRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect auth grpc: %w", err)
	}
	log.Printf("identity: validating tokens via auth service addr=%s", cfg.AuthGRPCAddr)
	return identity.NewGRPCResolver(conn), conn.Close, nil
}
