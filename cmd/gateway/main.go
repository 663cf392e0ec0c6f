package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/voiceops/admin-gateway/internal/dispatch"
	"github.com/voiceops/admin-gateway/internal/gateway"
	"github.com/voiceops/admin-gateway/internal/messaging"
	"github.com/voiceops/admin-gateway/internal/orchestrator"
	"github.com/voiceops/admin-gateway/internal/publisher"
	"github.com/voiceops/admin-gateway/internal/registry"
	"github.com/voiceops/admin-gateway/internal/subscriber"
	"github.com/voiceops/admin-gateway/internal/ws"

	"github.com/voiceops/admin-gateway/internal/compliance"
)

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

	// --- Redis broker ---
	brokerConfig := messaging.DefaultBrokerConfig()
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		brokerConfig.Addr = v
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		brokerConfig.Prefix = v
	}
	broker, err := messaging.NewBroker(brokerConfig)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- NATS (analysis work queue) ---
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "admin-gateway"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Orchestrator ---
	orchConfig := orchestrator.DefaultConfig()
	if v := os.Getenv("ORCHESTRATOR_URL"); v != "" {
		orchConfig.BaseURL = v
	}
	if v := os.Getenv("ORCHESTRATOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			orchConfig.Timeout = d
		}
	}
	orch := orchestrator.New(orchConfig)

	// --- Compliance audit store (optional) ---
	var audit dispatch.AuditStore
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		store, err := compliance.Open(dsn)
		if err != nil {
			log.Fatalf("failed to open compliance store: %v", err)
		}
		defer store.Close()
		audit = store
	} else {
		log.Printf("POSTGRES_DSN not set, compliance audit disabled")
	}

	// --- Registry ---
	regConfig := registry.DefaultConfig()
	if v := os.Getenv("ROOM_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			regConfig.RoomCap = n
		}
	}
	if v := os.Getenv("IDLE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			regConfig.IdleThreshold = d
		}
	}
	reg := registry.New(regConfig)

	pub := publisher.New(broker)

	gw := gateway.New(reg, pub, orch, natsClient)

	dispatcher := ws.NewMessageDispatcher()
	gw.RegisterHandlers(dispatcher)

	server := ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	gw.SetSender(server)
	server.SetOnConnect(gw.HandleConnect)
	server.SetOnDisconnect(gw.HandleDisconnect)

	engine := dispatch.New(reg, gw, pub, audit,
		dispatch.NewRedisGraphCounters(broker),
		dispatch.NewRedisReactionGuard(broker))

	sub := subscriber.New(broker)
	if err := sub.SubscribeToAll(engine.HandleEvent); err != nil {
		log.Fatalf("failed to attach distribution engine: %v", err)
	}

	healthInterval := 30 * time.Second
	if v := os.Getenv("HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			healthInterval = d
		}
	}
	engine.StartHealthLoop(healthInterval)

	reg.Start(func(sessionID, connID string) {
		gw.HandleReap(sessionID, connID)
		if c := server.Connections().Get(connID); c != nil {
			server.RemoveConnection(c)
		}
	})

	log.Printf("admin gateway starting")
	log.Printf("  listen_addr:      %s", config.ListenAddr)
	log.Printf("  worker_pool:      %d", config.WorkerPoolSize)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  redis_addr:       %s", brokerConfig.Addr)
	log.Printf("  redis_prefix:     %s", brokerConfig.Prefix)
	log.Printf("  nats_url:         %s", natsConfig.URL)
	log.Printf("  orchestrator_url: %s", orchConfig.BaseURL)

	// Run the server in the background so signals can drive shutdown.
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	if err := server.Shutdown(); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	engine.Shutdown()
	reg.Shutdown()
	natsClient.Close()
	broker.Close()
}
