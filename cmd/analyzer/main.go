package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/voiceops/admin-gateway/internal/analysis"
	"github.com/voiceops/admin-gateway/internal/messaging"
	"github.com/voiceops/admin-gateway/internal/publisher"
)

func main() {
	log.Println("Starting analysis worker...")

	// --- Redis broker (event fan-out + persisted history) ---
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
	natsConfig.Name = "admin-analyzer"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	pub := publisher.New(broker)

	volume := &analysis.VolumeAnalyzer{History: pub}
	if v := os.Getenv("VOLUME_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			volume.Window = d
		}
	}
	if v := os.Getenv("VOLUME_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			volume.Threshold = n
		}
	}

	service := analysis.NewService(natsClient, pub)
	service.Register("event-volume", volume)

	if err := service.Run(); err != nil {
		log.Fatalf("failed to subscribe to analysis requests: %v", err)
	}

	log.Printf("analysis worker running")
	log.Printf("  redis_addr: %s", brokerConfig.Addr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	broker.Close()
}
