package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pharmaledger/internal/messaging/kafka"
)

type config struct {
	brokers     []string
	sourceTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replayer — часть kafka.Replayer, нужная команде.
type replayer interface {
	Run(ctx context.Context, opts kafka.ReplayOptions) (kafka.ReplayStats, error)
}

// openReplayer подменяется в тестах.
var openReplayer = func(brokers []string, execute bool, logger *log.Entry) (replayer, func() error, error) {
	return kafka.OpenReplayer(brokers, execute, logger)
}

func parseConfig(args []string, lookup func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)
	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: LEDGER_KAFKA_BROKERS)")
	fs.StringVar(&cfg.sourceTopic, "source-topic", "", "DLQ source topic (fallback: LEDGER_KAFKA_DLQ_TOPIC)")
	fs.IntVar(&cfg.limit, "limit", 100, "max number of messages to scan/replay")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 2*time.Second, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = lookup("LEDGER_KAFKA_BROKERS")
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		cfg.sourceTopic = strings.TrimSpace(lookup("LEDGER_KAFKA_DLQ_TOPIC"))
	}
	if cfg.sourceTopic == "" {
		cfg.sourceTopic = kafka.TopicDeadLetterQueue
	}

	cfg.brokers = parseBrokers(brokersRaw)
	switch {
	case len(cfg.brokers) == 0:
		return config{}, errors.New("kafka brokers are required (-brokers or LEDGER_KAFKA_BROKERS)")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config, logger *log.Entry) (kafka.ReplayStats, error) {
	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	logger.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"limit":        cfg.limit,
		"mode":         mode,
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	r, closeFn, err := openReplayer(cfg.brokers, cfg.execute, logger)
	if err != nil {
		return kafka.ReplayStats{}, err
	}
	defer func() {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close kafka connections")
		}
	}()

	return r.Run(ctx, kafka.ReplayOptions{
		SourceTopic: cfg.sourceTopic,
		Limit:       cfg.limit,
		Execute:     cfg.execute,
		FromNewest:  cfg.fromNewest,
		IdleTimeout: cfg.idleTimeout,
	})
}

func main() {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	entry := logger.WithField("component", "dlq-replay")

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := run(ctx, cfg, entry)
	if err != nil {
		fail("dlq replay failed: %v", err)
	}
	fmt.Printf("processed=%d replayed=%d skipped=%d\n", stats.Processed, stats.Replayed, stats.Skipped)
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
