package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/loomkg/loom/internal/config"
	"github.com/loomkg/loom/internal/queue"
	"github.com/loomkg/loom/internal/storage"
	"github.com/loomkg/loom/internal/util"
	"github.com/loomkg/loom/pkg/extract"
	extollama "github.com/loomkg/loom/pkg/extract/ollama"
	extopenai "github.com/loomkg/loom/pkg/extract/openai"
	"github.com/loomkg/loom/pkg/logger"
	"github.com/loomkg/loom/pkg/logger/console"
	"github.com/loomkg/loom/pkg/store"
	"github.com/loomkg/loom/pkg/store/memory"
	storeneo4j "github.com/loomkg/loom/pkg/store/neo4j"
	storepgx "github.com/loomkg/loom/pkg/store/pgx"
	storepgvector "github.com/loomkg/loom/pkg/store/pgvector"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	cfg := config.Load()

	// Blob store for raw item content.
	s3Client, err := storage.NewS3Client(ctx)
	if err != nil {
		logger.Fatal("Could not create S3 client", "err", err)
	}
	blobs := storage.NewS3BlobStore(s3Client, "")

	// Extraction and embedding provider.
	var extractor extract.Extractor
	var embedder extract.Embedder

	switch util.GetEnv("AI_ADAPTER") {
	case "ollama":
		client, err := extollama.NewClient(extollama.NewClientParams{
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			APIKey:  util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(cfg.SegmentWorkers),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		extractor, embedder = client, client
	default:
		client := extopenai.NewClient(extopenai.NewClientParams{
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			Dimensions:      cfg.EmbeddingDimensions,

			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),

			MaxConcurrentRequests: int64(cfg.SegmentWorkers),
		})
		extractor, embedder = client, client
	}

	// PostgreSQL pool shared by the relational and vector providers.
	poolCfg, err := pgxpool.ParseConfig(util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Invalid DATABASE_URL", "err", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pgConn, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	registerProviders(pgConn)

	// RabbitMQ connection and queue topology.
	conn, err := queue.Init()
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.WorkerQueues, cfg.RetryTTLMS); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	deps := queue.Deps{
		Blobs:     blobs,
		Extractor: extractor,
		Embedder:  embedder,
		Schema:    extract.Schema{},
		Config:    cfg,
	}

	logger.Info("Listening for messages")

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	// prefetch=1 so one message is in flight at a time across all queues.
	if err := consumerCh.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}
	messageChan := make(chan queuedMessage)

	for _, queueName := range queue.WorkerQueues {
		go func(qName string) {
			consumerTag := fmt.Sprintf("%s_consumer", qName)
			msgs, err := consumerCh.Consume(
				qName,
				consumerTag,
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				startTime := time.Now()
				logger.Info("Received message", "queue", qm.queueName)

				var processingErr error
				switch qm.queueName {
				case queue.IngestQueue:
					processingErr = queue.ProcessIngestMessage(ctx, deps, qm.msg.Body)
				case queue.RunQueue:
					processingErr = queue.ProcessRunMessage(ctx, deps, qm.msg.Body)
				}

				if processingErr != nil {
					logger.Error("Error processing message", "queue", qm.queueName, "err", processingErr)
					handleProcessingError(consumerCh, qm.msg, qm.queueName)
				} else {
					if err := qm.msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", qm.queueName)
				}

				logger.Info("Processing time", "duration", time.Since(startTime).Round(time.Millisecond).String())
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

// registerProviders makes the concrete storage backends selectable by name.
// Only configured providers are ever constructed; registration itself is
// free of side effects.
func registerProviders(pgConn *pgxpool.Pool) {
	store.RegisterRelational("pgx", func(ctx context.Context, tenant string) (store.Relational, error) {
		return storepgx.NewRelationalStore(pgConn), nil
	})
	store.RegisterVector("pgvector", func(ctx context.Context, tenant string) (store.Vector, error) {
		return storepgvector.NewVectorStore(pgConn), nil
	})
	store.RegisterGraph("neo4j", func(ctx context.Context, tenant string) (store.Graph, error) {
		return storeneo4j.NewGraphStore(ctx, storeneo4j.NewGraphStoreParams{
			URI:      util.GetEnv("NEO4J_URI"),
			Username: util.GetEnv("NEO4J_USER"),
			Password: util.GetEnv("NEO4J_PASSWORD"),
			Database: util.GetEnvString("NEO4J_DATABASE", "neo4j"),
		})
	})

	// In-memory providers for local development without external stores.
	memRel := memory.NewRelationalStore(true)
	memVec := memory.NewVectorStore(true)
	memGraph := memory.NewGraphStore(true)
	store.RegisterRelational("memory", func(context.Context, string) (store.Relational, error) { return memRel, nil })
	store.RegisterVector("memory", func(context.Context, string) (store.Vector, error) { return memVec, nil })
	store.RegisterGraph("memory", func(context.Context, string) (store.Graph, error) { return memGraph, nil })
}

func handleProcessingError(ch *amqp.Channel, msg amqp.Delivery, queueName string) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	// After 10 attempts the message parks in the DLQ for operator review.
	if retries >= 10 {
		dlqName := queueName + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
