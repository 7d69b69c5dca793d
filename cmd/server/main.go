package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"orderflow/cmd/server/config"
	"orderflow/internal/bus"
	eventsdb "orderflow/internal/db/events"
	ordersdb "orderflow/internal/db/orders"
	paymentsdb "orderflow/internal/db/payments"
	sagadb "orderflow/internal/db/saga"
	"orderflow/internal/events"
	"orderflow/internal/eventstore"
	"orderflow/internal/lock"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/payments"
	"orderflow/internal/realtime"
	"orderflow/internal/saga"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	metrics := observability.NewMetrics()

	stores, cleanupStores, err := buildStores(ctx)
	if err != nil {
		return err
	}
	defer cleanupStores()

	locker, cleanupLocker, err := buildLocker(ctx, metrics)
	if err != nil {
		return err
	}
	defer cleanupLocker()

	busCfg, err := config.LoadBus()
	if err != nil {
		return err
	}

	localBus := bus.NewLocalBus(log.Printf)
	asyncPub := bus.Async(localBus, log.Printf)

	var rabbitPub *bus.RabbitPublisher
	var amqpCfg config.AMQPConfig
	if os.Getenv("AMQP_URL") != "" {
		if amqpCfg, err = config.LoadAMQP(); err != nil {
			return err
		}
		if rabbitPub, err = bus.NewRabbitPublisher(amqpCfg.URL); err != nil {
			return err
		}
		defer rabbitPub.Close()
	}

	recorder := events.NewRecorder(stores.events, externalPublisher(rabbitPub), busCfg.TopicShards, log.Printf)
	for _, topic := range []string{events.TopicOrderEvents, events.TopicPaymentEvents, events.TopicSagaEvents} {
		localBus.Subscribe(topic, "event-recorder", spanned(metrics, "recorder.Handle", recorder.Handle))
	}

	hub := realtime.NewHub()
	go hub.Run(ctx)
	for _, topic := range []string{events.TopicOrderEvents, events.TopicPaymentEvents, events.TopicSagaEvents} {
		localBus.Subscribe(topic, "realtime", hub.EventHandler())
	}

	orderService := orders.NewService(orders.Config{
		Store:     stores.orders,
		Publisher: asyncPub,
		Logf:      log.Printf,
	})

	paymentService, err := buildPaymentService(stores.payments, asyncPub)
	if err != nil {
		return err
	}

	manager := saga.NewManager(saga.Config{
		Store:     stores.sagas,
		Locker:    locker,
		Publisher: asyncPub,
		Logf:      log.Printf,
	})
	orderSaga := saga.NewOrderProcessing(manager, orderService, paymentService, log.Printf)

	if rabbitPub != nil {
		// Distributed shape: the saga consumes its triggers from durable
		// broker queues fed by the recorder's republishes.
		if err := startSagaConsumers(ctx, amqpCfg, busCfg, metrics, orderSaga); err != nil {
			return err
		}
	} else {
		orderSaga.Register(localBus)
	}

	obsSrv, err := startHTTPServer(metrics, hub)
	if err != nil {
		return err
	}

	log.Printf("orderflow server running")
	<-ctx.Done()

	metrics.MarkShutdown(metrics.Snapshot().InFlight)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = obsSrv.Shutdown(shutdownCtx)
	return nil
}

type stores struct {
	orders   orders.Store
	payments payments.Store
	sagas    saga.Store
	events   eventstore.Store
}

// buildStores opens Postgres-backed stores when DATABASE_URL is set and
// falls back to in-memory stores otherwise.
func buildStores(ctx context.Context) (stores, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Printf("DATABASE_URL not set, using in-memory stores")
		return stores{
			orders:   orders.NewMemoryStore(),
			payments: payments.NewMemoryStore(),
			sagas:    saga.NewMemoryStore(),
			events:   eventstore.NewMemoryStore(),
		}, func() {}, nil
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return stores{}, nil, fmt.Errorf("open postgres: %w", err)
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Printf("close postgres: %v", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		cleanup()
		return stores{}, nil, fmt.Errorf("ping postgres: %w", err)
	}

	orderStore, err := ordersdb.NewOrderStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return stores{}, nil, err
	}
	paymentStore, err := paymentsdb.NewPaymentStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return stores{}, nil, err
	}
	sagaStore, err := sagadb.NewSagaStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return stores{}, nil, err
	}
	eventStore, err := eventsdb.NewEventStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return stores{}, nil, err
	}

	return stores{
		orders:   orderStore,
		payments: paymentStore,
		sagas:    sagaStore,
		events:   eventStore,
	}, cleanup, nil
}

// buildLocker returns a Redis-backed distributed locker when REDIS_URL is
// set and an in-process locker otherwise.
func buildLocker(ctx context.Context, metrics *observability.Metrics) (saga.Locker, func(), error) {
	if os.Getenv("REDIS_URL") == "" {
		log.Printf("REDIS_URL not set, using in-process locks")
		return lock.NewLocalLocker(), func() {}, nil
	}

	cfg, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if cfg.DialTimeout != nil {
		opt.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opt.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opt.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opt.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opt.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opt.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opt.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opt)
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("instrument redis tracing: %w", err)
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	return lock.NewLocker(client, log.Printf, metrics.AddLockWait), cleanup, nil
}

func buildPaymentService(store payments.Store, pub events.Publisher) (*payments.Service, error) {
	cfg, err := config.LoadPayments()
	if err != nil {
		return nil, err
	}

	gateway := payments.NewSimulatedProcessor(payments.SimulatedProcessorConfig{
		SuccessRate: cfg.SuccessRate,
		MinLatency:  cfg.MinLatency,
		MaxLatency:  cfg.MaxLatency,
	})
	limiter := payments.NewRateLimiter(cfg.LimiterInterval, cfg.LimiterBurst)
	breaker := payments.NewCircuitBreaker(payments.CircuitBreakerConfig{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	retry := payments.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	return payments.NewService(payments.Config{
		Store:     store,
		Processor: payments.NewReliableProcessor(gateway, limiter, breaker, retry),
		Publisher: pub,
		Logf:      log.Printf,
	}), nil
}

// startSagaConsumers binds one durable queue per trigger topic (one per
// shard when sharding is on) and pumps deliveries into the saga handler.
func startSagaConsumers(ctx context.Context, amqpCfg config.AMQPConfig, busCfg config.BusConfig, metrics *observability.Metrics, orderSaga *saga.OrderProcessing) error {
	handler := spanned(metrics, "saga.Handle", orderSaga.Handle)
	for _, family := range []string{events.TopicOrderEvents, events.TopicPaymentEvents} {
		for _, topic := range shardTopics(family, busCfg.TopicShards) {
			consumer, err := bus.NewRabbitConsumer(amqpCfg.URL, topic, amqpCfg.Group, log.Printf)
			if err != nil {
				return err
			}
			go func(topic string) {
				defer consumer.Close()
				if err := consumer.Start(ctx, handler); err != nil {
					log.Printf("consumer for %s stopped: %v", topic, err)
				}
			}(topic)
		}
	}
	return nil
}

func shardTopics(family string, shards int) []string {
	if shards < 2 {
		return []string{family}
	}
	topics := make([]string, 0, shards)
	for i := 0; i < shards; i++ {
		topics = append(topics, fmt.Sprintf("%s-%d", family, i))
	}
	return topics
}

func startHTTPServer(metrics *observability.Metrics, hub *realtime.Hub) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade: %v", err)
			return
		}
		hub.Register <- conn
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					hub.Unregister <- conn
					return
				}
			}
		}()
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	return srv, nil
}

// externalPublisher keeps the recorder's nil check honest: a typed nil
// wrapped in a non-nil interface would slip past it.
func externalPublisher(p *bus.RabbitPublisher) events.Publisher {
	if p == nil {
		return nil
	}
	return p
}

// spanned wraps a bus handler with a metrics span.
func spanned(metrics *observability.Metrics, name string, h events.Handler) events.Handler {
	return func(ctx context.Context, env events.Envelope) error {
		span := metrics.Start(name)
		err := h(ctx, env)
		span.End(err)
		return err
	}
}
