package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config reúne a configuração do serviço lida do ambiente
type Config struct {
	Port        string
	ServiceName string
	StoreDriver string

	DatabaseHost     string
	DatabasePort     string
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabaseMaxConns int
	AutoMigrate      bool

	Checkout        CheckoutConfig
	CatalogCacheTTL time.Duration
	APIToken        string

	OTelEnabled  bool
	OTelEndpoint string
}

func loadConfig() Config {
	checkout := DefaultCheckoutConfig()
	checkout.Timeout = getEnvDuration("CHECKOUT_TIMEOUT", checkout.Timeout)
	checkout.MaxAttempts = getEnvInt("CHECKOUT_MAX_ATTEMPTS", checkout.MaxAttempts)
	checkout.RetryAfter = getEnvDuration("CHECKOUT_RETRY_AFTER", checkout.RetryAfter)

	return Config{
		Port:        getEnv("PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "pos-service"),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "pgx")),

		DatabaseHost:     getEnv("DATABASE_HOST", "localhost"),
		DatabasePort:     getEnv("DATABASE_PORT", "5432"),
		DatabaseUser:     getEnv("DATABASE_USER", "root"),
		DatabasePassword: getEnv("DATABASE_PASSWORD", "pass"),
		DatabaseName:     getEnv("DATABASE_NAME", "pos_db"),
		DatabaseMaxConns: getEnvInt("DATABASE_MAX_CONNS", 25),
		AutoMigrate:      getEnvBool("DATABASE_AUTO_MIGRATE", false),

		Checkout:        checkout,
		CatalogCacheTTL: getEnvDuration("CATALOG_CACHE_TTL", 30*time.Second),
		APIToken:        os.Getenv("POS_API_TOKEN"),

		OTelEnabled:  getEnvBool("OTEL_ENABLED", true),
		OTelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}
}

func main() {
	cfg := loadConfig()

	// Initialize OpenTelemetry
	tp, err := initTracer(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	mp, err := initMetrics(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down meter: %v", err)
		}
	}()

	// Initialize store
	repository, err := openRepository(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer repository.Close()

	// Initialize dependencies
	tracer := tp.Tracer(cfg.ServiceName)
	checkoutUseCase, err := NewCheckoutUseCase(repository, repository, tracer, mp.Meter(cfg.ServiceName), cfg.Checkout)
	if err != nil {
		log.Fatalf("Failed to initialize checkout: %v", err)
	}
	salesUseCase := NewSalesUseCase(repository)
	catalogUseCase := NewCatalogUseCase(repository, NewCatalogCache(cfg.CatalogCacheTTL))
	handler := NewSalesHandler(checkoutUseCase, salesUseCase, catalogUseCase, tracer)

	r := SetupRouter(handler, cfg.APIToken, cfg.ServiceName, cfg.OTelEnabled)
	if cfg.APIToken == "" {
		log.Println("⚠️ POS_API_TOKEN not set, API is open")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("🚀 POS Service listening on port %s (store=%s)", cfg.Port, cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down POS Service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down server: %v", err)
	}
}

// openRepository escolhe o backend pelo STORE_DRIVER
func openRepository(ctx context.Context, cfg Config) (Repository, error) {
	switch cfg.StoreDriver {
	case "pgx", "postgres":
		pool, err := initDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		repository := NewPostgresRepository(pool)
		if cfg.AutoMigrate {
			if err := applySchema(ctx, repository); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return repository, nil

	case "pq":
		db, err := initSQLDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		repository := NewSQLRepository(db)
		if cfg.AutoMigrate {
			if err := applySchema(ctx, repository); err != nil {
				db.Close()
				return nil, err
			}
		}
		return repository, nil

	case "memory":
		log.Println("⚠️ Using in-memory store, data is lost on restart")
		return NewMemoryRepository(), nil
	}

	return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

func initDB(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.DatabaseUser,
		cfg.DatabasePassword,
		cfg.DatabaseHost,
		cfg.DatabasePort,
		cfg.DatabaseName,
	)

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure connection pool
	config.MaxConns = int32(cfg.DatabaseMaxConns)
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Println("✅ Connected to pos database with connection pool")
			return pool, nil
		}
		log.Printf("⏳ Waiting for database... (%d/30)", i+1)
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

func initSQLDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DatabaseHost,
		cfg.DatabasePort,
		cfg.DatabaseUser,
		cfg.DatabasePassword,
		cfg.DatabaseName,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	for i := 0; i < 30; i++ {
		if err := db.PingContext(ctx); err == nil {
			log.Println("✅ Connected to pos database (database/sql)")
			return db, nil
		}
		log.Printf("⏳ Waiting for database... (%d/30)", i+1)
		time.Sleep(1 * time.Second)
	}

	db.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

type tracerProvider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

type noopTracerProvider struct {
	tracenoop.TracerProvider
}

func (noopTracerProvider) Shutdown(context.Context) error { return nil }

type meterProvider interface {
	metric.MeterProvider
	Shutdown(ctx context.Context) error
}

type noopMeterProvider struct {
	metricnoop.MeterProvider
}

func (noopMeterProvider) Shutdown(context.Context) error { return nil }

func initTracer(cfg Config) (tracerProvider, error) {
	if !cfg.OTelEnabled {
		return noopTracerProvider{tracenoop.NewTracerProvider()}, nil
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTelEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics(cfg Config) (meterProvider, error) {
	if !cfg.OTelEnabled {
		return noopMeterProvider{metricnoop.NewMeterProvider()}, nil
	}

	ctx := context.Background()

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.OTelEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
