package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/joelkehle/agent-bus/internal/bus"
	"github.com/joelkehle/agent-bus/internal/httpapi"
)

// setupTracing wires an OTLP exporter when OTEL_EXPORTER_OTLP_ENDPOINT is
// set. Without it, tracing stays a no-op.
func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("agent-bus"),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func main() {
	dbFlag := flag.String("db", "", "path to SQLite database file (overrides DB_PATH env var)")
	flag.Parse()

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	ctx := context.Background()
	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	cfg := bus.Config{}

	// Resolve DB path: --db flag > DB_PATH env > empty (use file backend).
	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}

	var store bus.API
	if dbPath != "" {
		ss, err := bus.NewSQLiteStore(dbPath, cfg)
		if err != nil {
			log.Fatalf("failed to initialize sqlite store (%s): %v", dbPath, err)
		}
		store = ss
		log.Printf("using sqlite store at %s", dbPath)
	} else {
		backend := os.Getenv("STORE_BACKEND")
		if backend == "" {
			backend = "file"
		}
		switch backend {
		case "memory":
			store = bus.NewStore(cfg)
		default:
			statePath := os.Getenv("STATE_FILE")
			if statePath == "" {
				statePath = "./data/state.json"
			}
			fs, err := bus.NewFileStore(statePath, cfg)
			if err != nil {
				log.Fatalf("failed to initialize file store (%s): %v", statePath, err)
			}
			store = fs
			log.Printf("using file store at %s", statePath)
		}
	}

	h := httpapi.NewServer(store)
	log.Printf("agent-bus listening on %s", addr)
	if err := http.ListenAndServe(addr, h); err != nil {
		log.Fatal(err)
	}
}
