package nats

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.routeflow.tech/internal/queue"
)

// EmbeddedServer runs an in-process NATS server with JetStream on disk.
// It is the default broker: WorkQueue retention gives each message exactly
// one consumer, and the stream's duplicate window provides publish-side
// deduplication.
type EmbeddedServer struct {
	server  *server.Server
	conn    *nats.Conn
	js      jetstream.JetStream
	dataDir string
	port    int
	cfg     *EmbeddedConfig
}

// EmbeddedConfig holds configuration for the embedded NATS server.
type EmbeddedConfig struct {
	// DataDir is the directory for JetStream data persistence
	DataDir string

	// Host is the bind address (default: 127.0.0.1)
	Host string

	// Port is the server port (default: 4222). -1 binds a random free port.
	Port int

	// StreamName is the JetStream stream name
	StreamName string

	// Subjects is the list of subjects for the stream
	Subjects []string

	// MaxAge is the maximum age of messages in the stream
	MaxAge time.Duration

	// DuplicateWindow is how long publish deduplication IDs are remembered
	DuplicateWindow time.Duration

	// ConsumerName is the durable consumer name
	ConsumerName string

	// AckWait is the processing deadline before redelivery
	AckWait time.Duration

	// Pollers is the number of concurrent message loops per consumer
	Pollers int
}

// DefaultEmbeddedConfig returns default embedded server configuration.
func DefaultEmbeddedConfig() *EmbeddedConfig {
	return &EmbeddedConfig{
		DataDir:         "./data/nats",
		Host:            "127.0.0.1",
		Port:            4222,
		StreamName:      "DISPATCH",
		Subjects:        []string{"dispatch.>"},
		MaxAge:          24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
		ConsumerName:    "router",
		AckWait:         2 * time.Minute,
		Pollers:         1,
	}
}

// NewEmbeddedServer creates and starts a new embedded NATS server.
func NewEmbeddedServer(cfg *EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedConfig()
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := &server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start within timeout")
	}

	// Resolve the bound port; with Port -1 the server picks a free one
	port := cfg.Port
	if addr, ok := ns.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	slog.Info("Embedded NATS server started", "host", cfg.Host, "port", port, "dataDir", cfg.DataDir)

	conn, err := nats.Connect(ns.ClientURL(),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	embedded := &EmbeddedServer{
		server:  ns,
		conn:    conn,
		js:      js,
		dataDir: cfg.DataDir,
		port:    port,
		cfg:     cfg,
	}

	if err := embedded.ensureStream(context.Background()); err != nil {
		embedded.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	slog.Info("JetStream stream configured", "stream", cfg.StreamName, "subjects", cfg.Subjects)

	return embedded, nil
}

// ensureStream creates or updates the JetStream stream.
func (e *EmbeddedServer) ensureStream(ctx context.Context) error {
	streamCfg := jetstream.StreamConfig{
		Name:       e.cfg.StreamName,
		Subjects:   e.cfg.Subjects,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     e.cfg.MaxAge,
		Duplicates: e.cfg.DuplicateWindow,
		Replicas:   1,
		Discard:    jetstream.DiscardOld,
		MaxMsgs:    -1,
		MaxBytes:   -1,
		NoAck:      false,
	}

	if _, err := e.js.Stream(ctx, e.cfg.StreamName); err != nil {
		if _, err := e.js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		slog.Info("Created JetStream stream", "stream", e.cfg.StreamName)
		return nil
	}

	if _, err := e.js.UpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	slog.Info("Updated JetStream stream", "stream", e.cfg.StreamName)
	return nil
}

// NewConsumer creates a durable consumer on the embedded stream. An empty
// filterSubject consumes the whole stream.
func (e *EmbeddedServer) NewConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	natsCfg := &queue.NATSConfig{
		StreamName:   e.cfg.StreamName,
		ConsumerName: name,
		AckWait:      e.cfg.AckWait,
		Pollers:      e.cfg.Pollers,
	}
	applyDefaults(natsCfg)
	return newDurableConsumer(ctx, e.js, name, filterSubject, natsCfg)
}

// Publisher returns a publisher bound to the embedded stream.
func (e *EmbeddedServer) Publisher() queue.Publisher {
	return &Publisher{js: e.js, stream: e.cfg.StreamName}
}

// CheckConnectivity reports whether the embedded server is running.
func (e *EmbeddedServer) CheckConnectivity(ctx context.Context) error {
	if !e.server.Running() {
		return fmt.Errorf("embedded NATS server is not running")
	}
	return nil
}

// CheckQueueAccessible verifies the stream exists.
func (e *EmbeddedServer) CheckQueueAccessible(ctx context.Context) error {
	_, err := e.js.Stream(ctx, e.cfg.StreamName)
	return err
}

// JetStream returns the JetStream context.
func (e *EmbeddedServer) JetStream() jetstream.JetStream {
	return e.js
}

// Connection returns the NATS connection.
func (e *EmbeddedServer) Connection() *nats.Conn {
	return e.conn
}

// DataDir returns the data directory.
func (e *EmbeddedServer) DataDir() string {
	return e.dataDir
}

// Port returns the server port.
func (e *EmbeddedServer) Port() int {
	return e.port
}

// Close shuts down the embedded server.
func (e *EmbeddedServer) Close() error {
	slog.Info("Shutting down embedded NATS server")

	if e.conn != nil {
		e.conn.Close()
	}

	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}

	// A crashed process can leave the JetStream lock behind
	lockFile := filepath.Join(e.dataDir, "jetstream", "lock.lck")
	if _, err := os.Stat(lockFile); err == nil {
		os.Remove(lockFile)
	}

	slog.Info("Embedded NATS server shut down")
	return nil
}
