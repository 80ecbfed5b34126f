package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stevennyman/webbt/hub"
	"github.com/stevennyman/webbt/internal/config"
	"github.com/stevennyman/webbt/internal/storage"
	"github.com/stevennyman/webbt/internal/transport"
)

// managementOriginPrefix marks sessions from the hub's own UI surfaces
// (options page, permissions manager). They never spawn or keep alive the
// native host.
const managementOriginPrefix = "webbt://"

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub",
	Long: `Run the hub: listen on a unix socket for browser sessions and bridge
their Web Bluetooth commands to the native BLE host process.

Sessions speak newline-delimited JSON. Each request carries a command, an
argument list, a request id, and the web origin it acts for; responses echo
the id and origin so a relay can serve several contexts over one connection.`,
	RunE: runServe,
}

var serveSocket string

func init() {
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "Unix socket to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = "webbthub.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	if serveSocket != "" {
		cfg.Socket = serveSocket
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, cleanup, err := openKV(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	h, err := hub.New(hub.Options{
		Logger:                   logger,
		KV:                       kv,
		Store:                    storage.NewDeviceStore(kv, logger),
		Transport:                transport.NewProcessFactory(cfg.HostPath, logger),
		HostAPIVersion:           cfg.HostAPIVersion,
		RecommendedServerVersion: cfg.RecommendedServerVersion,
	})
	if err != nil {
		return err
	}

	// A stale socket from an unclean shutdown blocks the listen.
	if err := os.Remove(cfg.Socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", cfg.Socket, err)
	}
	listener, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Socket, err)
	}
	defer listener.Close()
	defer os.Remove(cfg.Socket)

	logger.WithField("socket", cfg.Socket).Info("Hub listening")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.WithError(err).Warn("Accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleConn(ctx, h, conn, logger)
		}()
	}

	wg.Wait()
	logger.Info("Hub stopped")
	return nil
}

// openKV builds the configured storage backend and its teardown.
func openKV(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (storage.KV, func(), error) {
	switch cfg.Storage.Backend {
	case "mongo":
		kv, err := storage.NewMongoKV(ctx, storage.MongoOptions{
			URI:              cfg.Storage.URI,
			Database:         cfg.Storage.Database,
			Collection:       cfg.Storage.Collection,
			OperationTimeout: cfg.Storage.OperationTimeout,
			Logger:           logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {
			if err := kv.Close(context.Background()); err != nil {
				logger.WithError(err).Warn("Failed to close storage backend")
			}
		}, nil
	default:
		return storage.NewMemoryKV(), func() {}, nil
	}
}

// connSink delivers unsolicited hub messages to one connection. Posts never
// block: when the connection cannot keep up, messages are dropped.
type connSink struct {
	logger *logrus.Logger

	mu     sync.Mutex
	ch     chan any
	closed bool
}

func (s *connSink) Post(msg any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		s.logger.Warn("Dropping event for slow session connection")
	}
}

func (s *connSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func handleConn(ctx context.Context, h *hub.Hub, conn net.Conn, logger *logrus.Logger) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := &connSink{logger: logger, ch: make(chan any, 64)}
	defer sink.close()

	// Writer drains both command responses and unsolicited events.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		enc := json.NewEncoder(conn)
		for msg := range sink.ch {
			if err := enc.Encode(msg); err != nil {
				logger.WithError(err).Debug("Session write failed")
				return
			}
		}
	}()

	// One connection may relay several browser contexts; sessions are keyed
	// by the origin each request carries.
	sessions := make(map[string]*hub.Session)
	var handlers sync.WaitGroup
	defer func() {
		// Unblock suspended flows (chooser waits, pending host calls) before
		// tearing the sessions down.
		cancel()
		handlers.Wait()
		for _, sess := range sessions {
			h.Detach(context.Background(), sess)
		}
	}()

	dec := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.WithError(err).Debug("Session connection closed")
			}
			return
		}

		var peek struct {
			Origin string `json:"origin"`
			Cmd    string `json:"cmd"`
		}
		if err := json.Unmarshal(raw, &peek); err != nil {
			sink.Post(map[string]any{"error": "malformed message: " + err.Error()})
			continue
		}

		sess, ok := sessions[peek.Origin]
		if !ok {
			if strings.HasPrefix(peek.Origin, managementOriginPrefix) {
				sess = h.AttachManagement(peek.Origin, sink)
			} else {
				sess = h.Attach(peek.Origin, sink)
			}
			sessions[peek.Origin] = sess
		}

		// Chooser and pairing verdicts stay on the read loop so they can
		// reach a command that is still suspended. Commands themselves run
		// concurrently: a blocking flow (chooser wait, pairing ceremony) must
		// not wedge the loop that delivers its answer. Responses funnel
		// through the sink, which serializes writes.
		if peek.Cmd != "" {
			if resp := h.HandleMessage(connCtx, sess, raw); resp != nil {
				sink.Post(resp)
			}
			continue
		}
		handlers.Add(1)
		go func(sess *hub.Session, raw json.RawMessage) {
			defer handlers.Done()
			if resp := h.HandleMessage(connCtx, sess, raw); resp != nil {
				sink.Post(resp)
			}
		}(sess, raw)
	}
}
