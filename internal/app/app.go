package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"lockstep-net/server/internal/control"
	"lockstep-net/server/internal/lockstep"
	servernet "lockstep-net/server/internal/net"
	"lockstep-net/server/internal/net/ws"
	"lockstep-net/server/internal/observability"
	"lockstep-net/server/internal/record"
	"lockstep-net/server/internal/sim"
	"lockstep-net/server/internal/telemetry"
	"lockstep-net/server/logging"
	loggingSinks "lockstep-net/server/logging/sinks"
)

const dialRetryInterval = time.Second

type Config struct {
	Logger telemetry.Logger
	// Settings overrides the environment when set.
	Settings *Settings
	// Ready, when set, receives the bound HTTP address once the node serves.
	Ready func(addr string)
}

// Node is one running lockstep participant.
type Node struct {
	Network   *lockstep.Network
	World     *sim.World
	Transport *ws.Transport
	Loop      *sim.Loop
	Metrics   *logging.Metrics
	Router    *logging.Router
	Recorder  *record.Store
	Handler   http.Handler
	settings  Settings
	logger    telemetry.Logger
	logFile   *os.File
}

type logNotifier struct {
	logger telemetry.Logger
}

func (n logNotifier) Notify(message string) {
	n.logger.Printf("notice: %s", message)
}

// NewNode wires the engine, world, transport and HTTP surface for settings.
// The caller owns Close.
func NewNode(settings Settings, logger telemetry.Logger) (*Node, error) {
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	metrics := logging.NewMetrics()
	telemetryMetrics := telemetry.WrapMetrics(metrics)
	clock := logging.SystemClock{}

	logConfig := logging.DefaultConfig()
	sinks := []logging.NamedSink{{Name: logging.SinkConsole, Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)}}
	node := &Node{Metrics: metrics, settings: settings, logger: logger}
	if settings.LogJSONPath != "" {
		file, err := os.OpenFile(settings.LogJSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open json log: %w", err)
		}
		node.logFile = file
		logConfig.EnableJSON(settings.LogJSONPath)
		sinks = append(sinks, logging.NamedSink{Name: logging.SinkJSON, Sink: loggingSinks.NewJSON(file, logConfig.JSON)})
	}
	router, err := logging.NewRouter(clock, logConfig, sinks, logging.WithMetrics(metrics), logging.WithFallback(logger))
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	node.Router = router

	if settings.RecordPath != "" {
		store, err := record.Open(settings.RecordPath)
		if err != nil {
			node.Close()
			return nil, err
		}
		node.Recorder = store
	}

	node.World = sim.NewWorld(0, sim.Deps{Logger: logger, Metrics: telemetryMetrics, Clock: clock, Publisher: router})
	node.Transport = ws.NewTransport(ws.Config{
		SelfID:  settings.NodeID,
		Logger:  logger,
		Metrics: telemetryMetrics,
		Clock:   clock,
	})

	deps := lockstep.Deps{
		Simulation: node.World,
		Transport:  node.Transport,
		Roster:     lockstep.StaticRoster(settings.Clients...),
		Peers:      node.Transport,
		Notifier:   logNotifier{logger: logger},
		Clock:      clock,
		Logger:     logger,
		Metrics:    telemetryMetrics,
		Publisher:  router,
	}
	if node.Recorder != nil {
		deps.Recorder = node.Recorder
	}
	node.Network, err = lockstep.New(settings.Lockstep, deps)
	if err != nil {
		node.Close()
		return nil, err
	}
	node.Network.SetMode(settings.Mode)
	node.Transport.Attach(node.Network)

	node.Loop, err = sim.NewLoop(node.Network, node.World, node.Transport, sim.LoopConfig{
		TickRate:    settings.TickRate,
		ControlRate: settings.Lockstep.ControlRate,
	}, sim.LoopHooks{
		OnQueueWarning: func(length int) {
			logger.Printf("[backpressure] %d local commands staged", length)
		},
	}, sim.Deps{Logger: logger, Metrics: telemetryMetrics, Clock: clock, Publisher: router})
	if err != nil {
		node.Close()
		return nil, err
	}

	node.Handler = servernet.NewHTTPHandler(node.Network, node.World, node.Transport, servernet.HTTPHandlerConfig{
		Logger:        logger,
		Observability: observability.Config{EnablePprof: settings.EnablePprof},
		Clock:         clock,
		Metrics:       metrics,
		Router:        router,
	})
	return node, nil
}

// Start joins the session: it connects to the configured peers, starts the
// engine and runs the frame loop until ctx is done.
func (n *Node) Start(ctx context.Context) {
	urls := append([]string(nil), n.settings.PeerURLs...)
	if !n.settings.Host && n.settings.HostURL != "" {
		urls = append([]string{n.settings.HostURL}, urls...)
	}
	for _, url := range urls {
		go n.connect(ctx, url)
	}

	n.Network.Init(n.settings.NodeID, n.settings.Host, n.World.ControlTick(), true)
	n.World.SetRunning(true)
	n.Network.SetRunning(true, control.NoTick)
	if ok, reason := n.Loop.Enqueue(sim.Spawn(n.settings.NodeID, n.name())); !ok {
		n.logger.Printf("failed to stage spawn: %s", reason)
	}

	stop := make(chan struct{})
	go n.Loop.Run(stop)
	go func() {
		<-ctx.Done()
		close(stop)
	}()
}

func (n *Node) name() string {
	for _, client := range n.settings.Clients {
		if client.ID == n.settings.NodeID && client.Name != "" {
			return client.Name
		}
	}
	return fmt.Sprintf("client-%d", n.settings.NodeID)
}

// connect dials url until it succeeds or ctx is done.
func (n *Node) connect(ctx context.Context, url string) {
	ticker := time.NewTicker(dialRetryInterval)
	defer ticker.Stop()
	for {
		remote, err := n.Transport.Dial(ctx, url)
		if err == nil {
			n.logger.Printf("joined peer %d", remote)
			return
		}
		if errors.Is(err, ws.ErrClosed) {
			return
		}
		n.logger.Printf("failed to reach %s: %v", url, err)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close ends the session and releases every resource.
func (n *Node) Close() error {
	if n.Network != nil {
		n.Network.Clear()
	}
	if n.World != nil {
		n.World.SetRunning(false)
	}
	if n.Transport != nil {
		n.Transport.Close()
	}
	var errs []error
	if n.Recorder != nil {
		errs = append(errs, n.Recorder.Close())
	}
	if n.Router != nil {
		errs = append(errs, n.Router.Close(context.Background()))
	}
	if n.logFile != nil {
		errs = append(errs, n.logFile.Close())
	}
	return errors.Join(errs...)
}

// Run starts a node from the environment and serves until ctx is done.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	var settings Settings
	if cfg.Settings != nil {
		settings = *cfg.Settings
	} else {
		settings = LoadSettings(os.Getenv, telemetryLogger)
	}

	node, err := NewNode(settings, telemetryLogger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := node.Close(); cerr != nil {
			telemetryLogger.Printf("failed to close node: %v", cerr)
		}
	}()

	srv := &http.Server{Addr: settings.ListenAddr, Handler: node.Handler}
	listener, err := net.Listen("tcp", settings.ListenAddr)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	telemetryLogger.Printf("node %d (%s, host=%t) listening on %s", settings.NodeID, settings.Mode, settings.Host, listener.Addr())
	if cfg.Ready != nil {
		cfg.Ready(listener.Addr().String())
	}

	node.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	}
}
