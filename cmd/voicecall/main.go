package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/enquira/voicecall/internal/call"
	"github.com/enquira/voicecall/internal/config"
	"github.com/enquira/voicecall/internal/docstore"
	"github.com/enquira/voicecall/internal/history"
	"github.com/enquira/voicecall/internal/notify"
	"github.com/enquira/voicecall/internal/relay"
	"github.com/enquira/voicecall/internal/ringtone"
	"github.com/enquira/voicecall/internal/signaling"
)

// Application holds all components of the voice call client.
type Application struct {
	config   *config.Config
	log      *zap.Logger
	store    docstore.Store
	channel  *signaling.Channel
	machine  *call.Machine
	ringtone *ringtone.Controller
	relay    *relay.Server
	history  *history.PostgresRecorder
	stopFns  []func()
}

func main() {
	cfg := config.NewDefaultConfig()

	var (
		peerID     string
		storeAddr  string
		historyDSN string
		webhookURL string
		relayIP    string
		debug      bool
	)
	flag.StringVar(&cfg.SelfID, "self", os.Getenv("VOICECALL_SELF"), "local participant id")
	flag.StringVar(&peerID, "peer", "", "remote participant id")
	flag.StringVar(&cfg.DisplayName, "name", "", "display name shown to the callee")
	flag.StringVar(&storeAddr, "store", "", "signaling store WebSocket URL (empty for in-process store)")
	flag.StringVar(&historyDSN, "history-dsn", os.Getenv("VOICECALL_HISTORY_DSN"), "Postgres DSN for call history (empty to disable)")
	flag.StringVar(&webhookURL, "notify-url", "", "webhook URL for incoming-call notifications (empty to disable)")
	flag.StringVar(&relayIP, "relay-ip", "", "public IP to run an embedded STUN/TURN relay on (empty to disable)")
	flag.IntVar(&cfg.Relay.Port, "relay-port", cfg.Relay.Port, "relay listening port")
	flag.BoolVar(&debug, "debug", false, "verbose logging")
	flag.Parse()

	if cfg.SelfID == "" || peerID == "" {
		log.Fatal("both -self and -peer are required")
	}
	cfg.Relay.PublicIP = relayIP

	logger, err := buildLogger(debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	app, err := NewApplication(cfg, peerID, storeAddr, historyDSN, webhookURL, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Initialize(); err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	if err := app.Run(); err != nil {
		logger.Fatal("Error during processing", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func NewApplication(cfg *config.Config, peerID, storeAddr, historyDSN, webhookURL string, logger *zap.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg, log: logger}

	if storeAddr == "" {
		app.store = docstore.NewMemoryStore()
	} else {
		remote, err := docstore.NewRemoteStore(context.Background(), storeAddr, 10*time.Second, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to signaling store: %w", err)
		}
		app.store = remote
	}
	app.channel = signaling.NewChannel(app.store, clock.New(), logger)

	var recorder history.Recorder = history.NopRecorder{}
	if historyDSN != "" {
		pg, err := history.NewPostgresRecorder(context.Background(), historyDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open call history store: %w", err)
		}
		app.history = pg
		recorder = pg
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if webhookURL != "" {
		notifier = notify.NewWebhookNotifier(webhookURL, 10*time.Second, logger)
	}

	app.ringtone = ringtone.NewController(nil, logger)

	iceServers := cfg.ICEServers
	if cfg.Relay.PublicIP != "" {
		srv, err := relay.NewServer(cfg.Relay, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create relay: %w", err)
		}
		app.relay = srv
		ice := config.ICEServer{URLs: srv.URLs()}
		for username, password := range cfg.Relay.Users {
			ice.Username, ice.Credential = username, password
			break
		}
		iceServers = append(iceServers, ice)
	}

	machine, err := call.New(call.Options{
		SelfID:      cfg.SelfID,
		PeerID:      peerID,
		ContextID:   signaling.SessionKey(cfg.SelfID, peerID),
		DisplayName: cfg.DisplayName,
		Channel:     app.channel,
		Notifier:    notifier,
		History:     recorder,
		Ringer:      app.ringtone,
		ICEServers:  iceServers,
		Capture:     cfg.Capture,
		Timeouts:    cfg.Timeouts,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create call machine: %w", err)
	}
	app.machine = machine

	return app, nil
}

func (app *Application) Initialize() error {
	if app.relay != nil {
		if err := app.relay.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}
		app.log.Info("embedded relay running", zap.Strings("urls", app.relay.URLs()))
	}

	stopListen, err := app.machine.Listen(context.Background())
	if err != nil {
		return fmt.Errorf("failed to install incoming-call listener: %w", err)
	}
	app.stopFns = append(app.stopFns, stopListen)

	app.stopFns = append(app.stopFns, app.machine.OnStatus(func(st call.Status) {
		fmt.Printf("\r[%s]\n> ", st)
	}))
	app.stopFns = append(app.stopFns, app.machine.OnEnd(func(end call.CallEnd) {
		fmt.Printf("\r%s\n> ", end.Message)
	}))
	return nil
}

// Run reads commands from stdin until EOF or an interrupt.
func (app *Application) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	fmt.Println("commands: call | answer | reject | hangup | status | enable | disable | quit")
	fmt.Print("> ")
	for {
		select {
		case <-sigCh:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := app.dispatch(line); done {
				return nil
			}
			fmt.Print("> ")
		}
	}
}

func (app *Application) dispatch(cmd string) bool {
	ctx := context.Background()
	var err error
	switch cmd {
	case "":
	case "call":
		err = app.machine.StartCall(ctx)
	case "answer":
		err = app.machine.AnswerCall(ctx)
	case "reject":
		err = app.machine.Reject(ctx)
	case "hangup":
		err = app.machine.EndCall(ctx, true)
	case "status":
		fmt.Printf("status: %s", app.machine.Status())
		if d := app.machine.Duration(); d > 0 {
			fmt.Printf("  (%s)", d.Round(1e9))
		}
		fmt.Println()
	case "enable":
		err = app.machine.SetCallsEnabled(ctx, true)
	case "disable":
		err = app.machine.SetCallsEnabled(ctx, false)
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q\n", cmd)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

func (app *Application) Cleanup() {
	if app.machine != nil {
		app.machine.Close(context.Background())
	}
	for _, stop := range app.stopFns {
		stop()
	}
	if app.ringtone != nil {
		app.ringtone.Close()
	}
	if app.relay != nil {
		app.relay.Stop()
	}
	if app.history != nil {
		app.history.Close()
	}
	if closer, ok := app.store.(interface{ Close() error }); ok {
		closer.Close()
	}
}
