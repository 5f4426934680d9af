// Inkmesh node daemon.
//
// Usage:
//
//	inkmeshd [--data-dir=...] [--config=...] [--listen=0.0.0.0] [--port=4001]
//	inkmeshd --help
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/inkmesh/node/internal/bootstrap"
	"github.com/inkmesh/node/internal/breaker"
	"github.com/inkmesh/node/internal/broadcast"
	"github.com/inkmesh/node/internal/config"
	appcrypto "github.com/inkmesh/node/internal/crypto"
	"github.com/inkmesh/node/internal/discovery"
	"github.com/inkmesh/node/internal/dmretry"
	"github.com/inkmesh/node/internal/eventloop"
	"github.com/inkmesh/node/internal/identity"
	klog "github.com/inkmesh/node/internal/log"
	"github.com/inkmesh/node/internal/ratelimit"
	"github.com/inkmesh/node/internal/relay"
	"github.com/inkmesh/node/internal/reqresp"
	"github.com/inkmesh/node/internal/storage"
	"github.com/inkmesh/node/internal/storystore"
	"github.com/inkmesh/node/internal/transport"
	"github.com/rs/zerolog"
)

// rendezvous namespaces mDNS and DHT discovery so unrelated inkmesh
// deployments never cross-discover each other.
const rendezvous = "inkmesh/v1"

// maxGossipMessageSize bounds one broadcast payload (a published story,
// channel or alias announcement, or relay envelope), with wide headroom
// over a max-length story. Story-sync responses travel over
// request/response streams, not broadcast, so this limit does not apply
// to them.
const maxGossipMessageSize = 4 << 20

func main() {
	// ── 1. Flags and config (defaults → file → flags) ───────────────────
	dataDir := flag.String("data-dir", config.DefaultDataDir(), "node data directory")
	configPath := flag.String("config", "", "path to config.json (defaults to <data-dir>/config.json)")
	listenAddr := flag.String("listen", "0.0.0.0", "listen address")
	port := flag.Int("port", 4001, "listen port")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "emit structured JSON logs")
	alias := flag.String("alias", "", "this node's human-readable alias")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data dir: %v\n", err)
		os.Exit(1)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(*dataDir, "config.json")
	}
	cfg, err := config.LoadJSON(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Init logger ────────────────────────────────────────────────
	logFile := filepath.Join(*dataDir, "logs", "inkmeshd.log")
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logs dir: %v\n", err)
		os.Exit(1)
	}
	if err := klog.Init(*logLevel, *logJSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("node")
	logger.Info().Str("data_dir", *dataDir).Msg("starting inkmesh node")

	// ── 3. Identity ───────────────────────────────────────────────────
	id, err := identity.Load(*dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load node identity")
	}
	logger.Info().Str("peer_id", id.PeerID().String()).Msg("identity loaded")

	// ── 4. Storage ────────────────────────────────────────────────────
	db, err := storage.NewBadger(filepath.Join(*dataDir, "db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	// ── 5. Transport ──────────────────────────────────────────────────
	tpt, err := transport.New(id, *listenAddr, *port, cfg.Network)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create transport")
	}
	defer tpt.Close()
	h := tpt.Host()

	// ── 6. Crypto, discovery, broadcast, request/response ────────────
	keyCache := appcrypto.NewKeyCache()
	keyCache.Put(id.PeerID(), id.PublicKey())
	cr := appcrypto.New(id.PeerID(), id.PrivateKey(), keyCache)

	disc := discovery.New(h, rendezvous, true)
	if err := disc.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start discovery")
	}
	defer disc.Close()

	bc, err := broadcast.New(h, maxGossipMessageSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start broadcast")
	}
	defer bc.Close()

	requestTimeout := time.Duration(cfg.Network.RequestTimeoutSeconds) * time.Second
	rr := reqresp.New(h, requestTimeout, int(cfg.Network.MaxConcurrentStreams))

	limiter := ratelimit.New(int(cfg.Relay.RateLimitPerPeer))
	rl := relay.New(id.PeerID(), cr, cfg.Relay.MaxHops, cfg.Relay.EnableForwarding, limiter)

	retryInterval := time.Duration(cfg.DirectMessage.RetryIntervalSeconds) * time.Second
	dq := dmretry.New(db, cfg.DirectMessage.MaxRetryAttempts, retryInterval)
	if err := dq.LoadPersisted(); err != nil {
		logger.Error().Err(err).Msg("failed to load persisted dm retry queue")
	}

	br := breaker.New(0, 0, 0) // fixed defaults; the config document has no breaker section

	peers := discovery.NewPeerStore(db)
	stories := storystore.New(db)

	// ── 7. Event loop ─────────────────────────────────────────────────
	loop := eventloop.New(eventloop.Deps{
		Host:      h,
		Config:    *cfg,
		Broadcast: bc,
		Discovery: disc,
		Bootstrap: bootstrap.New(cfg.Bootstrap),
		ReqResp:   rr,
		Relay:     rl,
		DMRetry:   dq,
		Breaker:   br,
		Peers:     peers,
		Stories:   stories,
		Crypto:    cr,
		KeyCache:  keyCache,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *alias != "" {
		loop.Commands() <- eventloop.SetAliasCommand{Alias: *alias}
	}

	go func() {
		for ev := range loop.Events() {
			logEvent(logger, ev)
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	logger.Info().Str("peer_id", id.PeerID().String()).Int("port", *port).Msg("node started successfully")

	// ── 8. Wait for shutdown ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	cancel()
	<-loopDone
	logger.Info().Msg("goodbye")
}

func logEvent(logger zerolog.Logger, ev eventloop.Event) {
	switch e := ev.(type) {
	case eventloop.PeerDiscoveredEvent:
		logger.Debug().Str("peer", e.Peer.String()[:16]).Msg("peer discovered")
	case eventloop.PeerConnectedEvent:
		logger.Info().Str("peer", e.Peer.String()[:16]).Msg("peer connected")
	case eventloop.PeerDisconnectedEvent:
		logger.Info().Str("peer", e.Peer.String()[:16]).Msg("peer disconnected")
	case eventloop.StoryReceivedEvent:
		logger.Info().Uint64("story_id", e.Story.Story.ID).Str("channel", e.Story.Story.Channel).Msg("story received")
	case eventloop.ChannelReceivedEvent:
		logger.Info().Str("channel", e.Channel.Channel.Name).Msg("channel received")
	case eventloop.DirectMessageReceivedEvent:
		logger.Info().Str("from", e.DM.FromName).Msg("direct message received")
	case eventloop.DirectMessageDeliveredEvent:
		logger.Debug().Str("id", e.ID).Msg("direct message delivered")
	case eventloop.DirectMessageFailedEvent:
		logger.Warn().Str("id", e.ID).Str("reason", e.Reason).Msg("direct message failed")
	case eventloop.BootstrapStatusEvent:
		logger.Info().Str("status", e.Status.String()).Str("reason", e.Reason).Msg("bootstrap status changed")
	case eventloop.NetworkErrorEvent:
		logger.Warn().Str("kind", e.Kind).Str("detail", e.Detail).Msg("network error")
	}
}
