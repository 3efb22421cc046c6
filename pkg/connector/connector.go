// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/mattermost-sbs/pkg/sbs"
)

// mattermostConn is the Mattermost connection the bridge drives.
// *MattermostClient satisfies it.
type mattermostConn interface {
	LocalPlatform
	Connect(ctx context.Context) error
	Run(ctx context.Context, sink localEventSink) error
	Disconnect()
}

// sessionValidator re-authenticates the SBS session.
type sessionValidator interface {
	EnsureValid(ctx context.Context) (string, error)
}

// Bridge wires the Mattermost connection, the SBS listener and the relay
// together and supervises their goroutines.
type Bridge struct {
	Config   *Config
	Registry *Registry
	Avatars  *AvatarBridge
	Relay    *Relay
	Metrics  *Metrics
	Store    StateStore

	mm       mattermostConn
	session  sessionValidator
	listener sbs.Listener

	// saveMu serializes snapshot writes from the ticker, the admin API and
	// shutdown.
	saveMu sync.Mutex
	log    zerolog.Logger
}

// NewBridge builds a bridge and every component it owns from cfg.
func NewBridge(cfg *Config, log zerolog.Logger) (*Bridge, error) {
	store, err := newStateStore(cfg.State, log)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	sbsClient := sbs.NewClient(cfg.SBS.APIURL, sbs.Credentials{
		Username: cfg.SBS.Username,
		Password: cfg.SBS.Password,
	}, cfg.RequestTimeout(), log.With().Str("component", "sbs").Logger())
	if cfg.SBS.Token != "" {
		sbsClient.Session().SetToken(cfg.SBS.Token)
	}
	listenerOpts := cfg.ListenerOptions()
	listenerOpts.OnCycle = metrics.listenCycle
	listener := sbs.NewListener(cfg.SBS.Listener, sbsClient, listenerOpts)

	mm := NewMattermostClient(MattermostCredentials{
		ServerURL: cfg.Mattermost.ServerURL,
		Token:     cfg.Mattermost.Token,
		Username:  cfg.Mattermost.Username,
		Password:  cfg.Mattermost.Password,
	}, cfg.Mattermost.BotPrefix, log)

	return newBridge(cfg, mm, sbsClient, sbsClient.Session(), listener, store, metrics, log), nil
}

func newBridge(cfg *Config, mm mattermostConn, remote remoteWriter, session sessionValidator, listener sbs.Listener, store StateStore, metrics *Metrics, log zerolog.Logger) *Bridge {
	registry := NewRegistry(cfg.Bridge.CorrelationCapacity, log.With().Str("component", "registry").Logger())
	var uploader avatarUploader
	if u, ok := remote.(avatarUploader); ok {
		uploader = u
	}
	var avatars *AvatarBridge
	if uploader != nil {
		avatars = NewAvatarBridge(mm, uploader, cfg.SBS.AvatarBucket, metrics, log.With().Str("component", "avatars").Logger())
	}
	relay := NewRelay(registry, mm, remote, avatars, RelayOptions{
		Markup:      cfg.SBS.Markup,
		BatchLimit:  cfg.Bridge.IngestBatchLimit,
		AvatarSize:  cfg.SBS.AvatarSize,
		DisplayName: cfg.DisplayName,
	}, metrics, log)
	return &Bridge{
		Config:   cfg,
		Registry: registry,
		Avatars:  avatars,
		Relay:    relay,
		Metrics:  metrics,
		Store:    store,
		mm:       mm,
		session:  session,
		listener: listener,
		log:      log.With().Str("component", "bridge").Logger(),
	}
}

func newStateStore(cfg StateConfig, log zerolog.Logger) (StateStore, error) {
	log = log.With().Str("component", "state").Logger()
	switch cfg.Type {
	case StateRedis:
		return NewRedisStoreFromURL(cfg.RedisURL, cfg.RedisKey, log)
	default:
		return NewFileStore(cfg.Path, log), nil
	}
}

// Run connects both sides and relays until ctx is cancelled. State is saved
// one last time on the way out.
func (b *Bridge) Run(ctx context.Context) error {
	b.Registry.Restore(b.Config.Bridge.Channels)
	b.loadState(ctx)

	if err := b.mm.Connect(ctx); err != nil {
		return err
	}
	if _, err := b.session.EnsureValid(ctx); err != nil {
		return fmt.Errorf("failed to log in to SmileBASIC Source: %w", err)
	}
	if err := b.startListener(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.mm.Run(gctx, b.Relay)
	})
	g.Go(func() error {
		b.ingestLoop(gctx)
		return nil
	})
	g.Go(func() error {
		b.snapshotLoop(gctx)
		return nil
	})
	if b.Config.AdminAPIAddr != "" {
		g.Go(func() error {
			return b.serveAdmin(gctx, b.Config.AdminAPIAddr)
		})
	}

	err := g.Wait()
	b.listener.Close()
	b.mm.Disconnect()
	b.saveState(context.WithoutCancel(ctx))
	b.log.Info().Msg("Bridge stopped")
	return err
}

// startListener starts the listener. A token rejected at this point (for
// example a stale configured token) gets one fresh login and one more try.
func (b *Bridge) startListener(ctx context.Context) error {
	err := b.listener.Start(ctx)
	if !errors.Is(err, sbs.ErrAuthExpired) {
		return err
	}
	b.log.Warn().Msg("SmileBASIC Source token rejected at start-up, logging in again")
	if _, err = b.session.EnsureValid(ctx); err != nil {
		return fmt.Errorf("failed to log in to SmileBASIC Source: %w", err)
	}
	return b.listener.Start(ctx)
}

func (b *Bridge) loadState(ctx context.Context) {
	snap, err := b.Store.Load(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to load state, starting empty")
		return
	}
	b.Registry.Restore(snap.Channels)
	if b.Avatars != nil {
		b.Avatars.Restore(snap.Avatars)
	}
	b.Metrics.setBoundChannels(b.Registry.Len())
	b.log.Info().
		Int("channels", len(snap.Channels)).
		Int("avatars", len(snap.Avatars)).
		Msg("Loaded state")
}

// Snapshot returns the current persistable state.
func (b *Bridge) Snapshot() *Snapshot {
	snap := &Snapshot{Channels: b.Registry.Bindings(), Avatars: map[string]AvatarAssociation{}}
	if b.Avatars != nil {
		snap.Avatars = b.Avatars.Snapshot()
	}
	return snap
}

func (b *Bridge) saveState(ctx context.Context) {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	start := time.Now()
	if err := b.Store.Save(ctx, b.Snapshot()); err != nil {
		b.log.Error().Err(err).Msg("Failed to save state")
		return
	}
	b.Metrics.observeSnapshot(time.Since(start))
}

// snapshotLoop periodically saves state until ctx is cancelled.
func (b *Bridge) snapshotLoop(ctx context.Context) {
	interval := b.Config.SnapshotInterval()
	b.log.Info().Dur("interval", interval).Msg("Starting snapshot loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.saveState(ctx)
		}
	}
}

// ingestLoop drains the listener on a ticker and relays what it got.
func (b *Bridge) ingestLoop(ctx context.Context) {
	ticker := time.NewTicker(b.Config.DrainInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.ingestOnce(ctx)
		}
	}
}

// ingestOnce relays one drained batch. When the listener reports an expired
// token it re-authenticates and restarts it; a failure there is retried on
// the next tick because the listener keeps reporting expiry.
func (b *Bridge) ingestOnce(ctx context.Context) {
	comments, err := b.listener.Drain()
	if len(comments) > 0 {
		b.Relay.HandleRemote(ctx, comments)
	}
	if !errors.Is(err, sbs.ErrAuthExpired) {
		return
	}
	b.log.Warn().Msg("SmileBASIC Source token expired, logging in again")
	b.listener.Close()
	if _, err = b.session.EnsureValid(ctx); err != nil {
		b.log.Error().Err(err).Msg("Failed to log in to SmileBASIC Source")
		return
	}
	if err = b.listener.Start(ctx); err != nil {
		b.log.Error().Err(err).Msg("Failed to restart listener")
		return
	}
	b.log.Info().Msg("Listener restarted")
}

// serveAdmin runs the admin HTTP API until ctx is cancelled.
func (b *Bridge) serveAdmin(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      b.AdminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	b.log.Info().Str("addr", addr).Msg("Starting bridge admin API")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge admin API error: %w", err)
	}
	return nil
}
