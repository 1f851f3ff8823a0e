// Package server wires the session registry, ingestion, broadcaster, event
// bus and HTTP surface into one process and drives their lifecycle.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/switchboard/pkg/api"
	"github.com/go-go-golems/switchboard/pkg/broadcast"
	"github.com/go-go-golems/switchboard/pkg/commands"
	"github.com/go-go-golems/switchboard/pkg/config"
	"github.com/go-go-golems/switchboard/pkg/credstore"
	"github.com/go-go-golems/switchboard/pkg/eventbus"
	"github.com/go-go-golems/switchboard/pkg/ingest"
	"github.com/go-go-golems/switchboard/pkg/media"
	"github.com/go-go-golems/switchboard/pkg/messagestore"
	"github.com/go-go-golems/switchboard/pkg/session"
	"github.com/go-go-golems/switchboard/pkg/sessionsfile"
	"github.com/go-go-golems/switchboard/pkg/transport"
	"github.com/go-go-golems/switchboard/pkg/transport/loopback"
	"github.com/go-go-golems/switchboard/pkg/webhook"
)

const (
	shutdownTimeout   = 30 * time.Second
	mediaFetchTimeout = 60 * time.Second
	credentialsDBFile = "credentials.db"
)

type Option func(*Server)

// WithFactory replaces the loopback transport.
func WithFactory(f transport.Factory) Option {
	return func(s *Server) { s.factory = f }
}

type Server struct {
	settings config.Settings
	factory  transport.Factory

	hub      *broadcast.Hub
	store    *messagestore.Store
	bus      *eventbus.Bus
	creds    credstore.Store
	registry *session.Registry
	commands *commands.Service
	webhook  *webhook.Dispatcher
	watcher  *sessionsfile.Watcher
	handler  *api.Handler
	httpSrv  *http.Server

	closeOnce sync.Once
}

func New(ctx context.Context, settings config.Settings, opts ...Option) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	s := &Server{settings: settings}
	for _, o := range opts {
		o(s)
	}
	if s.factory == nil {
		s.factory = loopback.NewFactory(loopback.Options{
			PairDelay: settings.LoopbackPairDelay,
			Echo:      settings.LoopbackEcho,
		})
	}

	var err error
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.hub = broadcast.NewHub(broadcast.Options{ProbeInterval: settings.ProbeInterval})
	s.store = messagestore.New(settings.HistoryLimit)
	if s.bus, err = eventbus.New(ctx, settings.Redis); err != nil {
		return nil, errors.Wrap(err, "event bus")
	}
	if s.creds, err = openCredentials(settings); err != nil {
		return nil, err
	}

	mediaStore, err := media.NewStore(settings.MediaDir, "/media/")
	if err != nil {
		return nil, err
	}

	pipeline := ingest.New(ingest.Options{
		Store:         s.store,
		Publisher:     s.hub,
		Bus:           s.bus,
		Media:         mediaStore,
		AutoRead:      settings.AutoRead,
		AutoReply:     settings.AutoReply,
		ReplyGreeting: settings.AutoReplyGreeting,
	})
	s.registry, err = session.NewRegistry(ctx, session.Options{
		Factory:     s.factory,
		Credentials: s.creds,
		Publisher:   lifecyclePublisher{hub: s.hub, bus: s.bus},
		Handler:     pipeline,
		NewBackOff:  session.ReconnectPolicy(settings.ReconnectDelay, settings.ReconnectMaxDelay),
	})
	if err != nil {
		return nil, errors.Wrap(err, "session registry")
	}
	pipeline.SetClients(s.registry)

	s.commands, err = commands.NewService(commands.Options{
		Sessions:       s.registry,
		Fetcher:        media.NewFetcher(mediaFetchTimeout, settings.MediaMaxBytes),
		Address:        settings.AddressPolicy(),
		ConnectTimeout: settings.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	if settings.WebhookURL != "" {
		s.webhook, err = webhook.NewDispatcher(webhook.Options{
			URL:        settings.WebhookURL,
			Secret:     settings.WebhookSecret,
			Timeout:    settings.WebhookTimeout,
			MaxRetries: settings.WebhookMaxRetries,
		})
		if err != nil {
			return nil, err
		}
	}
	if settings.SessionsFile != "" {
		if s.watcher, err = sessionsfile.NewWatcher(settings.SessionsFile, s.registry); err != nil {
			return nil, err
		}
	}

	s.handler, err = api.NewHandler(api.Options{
		Sessions:       s.registry,
		History:        s.store,
		Commands:       s.commands,
		Observers:      s.hub,
		Media:          mediaStore,
		DefaultSession: settings.DefaultSession,
	})
	if err != nil {
		return nil, err
	}
	s.httpSrv = &http.Server{
		Addr:              settings.ListenAddr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func openCredentials(settings config.Settings) (credstore.Store, error) {
	switch settings.CredentialsBackend {
	case config.BackendSQLite:
		dsn := settings.CredentialsDSN
		if dsn == "" {
			if err := os.MkdirAll(settings.SessionDir, 0o755); err != nil {
				return nil, errors.Wrap(err, "create session dir")
			}
			var err error
			if dsn, err = credstore.SQLiteDSNForFile(filepath.Join(settings.SessionDir, credentialsDBFile)); err != nil {
				return nil, err
			}
		}
		store, err := credstore.NewSQLiteStore(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite credentials")
		}
		return store, nil
	default:
		store, err := credstore.NewFileStore(settings.SessionDir)
		if err != nil {
			return nil, errors.Wrap(err, "open file credentials")
		}
		return store, nil
	}
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Registry() *session.Registry { return s.registry }

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// StartSessions starts the default session and every AUTOSTART_SESSIONS id.
func (s *Server) StartSessions(ctx context.Context) {
	for _, id := range s.settings.SessionsToStart() {
		if _, err := s.registry.Start(ctx, id); err != nil {
			log.Warn().Err(err).Str("component", "server").Str("session_id", id).Msg("autostart failed")
		}
	}
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// everything down.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	eg, egCtx := errgroup.WithContext(srvCtx)

	s.StartSessions(srvCtx)

	eg.Go(func() error { return s.hub.Run(egCtx) })

	if s.webhook != nil {
		msgs, err := s.bus.Subscribe(egCtx)
		if err != nil {
			return errors.Wrap(err, "subscribe webhook")
		}
		eg.Go(func() error { return s.webhook.Run(egCtx, msgs) })
	}
	if s.watcher != nil {
		eg.Go(func() error { return s.watcher.Run(egCtx) })
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-egCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		if err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		s.close()
		log.Info().Msg("server shutdown complete")
		return err
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting switchboard server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

// close releases everything New opened, once. Safe to call on a partially
// built server.
func (s *Server) close() {
	s.closeOnce.Do(s.release)
}

func (s *Server) release() {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			log.Error().Err(err).Msg("session registry close error")
		}
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			log.Error().Err(err).Msg("event bus close error")
		}
	}
	if s.creds != nil {
		if err := s.creds.Close(); err != nil {
			log.Error().Err(err).Msg("credential store close error")
		}
	}
}

// Close releases resources of a server that is not running.
func (s *Server) Close() {
	if s != nil {
		s.close()
	}
}

// lifecyclePublisher sends session notifications to live observers and to
// the event bus.
type lifecyclePublisher struct {
	hub *broadcast.Hub
	bus *eventbus.Bus
}

func (p lifecyclePublisher) Publish(topic string, payload any) error {
	sessionID := ""
	switch v := payload.(type) {
	case session.Session:
		sessionID = v.ID
	case session.QRNotification:
		sessionID = v.SessionID
	}
	if err := p.bus.Publish(context.Background(), topic, sessionID, payload); err != nil {
		log.Warn().Err(err).Str("component", "server").Str("session_id", sessionID).Str("topic", topic).Msg("bus publish failed")
	}
	return p.hub.Publish(topic, payload)
}
