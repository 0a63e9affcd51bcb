package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Service ties the connection manager and the NATS consumer together behind
// the gateway's HTTP surface.
type Service struct {
	connectionManager *ConnectionManager
	eventConsumer     *EventConsumer
}

// Config holds configuration for the gateway service.
type Config struct {
	ConnectionConfig ConnectionConfig
	ConsumerConfig   ConsumerConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		ConsumerConfig:   DefaultConsumerConfig(),
	}
}

func NewService(config Config) (*Service, error) {
	connectionManager := NewConnectionManager(config.ConnectionConfig)

	eventConsumer, err := NewEventConsumer(connectionManager, config.ConsumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	return &Service{
		connectionManager: connectionManager,
		eventConsumer:     eventConsumer,
	}, nil
}

// Start runs the connection manager and consumer until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting session gateway service")

	go s.connectionManager.Start(ctx)
	go func() {
		if err := s.eventConsumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("event consumer failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("session gateway service shutting down")
	return s.Stop()
}

func (s *Service) Stop() error {
	if err := s.eventConsumer.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop event consumer")
	}
	log.Info().Msg("session gateway service stopped")
	return nil
}

// RegisterRoutes wires the WebSocket endpoint onto mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.HandleSessionConnection)
	log.Info().Msg("session gateway routes registered")
}

// HandleSessionConnection upgrades /ws?session=<id>&participant=<id> to a
// WebSocket following that session.
func (s *Service) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	sessionParam := r.URL.Query().Get("session")
	if sessionParam == "" {
		http.Error(w, "missing session query parameter", http.StatusBadRequest)
		return
	}
	sessionID, err := uuid.Parse(sessionParam)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	participantID := r.URL.Query().Get("participant")

	if err := s.connectionManager.UpgradeConnection(w, r, participantID, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("connection upgrade failed")
	}
}

// Stats reports gateway statistics.
func (s *Service) Stats() map[string]interface{} {
	stats := s.connectionManager.Stats()
	stats["service"] = "session_gateway"
	stats["status"] = "running"
	return stats
}
