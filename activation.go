package tandem

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/tandem/api"
	"pkt.systems/tandem/internal/botapi"
)

// activate runs when this instance becomes active. The leader runs it again
// after a failure, so every step is idempotent.
func (s *Server) activate(ctx context.Context) error {
	if !s.schemaReady.Load() {
		if err := s.backend.Migrate(ctx); err != nil {
			return fmt.Errorf("activate: migrate storage: %w", err)
		}
		s.schemaReady.Store(true)
		s.logger.Info("server.schema.ready")
	}
	if err := s.registerWebhook(ctx); err != nil {
		return err
	}
	s.startSweeper()
	return nil
}

// deactivate runs on demotion. Webhook ownership is dropped locally but the
// registration is left in place: the instance taking over registers the
// same URL and a delete from here could race with it.
func (s *Server) deactivate(context.Context) error {
	s.stopSweeper()
	s.webhookMu.Lock()
	s.webhook.Configured = false
	s.webhookMu.Unlock()
	s.logger.Info("server.webhook.released")
	return nil
}

func (s *Server) registerWebhook(ctx context.Context) error {
	s.registerMu.Lock()
	defer s.registerMu.Unlock()
	if s.Webhook().Configured {
		return nil
	}
	target := s.cfg.WebhookURL()
	if target == "" || s.registrar == nil {
		s.setWebhook(api.WebhookStatus{Configured: true, RegisteredAt: s.clock.Now()})
		s.logger.Info("server.webhook.registration_skipped", "reason", "no public url")
		return nil
	}
	redacted := redactWebhookURL(target, s.cfg.WebhookSecret)
	err := s.registrar.SetWebhook(ctx, botapi.WebhookConfig{
		URL:            target,
		SecretToken:    s.cfg.WebhookHeaderSecret,
		MaxConnections: s.cfg.QueueWorkers * 10,
		AllowedUpdates: []string{"message", "edited_message", "callback_query"},
	})
	if err != nil {
		s.setWebhook(api.WebhookStatus{URL: redacted, LastError: err.Error()})
		return fmt.Errorf("activate: register webhook: %w", err)
	}
	s.setWebhook(api.WebhookStatus{Configured: true, URL: redacted, RegisteredAt: s.clock.Now()})
	s.logger.Info("server.webhook.registered", "url", redacted)
	return nil
}

func (s *Server) setWebhook(status api.WebhookStatus) {
	s.webhookMu.Lock()
	s.webhook = status
	s.webhookMu.Unlock()
}

// SchemaReady reports whether storage migrations ran in this process.
func (s *Server) SchemaReady() bool {
	return s.schemaReady.Load()
}

// Webhook reports this instance's webhook ownership.
func (s *Server) Webhook() api.WebhookStatus {
	s.webhookMu.Lock()
	defer s.webhookMu.Unlock()
	return s.webhook
}

func redactWebhookURL(raw, secret string) string {
	if secret == "" {
		return raw
	}
	return strings.Replace(raw, secret, "<redacted>", 1)
}

// startSweeper launches the delivered-lock purge loop. It is a no-op when
// already running.
func (s *Server) startSweeper() {
	s.mu.Lock()
	if s.sweeperStop != nil || s.shutdown {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	s.sweeperStop = stopCh
	s.sweeperDone.Add(1)
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	s.logger.Debug("server.sweeper.start", "interval", interval, "retention", s.cfg.DeliveredRetention)
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				s.sweepDelivered(context.Background())
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) sweepDelivered(ctx context.Context) {
	if !s.state.Active() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SweeperInterval)
	defer cancel()
	before := s.clock.Now().Add(-s.cfg.DeliveredRetention)
	n, err := s.backend.PurgeDeliveryLocks(ctx, before)
	if err != nil {
		s.logger.Warn("server.sweeper.failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("server.sweeper.purged", "count", n, "before", before)
	}
}
