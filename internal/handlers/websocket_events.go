package handlers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/skrapp/internal/interfaces"
)

// progressInterval caps job_progress broadcasts. Engines flush counters
// every few seconds per job; with many jobs running the bus is chattier
// than any dashboard needs.
const progressInterval = time.Second

// EventSubscriber bridges the internal event bus to the WebSocket hub
type EventSubscriber struct {
	handler      *WebSocketHandler
	eventService interfaces.EventService
	logger       arbor.ILogger
	progress     *rate.Limiter
}

// NewEventSubscriber creates an event subscriber and registers it for all
// job lifecycle events
func NewEventSubscriber(handler *WebSocketHandler, eventService interfaces.EventService, logger arbor.ILogger) *EventSubscriber {
	s := &EventSubscriber{
		handler:      handler,
		eventService: eventService,
		logger:       logger,
		progress:     rate.NewLimiter(rate.Every(progressInterval), 1),
	}

	if eventService == nil {
		logger.Warn().Msg("EventSubscriber created with nil event service - broadcasts disabled")
		return s
	}

	s.eventService.Subscribe(interfaces.EventJobUpdated, s.handleJobUpdated)
	s.eventService.Subscribe(interfaces.EventJobProgress, s.handleJobProgress)
	s.eventService.Subscribe(interfaces.EventJobLogged, s.handleJobLogged)
	logger.Info().Msg("EventSubscriber registered for job lifecycle events")

	return s
}

// Unsubscribe removes all event subscriptions
func (s *EventSubscriber) Unsubscribe() {
	if s.eventService == nil {
		return
	}
	s.eventService.Unsubscribe(interfaces.EventJobUpdated, s.handleJobUpdated)
	s.eventService.Unsubscribe(interfaces.EventJobProgress, s.handleJobProgress)
	s.eventService.Unsubscribe(interfaces.EventJobLogged, s.handleJobLogged)
}

func (s *EventSubscriber) handleJobUpdated(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		s.logger.Warn().Msg("Invalid job update event payload type")
		return nil
	}

	s.handler.BroadcastJobUpdate(JobStatusUpdate{
		JobID:        getString(payload, "job_id"),
		State:        getString(payload, "state"),
		RestartCount: getInt(payload, "restart_count"),
		LastError:    getString(payload, "last_error"),
		Timestamp:    time.Now(),
	})
	return nil
}

func (s *EventSubscriber) handleJobProgress(ctx context.Context, event interfaces.Event) error {
	if !s.progress.Allow() {
		return nil
	}

	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		s.logger.Warn().Msg("Invalid job progress event payload type")
		return nil
	}

	s.handler.BroadcastJobProgress(JobProgressUpdate{
		JobID:        getString(payload, "job_id"),
		State:        getString(payload, "state"),
		PagesFetched: getInt(payload, "pages_fetched"),
		PagesPassed:  getInt(payload, "pages_passed"),
		PagesFailed:  getInt(payload, "pages_failed"),
		DupCount:     getInt(payload, "dup_count"),
		ErrorCount:   getInt(payload, "error_count"),
		Timestamp:    time.Now(),
	})
	return nil
}

func (s *EventSubscriber) handleJobLogged(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		s.logger.Warn().Msg("Invalid job log event payload type")
		return nil
	}

	s.handler.BroadcastJobLog(JobLogUpdate{
		JobID:     getString(payload, "job_id"),
		Level:     getString(payload, "level"),
		Type:      getString(payload, "type"),
		Message:   getString(payload, "message"),
		Timestamp: time.Now(),
	})
	return nil
}

func getString(payload map[string]interface{}, key string) string {
	if val, ok := payload[key].(string); ok {
		return val
	}
	return ""
}

func getInt(payload map[string]interface{}, key string) int {
	switch val := payload[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}
