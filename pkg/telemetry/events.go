package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Event is a job lifecycle notification.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	JobID    string `json:"job_id,omitempty"`
	JobType  string `json:"job_type,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Phase    string `json:"phase,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types published by the worker and orchestrators.
const (
	EventTypeJobQueued     = "job.queued"
	EventTypeJobStarted    = "job.started"
	EventTypeJobPhase      = "job.phase"
	EventTypeJobCompleted  = "job.completed"
	EventTypeJobFailed     = "job.failed"
	EventTypeJobCancelled  = "job.cancelled"
	EventTypePolicyDenied  = "policy.denied"
	EventTypeDeviceOffline = "device.offline"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans job events out to in-process subscribers and,
// when configured, to NATS under SubjectPrefix.<type>.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	conn        *nats.Conn
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closeOnce   sync.Once
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, size),
		done:   make(chan struct{}),
	}

	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL,
			nats.Name("srxops-events"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("event bus disconnected")
				}
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to event bus: %w", err)
		}
		ep.conn = conn
	}

	ep.wg.Add(1)
	go ep.processEvents()

	return ep, nil
}

// Publish queues an event for delivery. A full buffer drops the event.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// PublishJobQueued publishes a job queued event.
func (ep *EventPublisher) PublishJobQueued(jobID, jobType, deviceID, requestedBy string) error {
	return ep.Publish(Event{
		Type:     EventTypeJobQueued,
		JobID:    jobID,
		JobType:  jobType,
		DeviceID: deviceID,
		Message:  fmt.Sprintf("%s job %s queued by %s", jobType, jobID, requestedBy),
		Level:    EventLevelInfo,
		Data:     map[string]interface{}{"requested_by": requestedBy},
	})
}

// PublishJobStarted publishes a job started event.
func (ep *EventPublisher) PublishJobStarted(jobID, jobType, deviceID, hostname string) error {
	return ep.Publish(Event{
		Type:     EventTypeJobStarted,
		JobID:    jobID,
		JobType:  jobType,
		DeviceID: deviceID,
		Hostname: hostname,
		Message:  fmt.Sprintf("%s job %s started on %s", jobType, jobID, hostname),
		Level:    EventLevelInfo,
	})
}

// PublishJobPhase publishes a progress event for a multi-phase job.
func (ep *EventPublisher) PublishJobPhase(jobID, jobType, deviceID, phase string) error {
	return ep.Publish(Event{
		Type:     EventTypeJobPhase,
		JobID:    jobID,
		JobType:  jobType,
		DeviceID: deviceID,
		Phase:    phase,
		Message:  fmt.Sprintf("%s job %s entered %s", jobType, jobID, phase),
		Level:    EventLevelInfo,
	})
}

// PublishJobFinished publishes the terminal event for a job.
func (ep *EventPublisher) PublishJobFinished(jobID, jobType, deviceID, status, errMsg string, duration time.Duration) error {
	event := Event{
		JobID:    jobID,
		JobType:  jobType,
		DeviceID: deviceID,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	}

	switch status {
	case "success":
		event.Type = EventTypeJobCompleted
		event.Level = EventLevelInfo
		event.Message = fmt.Sprintf("%s job %s succeeded", jobType, jobID)
	case "cancelled":
		event.Type = EventTypeJobCancelled
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("%s job %s cancelled", jobType, jobID)
	default:
		event.Type = EventTypeJobFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("%s job %s failed: %s", jobType, jobID, errMsg)
		event.Data["error"] = errMsg
	}

	return ep.Publish(event)
}

// PublishPolicyDenied publishes a policy gate denial.
func (ep *EventPublisher) PublishPolicyDenied(jobID, deviceID, gate string, reasons []string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyDenied,
		JobID:    jobID,
		DeviceID: deviceID,
		Message:  fmt.Sprintf("%s blocked by policy", gate),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"gate":    gate,
			"reasons": reasons,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// Subject returns the NATS subject for an event type.
func (ep *EventPublisher) Subject(eventType string) string {
	if ep.config.SubjectPrefix == "" {
		return eventType
	}
	return ep.config.SubjectPrefix + "." + eventType
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.done:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}

	if ep.conn == nil {
		log.Debug().Str("type", event.Type).Str("job_id", event.JobID).Msg(event.Message)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("failed to encode event")
		return
	}
	if err := ep.conn.Publish(ep.Subject(event.Type), data); err != nil {
		log.Warn().Err(err).Str("type", event.Type).Msg("failed to publish event")
	}
}

// Shutdown drains queued events and closes the bus connection.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}

	if ep.conn != nil {
		if err := ep.conn.Drain(); err != nil {
			ep.conn.Close()
			return fmt.Errorf("failed to drain event bus: %w", err)
		}
	}
	return nil
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByJobID creates a filter that only allows events for a specific job.
func FilterByJobID(jobID string) EventFilter {
	return func(event Event) bool {
		return event.JobID == jobID
	}
}
