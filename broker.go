package syncline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults applied to direct notifications that omit fields.
const (
	defaultNotificationType    = "general"
	defaultNotificationTitle   = "CRM Update"
	defaultNotificationMessage = "You have a new update in the CRM."
	defaultTargetRole          = "all"
)

// BrokerStats counts broker activity since process start.
type BrokerStats struct {
	EventsIngested int64 `json:"events_ingested"`
	EventsIgnored  int64 `json:"events_ignored"`
	Broadcasts     int64 `json:"broadcasts"`
	LiveDeliveries int64 `json:"live_deliveries"`
	LiveFailures   int64 `json:"live_failures"`
	PushCalls      int64 `json:"push_calls"`
	PushFailures   int64 `json:"push_failures"`
	TokensPruned   int64 `json:"tokens_pruned"`
}

// Broker turns external edit events into fan-out notifications. It keeps no
// message history; everything is best-effort delivery to whoever is
// registered right now.
type Broker struct {
	engine   *RuleEngine
	registry *Registry
	push     PushProvider
	log      *slog.Logger

	wg sync.WaitGroup

	eventsIngested atomic.Int64
	eventsIgnored  atomic.Int64
	broadcasts     atomic.Int64
	liveDeliveries atomic.Int64
	liveFailures   atomic.Int64
	pushCalls      atomic.Int64
	pushFailures   atomic.Int64
	tokensPruned   atomic.Int64
}

// NewBroker creates a broker. push may be nil to disable the push leg;
// logger may be nil for the default logger.
func NewBroker(engine *RuleEngine, registry *Registry, push PushProvider, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		engine:   engine,
		registry: registry,
		push:     push,
		log:      logger,
	}
}

// IngestEditEvent classifies an external edit event and schedules fan-out.
// Events missing required fields, or matching no rule, produce no
// notification and no error: the integration is never blocked by this
// service's own rules.
func (b *Broker) IngestEditEvent(ev EditEvent) {
	if ev.SourceName == "" || len(ev.RowSnapshot) == 0 {
		b.eventsIgnored.Add(1)
		return
	}

	notification, err := b.engine.Classify(ev)
	if err != nil {
		b.eventsIgnored.Add(1)
		b.log.Warn("edit event dropped", "source", ev.SourceName, "column", ev.ColumnIndex, "err", err)
		return
	}
	if notification == nil {
		b.eventsIgnored.Add(1)
		return
	}

	b.eventsIngested.Add(1)
	b.schedule(*notification)
}

// IngestDirectNotification treats the caller-supplied payload as the event
// verbatim, filling in defaults for absent type, title, and target.
func (b *Broker) IngestDirectNotification(payload NotificationEvent) {
	if payload.Type == "" {
		payload.Type = defaultNotificationType
	}
	if payload.Title == "" {
		payload.Title = defaultNotificationTitle
	}
	if payload.Message == "" {
		payload.Message = defaultNotificationMessage
	}
	if payload.TargetRole == "" && payload.TargetUser == "" {
		payload.TargetRole = defaultTargetRole
	}
	if payload.Priority == "" {
		payload.Priority = PriorityMedium
	}

	b.eventsIngested.Add(1)
	b.schedule(payload)
}

// schedule stamps the broadcast time and hands the event to a fan-out
// goroutine, so ingress returns before any delivery work happens.
func (b *Broker) schedule(ev NotificationEvent) {
	ev.CreatedAt = time.Now().UTC()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("fan-out panic recovered", "type", ev.Type, "panic", r)
			}
		}()
		b.fanOut(context.Background(), ev)
	}()
}

// Wait blocks until all scheduled fan-out work has finished. Used by
// shutdown and by tests; ingress callers never wait.
func (b *Broker) Wait() {
	b.wg.Wait()
}

// fanOut delivers one event to every live connection and, when a provider is
// configured, to all registered tokens in one multicast call. Every failure
// here is logged and absorbed.
func (b *Broker) fanOut(ctx context.Context, ev NotificationEvent) {
	b.broadcasts.Add(1)

	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("marshal notification", "type", ev.Type, "err", err)
		return
	}

	snap := b.registry.Snapshot()

	for _, conn := range snap.Connections {
		if err := conn.Send(payload); err != nil {
			b.liveFailures.Add(1)
			b.log.Warn("live delivery failed", "type", ev.Type, "err", err)
			continue
		}
		b.liveDeliveries.Add(1)
	}

	if b.push == nil || len(snap.Tokens) == 0 {
		return
	}

	b.pushCalls.Add(1)
	results, err := b.push.Send(ctx, PushMessage{
		Summary: PushSummary{Title: ev.Title, Body: ev.Message},
		Data:    flattenEventData(&ev),
		Tokens:  snap.Tokens,
	})
	if err != nil {
		b.pushFailures.Add(1)
		b.log.Warn("multicast push failed", "type", ev.Type, "tokens", len(snap.Tokens), "err", err)
		return
	}

	for _, res := range results {
		derr := res.Err()
		if derr == nil {
			continue
		}
		if derr.Permanent {
			b.registry.UnregisterToken(derr.Token)
			b.tokensPruned.Add(1)
			b.log.Info("pruned push token", "code", derr.Code)
			continue
		}
		// Transient: the next broadcast re-attempts naturally.
		b.log.Warn("push delivery failed", "type", ev.Type, "err", derr)
	}
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		EventsIngested: b.eventsIngested.Load(),
		EventsIgnored:  b.eventsIgnored.Load(),
		Broadcasts:     b.broadcasts.Load(),
		LiveDeliveries: b.liveDeliveries.Load(),
		LiveFailures:   b.liveFailures.Load(),
		PushCalls:      b.pushCalls.Load(),
		PushFailures:   b.pushFailures.Load(),
		TokensPruned:   b.tokensPruned.Load(),
	}
}
