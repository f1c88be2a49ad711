package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mescon/Mediamend/internal/db"
	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/logger"
)

// subscriberBuffer is the per-subscriber channel size; events beyond it are dropped.
const subscriberBuffer = 100

// Publisher defines the interface for publishing events.
// This interface enables testing with mock implementations.
type Publisher interface {
	Publish(event domain.Event) error
	Subscribe(eventType domain.EventType, handler func(domain.Event))
}

// Ensure EventBus implements Publisher
var _ Publisher = (*EventBus)(nil)

type EventBus struct {
	db          *sql.DB
	subscribers map[domain.EventType][]chan domain.Event
	all         []chan domain.Event
	mu          sync.RWMutex
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewEventBus(db *sql.DB) *EventBus {
	return &EventBus{
		db:          db,
		subscribers: make(map[domain.EventType][]chan domain.Event),
		stopChan:    make(chan struct{}),
	}
}

// Publish stores the event and then hands it to subscribers without blocking.
func (eb *EventBus) Publish(event domain.Event) error {
	logger.Debugf("EventBus: Publishing event %s (AggregateID: %s)", event.EventType, event.AggregateID)

	// 1. Store event in database (source of truth)
	if event.EventData == nil {
		event.EventData = map[string]interface{}{}
	}
	eventDataJSON, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.EventVersion == 0 {
		event.EventVersion = 1
	}

	res, err := db.ExecWithRetry(context.Background(), eb.db, `
		INSERT INTO events (aggregate_type, aggregate_id, event_type, event_data, event_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.AggregateType, event.AggregateID, string(event.EventType), string(eventDataJSON), event.EventVersion, db.FormatTime(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	// 2. Publish to in-memory subscribers
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.EventType] {
		deliver(ch, event)
	}
	for _, ch := range eb.all {
		deliver(ch, event)
	}
	return nil
}

func deliver(ch chan domain.Event, event domain.Event) {
	select {
	case ch <- event:
	default:
		logger.Debugf("EventBus: subscriber buffer full, dropped %s", event.EventType)
	}
}

// Subscribe runs handler for every event of eventType on a dedicated goroutine.
func (eb *EventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	ch := make(chan domain.Event, subscriberBuffer)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	eb.mu.Unlock()

	eb.run(ch, handler)
}

// SubscribeAll runs handler for every published event regardless of type.
func (eb *EventBus) SubscribeAll(handler func(domain.Event)) {
	ch := make(chan domain.Event, subscriberBuffer)

	eb.mu.Lock()
	eb.all = append(eb.all, ch)
	eb.mu.Unlock()

	eb.run(ch, handler)
}

func (eb *EventBus) run(ch chan domain.Event, handler func(domain.Event)) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event := <-ch:
				handler(event)
			case <-eb.stopChan:
				return
			}
		}
	}()
}

// Recent returns up to limit events, newest first.
func (eb *EventBus) Recent(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryWithRetry(ctx, eb.db, `
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, event_version, created_at
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var data, createdAt string
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &data, &e.EventVersion, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &e.EventData); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
		}
		if e.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse event %d time: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Shutdown stops all subscriber goroutines and waits for them to finish
func (eb *EventBus) Shutdown() {
	eb.stopOnce.Do(func() { close(eb.stopChan) })
	eb.wg.Wait()
	logger.Infof("EventBus shutdown complete")
}
