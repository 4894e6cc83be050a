package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius/postgres/models"
)

// Entry is an event before it is persisted.
type Entry struct {
	Type         string
	Severity     string
	Title        string
	Description  string
	Subcomponent string
	EntityType   string
	EntityID     string
	Metadata     map[string]interface{}
}

// Recorder writes events for one service. Record is synchronous and is used
// for trust-control events that must be committed before the caller
// continues; Buffer batches lifecycle events.
type Recorder struct {
	db      *gorm.DB
	service string
}

func NewRecorder(db *gorm.DB, service string) *Recorder {
	return &Recorder{db: db, service: service}
}

// Record inserts the event immediately.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	return r.RecordTx(r.db.WithContext(ctx), e)
}

// RecordTx inserts the event inside an existing transaction.
func (r *Recorder) RecordTx(tx *gorm.DB, e Entry) error {
	event := r.convert(e)
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("failed to record %s event: %w", e.Type, err)
	}
	slog.Debug("Recorded event", "event_type", event.EventType, "entity_type", event.EntityType, "entity_id", event.EntityID)
	return nil
}

func (r *Recorder) convert(e Entry) models.Event {
	now := time.Now().UTC()

	severity := e.Severity
	if !models.IsValidSeverity(severity) {
		severity = models.SeverityInfo
	}

	title := e.Title
	if title == "" {
		title = e.Type
	}
	if len(title) > 255 {
		title = title[:252] + "..."
	}

	var metadata map[string]interface{}
	if len(e.Metadata) > 0 {
		metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			metadata[k] = v
		}
	}

	return models.Event{
		EventID:      "evt_" + uuid.NewString(),
		Timestamp:    now,
		Service:      r.service,
		Subcomponent: e.Subcomponent,
		EventType:    e.Type,
		Severity:     severity,
		Title:        title,
		Description:  e.Description,
		Metadata:     metadata,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		CreatedAt:    now,
	}
}

// Buffer batches events and flushes them on an interval or when full.
// Losing buffered events on a crash is acceptable for what it carries.
type Buffer struct {
	recorder      *Recorder
	buffer        []models.Event
	mutex         sync.Mutex
	stopChan      chan struct{}
	done          chan struct{}
	flushInterval time.Duration
	bufferSize    int
}

// NewBuffer starts the flush routine; call Close to stop it.
func NewBuffer(recorder *Recorder, flushInterval time.Duration, bufferSize int) *Buffer {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	b := &Buffer{
		recorder:      recorder,
		buffer:        make([]models.Event, 0, bufferSize),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
	}
	go b.flushRoutine()
	return b
}

// Add buffers an event for batch insertion.
func (b *Buffer) Add(e Entry) {
	event := b.recorder.convert(e)

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.buffer = append(b.buffer, event)
	if len(b.buffer) >= b.bufferSize {
		b.flushLocked()
	}
}

// Flush writes all buffered events.
func (b *Buffer) Flush() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.flushLocked()
}

// flushLocked flushes the buffer. Caller must hold the mutex.
func (b *Buffer) flushLocked() error {
	if len(b.buffer) == 0 {
		return nil
	}
	if err := b.recorder.db.CreateInBatches(b.buffer, len(b.buffer)).Error; err != nil {
		// Kept for the next flush.
		slog.Error("Failed to flush events", "count", len(b.buffer), "error", err)
		return err
	}
	slog.Debug("Flushed events", "count", len(b.buffer))
	b.buffer = b.buffer[:0]
	return nil
}

func (b *Buffer) flushRoutine() {
	defer close(b.done)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopChan:
			b.Flush()
			return
		}
	}
}

// Close stops the flush routine after a final flush.
func (b *Buffer) Close() error {
	close(b.stopChan)
	<-b.done
	return nil
}
