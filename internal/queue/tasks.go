package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"saas-chatbot-widget/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	TaskVisitRecorded = "visit:recorded"
	TaskPopupEvent    = "popup:event"

	analyticsQueue = "low"
)

// Task creators
func NewWidgetEventTask(event models.WidgetEvent) (*asynq.Task, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	taskType := TaskPopupEvent
	if event.Type == models.EventVisitRecorded {
		taskType = TaskVisitRecorded
	}

	return asynq.NewTask(
		taskType,
		payload,
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
		asynq.Queue(analyticsQueue),
		// Retries reuse the event id, so the task id dedups enqueues too.
		asynq.TaskID(event.EventID),
	), nil
}

// EventPublisher hands widget analytics events off for persistence.
type EventPublisher interface {
	Publish(ctx context.Context, event models.WidgetEvent) error
}

// AsynqPublisher enqueues events for the worker.
type AsynqPublisher struct {
	client *asynq.Client
}

func NewAsynqPublisher(client *asynq.Client) *AsynqPublisher {
	return &AsynqPublisher{client: client}
}

func (p *AsynqPublisher) Publish(ctx context.Context, event models.WidgetEvent) error {
	task, err := NewWidgetEventTask(event)
	if err != nil {
		return fmt.Errorf("build %s task: %w", event.Type, err)
	}
	if _, err := p.client.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return nil
}

// NoopPublisher drops events; used when analytics is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, models.WidgetEvent) error { return nil }

// Task handlers

// EventSink stores widget events.
type EventSink interface {
	InsertEvent(ctx context.Context, event models.WidgetEvent) error
}

// MongoEventSink writes events to the widget_events collection.
type MongoEventSink struct {
	collection *mongo.Collection
}

func NewMongoEventSink(db *mongo.Database) *MongoEventSink {
	return &MongoEventSink{collection: db.Collection("widget_events")}
}

func (s *MongoEventSink) InsertEvent(ctx context.Context, event models.WidgetEvent) error {
	_, err := s.collection.InsertOne(ctx, event)
	if mongo.IsDuplicateKeyError(err) {
		// Already stored by an earlier attempt
		return nil
	}
	return err
}

type TaskProcessor struct {
	sink EventSink
}

func NewTaskProcessor(sink EventSink) *TaskProcessor {
	return &TaskProcessor{sink: sink}
}

func (p *TaskProcessor) ProcessWidgetEvent(ctx context.Context, t *asynq.Task) error {
	var event models.WidgetEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}
	if event.EventID == "" || event.AgentID == "" {
		return fmt.Errorf("event missing id or agent: %w", asynq.SkipRetry)
	}

	if err := p.sink.InsertEvent(ctx, event); err != nil {
		log.Printf("Failed to store widget event %s (%s): %v", event.EventID, event.Type, err)
		return err
	}
	return nil
}

// Register wires the handlers into mux.
func (p *TaskProcessor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskVisitRecorded, p.ProcessWidgetEvent)
	mux.HandleFunc(TaskPopupEvent, p.ProcessWidgetEvent)
}
