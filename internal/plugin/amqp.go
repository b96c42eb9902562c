package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"

	"github.com/taskqd/taskqd/pkg/logger"
)

// Event routing keys published by the AMQP sink.
const (
	EventTaskAdded     = "task.added"
	EventTaskEdited    = "task.edited"
	EventTaskStarted   = "task.started"
	EventTaskStopped   = "task.stopped"
	EventUserAdded     = "user.added"
	EventUserEdited    = "user.edited"
	EventPluginAdded   = "plugin.added"
	EventPluginRemoved = "plugin.removed"
	EventOptionEdited  = "option.edited"
)

// eventExchange is the topic exchange every event is published to.
const eventExchange = "taskqd.events"

// Event is the wire form of a published event.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// AMQPSink forwards domain events to a RabbitMQ topic exchange. It is the
// built-in plugin enabled by the Plugin.amqp.url option.
type AMQPSink struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *logger.Logger
}

// NewAMQPSink connects to the broker and declares the event exchange.
func NewAMQPSink(url string, log *logger.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(eventExchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", eventExchange, err)
	}

	return &AMQPSink{
		conn:    conn,
		channel: channel,
		logger:  log.WithComponent("amqp-sink"),
	}, nil
}

// Close tears the connection down.
func (a *AMQPSink) Close() error {
	a.channel.Close()
	return a.conn.Close()
}

func (a *AMQPSink) publish(eventType string, data any) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	body, err := json.Marshal(event)
	if err != nil {
		a.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = a.channel.PublishWithContext(ctx,
		eventExchange, // exchange
		eventType,     // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		a.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to publish event")
		return
	}

	a.logger.Debug().Str("event_type", eventType).Str("event_id", event.ID).Msg("event published")
}

func (a *AMQPSink) OnAddTask(id int64)   { a.publish(EventTaskAdded, map[string]any{"_id": id}) }
func (a *AMQPSink) OnStartTask(id int64) { a.publish(EventTaskStarted, map[string]any{"_id": id}) }
func (a *AMQPSink) OnStopTask(id int64)  { a.publish(EventTaskStopped, map[string]any{"_id": id}) }
func (a *AMQPSink) OnAddUser(id int64)   { a.publish(EventUserAdded, map[string]any{"_id": id}) }

func (a *AMQPSink) OnEditTask(id int64, changes map[string]any) {
	a.publish(EventTaskEdited, map[string]any{"_id": id, "changes": changes})
}

func (a *AMQPSink) OnEditUser(id int64, changes map[string]any) {
	a.publish(EventUserEdited, map[string]any{"_id": id, "changes": changes})
}

func (a *AMQPSink) OnAddPlugin(name string) {
	a.publish(EventPluginAdded, map[string]any{"name": name})
}

func (a *AMQPSink) OnRemovePlugin(name string) {
	a.publish(EventPluginRemoved, map[string]any{"name": name})
}

func (a *AMQPSink) OnEditOption(key, value string) {
	a.publish(EventOptionEdited, map[string]any{"key": key, "value": value})
}
