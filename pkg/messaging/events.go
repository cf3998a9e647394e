package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects
const (
	// SubjectOrderPrefix is followed by the new order status, e.g. order.completed
	SubjectOrderPrefix = "order."
	// SubjectNotificationPrefix is followed by the user id
	SubjectNotificationPrefix = "notify."
	// SubjectJobPrefix is followed by the job type, e.g. jobs.transfer
	SubjectJobPrefix = "jobs."
)

// Event is the envelope every published message is wrapped in
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}

// OrderEvent is published on every order transition
type OrderEvent struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	TokenID string `json:"token_id"`
	Side    string `json:"side"`
	From    string `json:"from"`
	Status  string `json:"status"`
	Net     string `json:"net"`
	Reason  string `json:"reason,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// JobEvent tells idle workers that a job became available
type JobEvent struct {
	JobID string `json:"job_id"`
	Type  string `json:"type"`
}

// NewEvent wraps data in an envelope
func NewEvent(eventType, aggregateID string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:          uuid.New(),
		Type:        eventType,
		AggregateID: aggregateID,
		Timestamp:   time.Now().UTC(),
		Data:        raw,
	}, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
