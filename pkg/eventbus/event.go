package eventbus

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// EventType is the topic an event is published on
type EventType string

const (
	// WorkerErrorEventType is raised by a worker channel when its process or transport fails
	WorkerErrorEventType EventType = "worker.error"
	// WorkerProcessFailedEventType is raised once a runtime is given up for the host's lifetime
	WorkerProcessFailedEventType EventType = "worker.process_failed"
)

// Event is anything that can go through the bus
type Event interface {
	Type() EventType
}

// WorkerErrorEvent reports a fault of one worker channel
type WorkerErrorEvent struct {
	WorkerID string
	Runtime  string
	Err      error
}

func (e WorkerErrorEvent) Type() EventType { return WorkerErrorEventType }

// WorkerProcessFailedEvent reports that a runtime reached its restart bound
type WorkerProcessFailedEvent struct {
	WorkerID string
	Runtime  string
	Err      error
}

func (e WorkerProcessFailedEvent) Type() EventType { return WorkerProcessFailedEventType }

// workerPayload is the serialized form of both worker events,
// errors only survive as their message
type workerPayload struct {
	WorkerID string `json:"workerId"`
	Runtime  string `json:"runtime"`
	Error    string `json:"error,omitempty"`
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func textError(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}

// encode serializes an event for the message payload
func encode(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case WorkerErrorEvent:
		return sonic.Marshal(workerPayload{WorkerID: ev.WorkerID, Runtime: ev.Runtime, Error: errorText(ev.Err)})
	case WorkerProcessFailedEvent:
		return sonic.Marshal(workerPayload{WorkerID: ev.WorkerID, Runtime: ev.Runtime, Error: errorText(ev.Err)})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, e)
	}
}

// decoders is the dispatch table from topic to payload decoder
var decoders = map[EventType]func([]byte) (Event, error){
	WorkerErrorEventType: func(data []byte) (Event, error) {
		p := workerPayload{}
		if err := sonic.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return WorkerErrorEvent{WorkerID: p.WorkerID, Runtime: p.Runtime, Err: textError(p.Error)}, nil
	},
	WorkerProcessFailedEventType: func(data []byte) (Event, error) {
		p := workerPayload{}
		if err := sonic.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return WorkerProcessFailedEvent{WorkerID: p.WorkerID, Runtime: p.Runtime, Err: textError(p.Error)}, nil
	},
}

func decode(t EventType, data []byte) (Event, error) {
	dec, ok := decoders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, t)
	}
	return dec(data)
}
