package channel

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tass-io/langworker/pkg/function"
	"go.uber.org/zap"
)

// ErrFunctionNotLoaded is returned to the host when it invokes a function the worker never loaded
var ErrFunctionNotLoaded = errors.New("function not loaded")

// Handler runs one invocation inside a worker process
type Handler func(fn function.Metadata, parameters map[string]interface{}) (map[string]interface{}, error)

// EchoHandler returns the parameters plus the function name
func EchoHandler(fn function.Metadata, parameters map[string]interface{}) (map[string]interface{}, error) {
	out := copyMap(parameters)
	out["function"] = fn.Name
	return out, nil
}

// Wrapper is the worker side of the frame protocol,
// here the Consumer and Producer roles are exchanged
type Wrapper struct {
	consumer  *Consumer
	producer  *Producer
	handler   Handler
	functions map[string]function.Metadata
}

// NewWrapper speaks the protocol over the given pipes
func NewWrapper(requests io.ReadCloser, responses io.WriteCloser, handler Handler) *Wrapper {
	w := &Wrapper{
		consumer:  NewConsumer(requests),
		handler:   handler,
		functions: make(map[string]function.Metadata),
	}
	w.producer = NewProducer(responses, func(err error) {
		zap.S().Errorw("worker write error", "err", err)
		w.consumer.Terminate()
	})
	return w
}

// NewPipeWrapper uses the pipes a process channel hands to its child, fd 3 and fd 4
func NewPipeWrapper(handler Handler) *Wrapper {
	requests := os.NewFile(uintptr(3), "requests")
	responses := os.NewFile(uintptr(4), "responses")
	return NewWrapper(requests, responses, handler)
}

// Serve answers frames until the host closes the request pipe
func (w *Wrapper) Serve() error {
	w.consumer.Start()
	if err := w.producer.Start(); err != nil {
		return err
	}
	defer w.producer.Terminate()
	for f := range w.consumer.Frames() {
		zap.S().Debugw("worker get frame", "type", f.Type, "id", f.ID)
		if err := w.producer.Send(w.handle(f)); err != nil {
			return err
		}
	}
	if err := w.consumer.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (w *Wrapper) handle(f Frame) Frame {
	switch f.Type {
	case FrameLoad:
		if f.Function == nil || f.Function.Name == "" {
			return Frame{Type: FrameLoaded, ID: f.ID, Error: "load without function"}
		}
		w.functions[f.Function.Name] = *f.Function
		return Frame{Type: FrameLoaded, ID: f.ID}
	case FrameInvoke:
		fn, ok := w.functions[f.Name]
		if !ok {
			return Frame{Type: FrameResult, ID: f.ID, Error: fmt.Sprintf("%v: %s", ErrFunctionNotLoaded, f.Name)}
		}
		result, err := w.handler(fn, f.Parameters)
		if err != nil {
			return Frame{Type: FrameResult, ID: f.ID, Error: err.Error()}
		}
		return Frame{Type: FrameResult, ID: f.ID, Result: result}
	default:
		return Frame{Type: FrameResult, ID: f.ID, Error: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
}
