package channel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/tass-io/langworker/pkg/function"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// The data stream between the host and a worker process:
//
//           |   +-----------------------------+    ^
//           |   |       process channel       |    |
//           |   +-----+-----------------------+    |
//           |         |                  ^         |
//           |         v                  |         |
//           |   +----------+       +-----+----+    |
//           |   | producer |       | consumer |    |
//   request |   +----------+       +----------+    | response
//           |         |                  ^         |
//           |         |            bytes |         |
//           |         |            +-----+----+    |
//           |         +----------->|  worker  |    |
//           v              bytes   +----------+    |
//
// Every frame is an 8 byte big endian length followed by the content.
// The first frame in each direction is "ping", the others are JSON frames.

// ping tells the other side that the writer is ready
var ping = []byte("ping")

// frame types
const (
	FrameLoad   = "load"
	FrameLoaded = "loaded"
	FrameInvoke = "invoke"
	FrameResult = "result"
)

const maxFrameSize = 64 << 20

// Frame is one message of the worker protocol
type Frame struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id,omitempty"`
	Function   *function.Metadata     `json:"function,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func int64ToBytes(i int64) []byte {
	var buf = make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}

func writeFrame(w io.Writer, data []byte) error {
	if _, err := w.Write(int64ToBytes(int64(len(data)))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, 8) // 8 bytes for int64 length
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	size := bytesToInt64(head)
	if size < 0 || size > maxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d", ErrMalformedFrame, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

// decodeFrame peeks the type before decoding so garbage is rejected early
func decodeFrame(data []byte) (Frame, error) {
	f := Frame{}
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() || typ.String() == "" {
		return f, fmt.Errorf("%w: no type in %q", ErrMalformedFrame, truncate(data))
	}
	if err := sonic.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

func truncate(data []byte) string {
	if len(data) > 64 {
		return string(data[:64]) + "..."
	}
	return string(data)
}

// Producer waits for frames and writes them to the pipe
type Producer struct {
	w        io.WriteCloser
	requests chan Frame
	done     chan struct{}
	once     sync.Once
	errs     func(error)
}

// NewProducer creates a producer on the write end of a pipe,
// errs is called when a write fails
func NewProducer(w io.WriteCloser, errs func(error)) *Producer {
	if errs == nil {
		errs = func(error) {}
	}
	return &Producer{
		w:        w,
		requests: make(chan Frame, 64),
		done:     make(chan struct{}),
		errs:     errs,
	}
}

// Start writes the ping and starts the write loop
func (p *Producer) Start() error {
	if err := writeFrame(p.w, ping); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case f := <-p.requests:
				data, err := sonic.Marshal(&f)
				if err != nil {
					zap.S().Errorw("producer marshal error", "type", f.Type, "id", f.ID, "err", err)
					continue
				}
				if err := writeFrame(p.w, data); err != nil {
					p.errs(err)
					p.Terminate()
					return
				}
			case <-p.done:
				zap.S().Debug("producer close")
				return
			}
		}
	}()
	return nil
}

// Send queues a frame, it fails once the producer is terminated
func (p *Producer) Send(f Frame) error {
	select {
	case <-p.done:
		return ErrChannelNotServing
	default:
	}
	select {
	case p.requests <- f:
		return nil
	case <-p.done:
		return ErrChannelNotServing
	}
}

// Terminate stops the write loop and closes the pipe
func (p *Producer) Terminate() {
	p.once.Do(func() {
		close(p.done)
		p.w.Close()
	})
}

// Consumer reads frames from the pipe. The first frame must be the ping,
// it is reported on InitDone and not delivered.
type Consumer struct {
	r        io.ReadCloser
	frames   chan Frame
	initDone chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	err      error
}

// NewConsumer creates a consumer on the read end of a pipe
func NewConsumer(r io.ReadCloser) *Consumer {
	return &Consumer{
		r:        r,
		frames:   make(chan Frame, 16),
		initDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the read loop, Frames is closed when the loop ends
func (c *Consumer) Start() {
	go func() {
		defer close(c.done)
		defer close(c.frames)
		reader := bufio.NewReader(c.r)
		initDone := false
		for {
			data, err := readFrame(reader)
			if err != nil {
				c.setErr(err)
				return
			}
			if !initDone {
				if string(data) != string(ping) {
					c.setErr(fmt.Errorf("%w: expected ping, got %q", ErrMalformedFrame, truncate(data)))
					return
				}
				zap.S().Debug("receive a 'ping' signal and init done")
				initDone = true
				close(c.initDone)
				continue
			}
			f, err := decodeFrame(data)
			if err != nil {
				c.setErr(err)
				return
			}
			c.frames <- f
		}
	}()
}

func (c *Consumer) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Err is the reason the read loop ended, io.EOF when the writer went away
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Frames returns the decoded frames
func (c *Consumer) Frames() <-chan Frame {
	return c.frames
}

// InitDone is closed when the ping arrived
func (c *Consumer) InitDone() <-chan struct{} {
	return c.initDone
}

// Done is closed when the read loop ended
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Terminate closes the read end of the pipe
func (c *Consumer) Terminate() {
	c.r.Close()
}
