package livemonitor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// hub fans values out to subscribed clients. Slow clients miss values
// instead of blocking the publisher.
type hub[T any] struct {
	name string

	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	closed  bool
	dropped atomic.Uint64
}

func newHub[T any](name string) *hub[T] {
	return &hub[T]{name: name, clients: make(map[int]chan T)}
}

// Subscribe adds a new client and returns a channel for receiving values.
// The channel is closed on Unsubscribe or Close.
func (h *hub[T]) Subscribe() (int, <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan T, 2)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch

	logger.Debug(h.name, "client subscribed", "client", id, "clients", len(h.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (h *hub[T]) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		logger.Debug(h.name, "client unsubscribed", "client", id, "clients", len(h.clients))
	}
}

// Clients returns the number of subscribed clients.
func (h *hub[T]) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many per-client deliveries were skipped.
func (h *hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every client.
func (h *hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}

func (h *hub[T]) broadcast(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.clients {
		select {
		case ch <- v:
		default:
			// Client too slow, skip this value for this client
			h.dropped.Add(1)
		}
	}
}

// FrameBroadcaster encodes live frames to JPEG and fans them out to MJPEG clients.
type FrameBroadcaster struct {
	*hub[[]byte]
	quality int
}

// NewFrameBroadcaster creates a broadcaster encoding at the given JPEG quality.
func NewFrameBroadcaster(quality int) *FrameBroadcaster {
	return &FrameBroadcaster{hub: newHub[[]byte]("FrameBroadcaster"), quality: quality}
}

// Publish encodes img and broadcasts it. Encoding is skipped when nobody watches.
func (fb *FrameBroadcaster) Publish(img image.Image) error {
	if img == nil || fb.Clients() == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: fb.quality}); err != nil {
		return fmt.Errorf("encode live frame: %w", err)
	}
	fb.broadcast(buf.Bytes())
	return nil
}

// SerializedEvent holds pre-serialized data in both formats so each client
// gets the encoding it negotiated without re-marshaling per client.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized google.protobuf.Struct, base64 encoded for SSE
}

// SerializeEvent marshals payload as JSON and as a protobuf Struct with the same fields.
func SerializeEvent(payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("event is not a JSON object: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// EventBroadcaster fans pre-serialized SSE events out to clients.
type EventBroadcaster struct {
	*hub[*SerializedEvent]
}

// NewEventBroadcaster creates an event broadcaster; name tags its log lines.
func NewEventBroadcaster(name string) *EventBroadcaster {
	return &EventBroadcaster{hub: newHub[*SerializedEvent](name)}
}

// Publish serializes payload once and broadcasts it.
func (eb *EventBroadcaster) Publish(payload any) error {
	if eb.Clients() == 0 {
		return nil
	}
	event, err := SerializeEvent(payload)
	if err != nil {
		return err
	}
	eb.broadcast(event)
	return nil
}
