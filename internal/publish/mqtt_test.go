package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error, complete bool) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool                       { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the parts of mqtt.Client the publisher uses.
type fakeClient struct {
	mqtt.Client
	connected bool
	failOn    int // 1-based publish call that fails, 0 = never
	hang      bool
	sent      []message
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload any) mqtt.Token {
	if c.hang {
		return newToken(nil, false)
	}
	c.sent = append(c.sent, message{topic: topic, qos: qos, payload: payload.([]byte)})
	if c.failOn == len(c.sent) {
		return newToken(errors.New("broker refused"), true)
	}
	return newToken(nil, true)
}

func (c *fakeClient) Disconnect(uint) { c.connected = false }

func records(n int) []types.Detection {
	out := make([]types.Detection, n)
	for i := range out {
		out[i] = types.Detection{
			ID:         string(rune('a' + i)),
			FrameIndex: 5,
			Label:      "pothole",
			Confidence: 0.9,
			Position:   types.Position{Latitude: 47.39, Longitude: 8.54},
		}
	}
	return out
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "skyeye/20250101_120000/detections", Topic("skyeye", "20250101_120000"))
	assert.Equal(t, "fleet/a/run/detections", Topic("fleet/a/", "run"))
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}

func TestPublishOneMessagePerRecord(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewWithClient(Config{}, client, nil)

	require.NoError(t, p.Publish(context.Background(), "run1", records(2)))

	require.Len(t, client.sent, 2)
	assert.Equal(t, "skyeye/run1/detections", client.sent[0].topic)
	assert.Equal(t, byte(0), client.sent[0].qos)

	var got types.Detection
	require.NoError(t, json.Unmarshal(client.sent[1].payload, &got))
	assert.Equal(t, "b", got.ID)
	assert.Equal(t, "pothole", got.Label)
	assert.Equal(t, uint64(2), p.Published())
}

func TestPublishFailuresAreCounted(t *testing.T) {
	m := metrics.New()
	client := &fakeClient{connected: true, failOn: 1}
	p := NewWithClient(Config{TopicPrefix: "x"}, client, m)

	err := p.Publish(context.Background(), "run1", records(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker refused")
	assert.Equal(t, uint64(1), m.PublishErrors.Load())
	assert.Equal(t, uint64(2), p.Published())
}

func TestPublishWhileDisconnected(t *testing.T) {
	m := metrics.New()
	client := &fakeClient{connected: false}
	p := NewWithClient(Config{}, client, m)

	err := p.Publish(context.Background(), "run1", records(2))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, client.sent)
	assert.Equal(t, uint64(2), m.PublishErrors.Load())
}

func TestPublishTimesOut(t *testing.T) {
	client := &fakeClient{connected: true, hang: true}
	p := NewWithClient(Config{PublishTimeout: 10 * time.Millisecond}, client, nil)

	err := p.Publish(context.Background(), "run1", records(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestPublishEmptyIsNoop(t *testing.T) {
	client := &fakeClient{connected: false}
	p := NewWithClient(Config{}, client, nil)
	assert.NoError(t, p.Publish(context.Background(), "run1", nil))
}

func TestClose(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewWithClient(Config{}, client, nil)
	p.Close()

	assert.False(t, client.connected)
	assert.ErrorIs(t, p.Publish(context.Background(), "run1", records(1)), ErrNotConnected)
}
