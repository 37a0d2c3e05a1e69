package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droneops-edge/internal/config"
)

// pendingToken never completes.
type pendingToken struct{ done chan struct{} }

func (t pendingToken) Wait() bool { <-t.done; return true }
func (t pendingToken) WaitTimeout(time.Duration) bool { return false }
func (t pendingToken) Done() <-chan struct{} { return t.done }
func (t pendingToken) Error() error { return nil }

type stalledClient struct {
	mqtt.Client

	mu          sync.Mutex
	disconnects int
}

func (c *stalledClient) Connect() mqtt.Token { return pendingToken{done: make(chan struct{})} }

func (c *stalledClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func TestPahoConnectTimeoutStopsDial(t *testing.T) {
	cfg := config.Default().MQTT
	cfg.EdgeID = "e1"
	p := NewPahoTransport(cfg)
	client := &stalledClient{}
	p.newClient = func(*mqtt.ClientOptions) mqtt.Client { return client }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Connect(ctx, Will{Topic: "ns/g/NDEATH/e1"}, Handlers{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.disconnects)

	_, err = p.current()
	assert.ErrorIs(t, err, ErrNotConnected)
}
