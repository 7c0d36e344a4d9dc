package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type recorder struct {
	events []string
	err    error
}

func (r *recorder) Emit(_ context.Context, channel, event string, _ any) error {
	r.events = append(r.events, channel+"|"+event)
	return r.err
}

func TestChannels(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "order.1755415687041123", OrderChannel(1755415687041123))
	assert.Equal(t, "contact.9", ContactChannel(9))
}

func TestMultiJoinsErrors(t *testing.T) {
	t.Parallel()

	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	err := Multi{ok, nil, bad}.Emit(context.Background(), "global", EventOrderCreated, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"global|order.created"}, ok.events)
	assert.Equal(t, []string{"global|order.created"}, bad.events)
}

func TestBroadcastSkipsEmptyAndSwallowsErrors(t *testing.T) {
	t.Parallel()

	r := &recorder{err: errors.New("down")}
	Broadcast(context.Background(), r, nil, EventMessageCreated, nil, OrderChannel(1), "", GlobalChannel)
	assert.Equal(t, []string{"order.1|message.created", "global|message.created"}, r.events)
}

func TestAMQPEmit(t *testing.T) {
	t.Parallel()

	var gotKey string
	var gotMsg amqp.Publishing
	a := &AMQP{exchange: "crm.events"}
	a.publish = func(_ context.Context, exchange, key string, msg amqp.Publishing) error {
		assert.Equal(t, "crm.events", exchange)
		gotKey = key
		gotMsg = msg
		return nil
	}

	require.NoError(t, a.Emit(context.Background(), "order.5", EventMessageCreated, map[string]any{"id": 1}))
	assert.Equal(t, "order.5.message.created", gotKey)
	assert.Equal(t, "application/json", gotMsg.ContentType)
	assert.Equal(t, amqp.Persistent, gotMsg.DeliveryMode)

	var env Envelope
	require.NoError(t, json.Unmarshal(gotMsg.Body, &env))
	assert.Equal(t, gotMsg.MessageId, env.Meta.ID)
	assert.Equal(t, "order.5", env.Meta.Channel)
}

func TestHubDeliversToSubscribedChannel(t *testing.T) {
	t.Parallel()

	hub := NewHub(4, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?channel=order.7"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Emit(ctx, "order.8", EventMessageCreated, "other"))
	require.NoError(t, hub.Emit(ctx, "order.7", EventMessageCreated, "mine"))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "order.7", env.Meta.Channel)
	assert.Equal(t, "mine", env.Data)
}
