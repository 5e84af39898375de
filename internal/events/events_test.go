package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/domain"
)

func TestEventFromDeployment(t *testing.T) {
	d := domain.Deployment{ID: "d1", ProjectID: "p1", Status: domain.StatusError, Stage: "build", Error: "build failed with exit code 1"}
	ev := EventFromDeployment(d)
	assert.Equal(t, "d1", ev.DeploymentID)
	assert.Equal(t, domain.StatusError, ev.Status)
	assert.False(t, ev.Timestamp.IsZero())

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"error"`)
	assert.NotContains(t, string(data), `"url"`)

	var p Publisher = Noop{}
	require.NoError(t, p.PublishDeployment(context.Background(), ev))
	p.Close()
}

func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	pub, err := NewNATSPublisher(url, "localvercel.test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer pub.Close()

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("localvercel.test.>", msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	require.NoError(t, pub.PublishDeployment(context.Background(), DeploymentEvent{DeploymentID: "d1", Status: domain.StatusSuccess}))
	select {
	case msg := <-msgs:
		assert.Equal(t, "localvercel.test.success", msg.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
