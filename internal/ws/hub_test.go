package ws

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	closed bool
}

func (f *fakeSubscriber) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.got = append(f.got, p)
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) messages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestHubRoutesByProject(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a, b := &fakeSubscriber{}, &fakeSubscriber{}
	h.Register("p1", a)
	h.Register("p2", b)
	h.Broadcast("p1", []byte("hello"))

	require.Eventually(t, func() bool { return a.messages() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.messages())

	h.Unregister("p1", a)
	require.Eventually(t, func() bool { return h.Subscribers("p1") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.Subscribers("p2"))
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()

	bad := &fakeSubscriber{fail: true}
	h.Register("p1", bad)
	h.Broadcast("p1", []byte("x"))

	require.Eventually(t, bad.isClosed, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.Subscribers("p1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	h := NewHub()
	s := &fakeSubscriber{}
	h.Register("p1", s)
	h.Close()
	h.Close()

	require.Eventually(t, s.isClosed, time.Second, 5*time.Millisecond)
	h.Broadcast("p1", []byte("ignored"))
	late := &fakeSubscriber{}
	h.Register("p1", late)
	assert.True(t, late.isClosed())
}
