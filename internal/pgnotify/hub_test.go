package pgnotify

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubListensOnceAndUnlistensOnLastClose(t *testing.T) {
	var listened, unlistened []string
	h := NewHub(
		func(ch string) error { listened = append(listened, ch); return nil },
		func(ch string) error { unlistened = append(unlistened, ch); return nil },
	)

	s1, err := h.Subscribe("pgq.default.enqueue")
	require.NoError(t, err)
	s2, err := h.Subscribe("pgq.default.enqueue")
	require.NoError(t, err)
	require.Equal(t, []string{"pgq.default.enqueue"}, listened)

	require.NoError(t, s1.Close())
	require.Empty(t, unlistened)
	require.NoError(t, s2.Close())
	require.Equal(t, []string{"pgq.default.enqueue"}, unlistened)

	// closing twice is harmless
	require.NoError(t, s2.Close())
	require.Len(t, unlistened, 1)
}

func TestHubSubscribeListenError(t *testing.T) {
	h := NewHub(func(string) error { return errors.New("boom") }, nil)
	_, err := h.Subscribe("x")
	require.EqualError(t, err, "boom")
	require.Empty(t, h.Channels())
}

func TestHubDispatchRoutesByChannel(t *testing.T) {
	h := NewHub(nil, nil)
	a, err := h.Subscribe("a")
	require.NoError(t, err)
	b, err := h.Subscribe("b")
	require.NoError(t, err)

	require.Equal(t, 1, h.Dispatch(Notification{Channel: "a", Payload: "1"}))
	require.Equal(t, 0, h.Dispatch(Notification{Channel: "c", Payload: "2"}))

	n := <-a.C()
	require.Equal(t, "1", n.Payload)
	select {
	case n := <-b.C():
		t.Fatalf("unexpected notification on b: %+v", n)
	default:
	}
}

func TestHubDispatchDropsWhenFull(t *testing.T) {
	h := NewHub(nil, nil)
	h.bufferSize = 1
	s, err := h.Subscribe("a")
	require.NoError(t, err)

	require.Equal(t, 1, h.Dispatch(Notification{Channel: "a", Payload: "1"}))
	require.Equal(t, 0, h.Dispatch(Notification{Channel: "a", Payload: "2"}))
	require.Equal(t, "1", (<-s.C()).Payload)
}

func TestHubBroadcastMarksReconnected(t *testing.T) {
	h := NewHub(nil, nil)
	a, _ := h.Subscribe("a")
	b, _ := h.Subscribe("b")
	h.Broadcast()

	na := <-a.C()
	nb := <-b.C()
	require.True(t, na.Reconnected)
	require.Equal(t, "a", na.Channel)
	require.True(t, nb.Reconnected)
}

func TestChannelName(t *testing.T) {
	require.Equal(t, "pgq.default.enqueue", ChannelName("pgq", "default.enqueue"))

	long := strings.Repeat("q", 80) + ".enqueue"
	name := ChannelName("pgq", long)
	require.LessOrEqual(t, len(name), maxChannelLen)
	require.True(t, strings.HasPrefix(name, "pgq."))
	require.Equal(t, name, ChannelName("pgq", long))
	require.NotEqual(t, name, ChannelName("pgq", strings.Repeat("r", 80)+".enqueue"))
}
