package otm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

func TestSessionRegistryLifecycle(t *testing.T) {
	reg := NewSessionRegistry()
	relay := NewRelay(types.OTMSession{SessionID: "s-1", ChunkSize: 16}, "me", nil, nil, nil, nil)

	reg.Add(relay)
	got, ok := reg.Get("s-1")
	require.True(t, ok)
	require.Same(t, relay, got)

	reg.Remove("s-1")
	_, ok = reg.Get("s-1")
	require.False(t, ok)
}

func TestSessionRegistryCancelAllEndsRelays(t *testing.T) {
	reg := NewSessionRegistry()
	relay := NewRelay(types.OTMSession{SessionID: "s-2", ChunkSize: 16}, "me", nil, nil, nil, nil)
	reg.Add(relay)

	reg.CancelAll()

	select {
	case <-relay.Done():
	case <-time.After(time.Second):
		t.Fatal("relay not ended by CancelAll")
	}
	_, ok := reg.Get("s-2")
	require.False(t, ok)
}
