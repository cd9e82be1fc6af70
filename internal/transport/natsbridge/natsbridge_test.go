package natsbridge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/delegate-daemon/internal/eventbus"
)

func TestMirroredEventsExcludesQueryTypes(t *testing.T) {
	for _, typ := range mirroredEvents {
		require.NotEqual(t, eventbus.NextTaskQuery, typ)
		require.NotEqual(t, eventbus.TaskStatusQuery, typ)
		require.NotEqual(t, eventbus.TaskLogsQuery, typ)
	}
}

func TestConnectFailsFastOnUnreachableURL(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	_, err := Connect("nats://127.0.0.1:1", bus)
	require.Error(t, err)
}
