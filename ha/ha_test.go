package ha

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopServiceNeverReady(t *testing.T) {
	var s Service = NoopService{}
	require.False(t, s.IsSlaveOK(0))
	require.False(t, s.PutRequest(context.Background(), GroupCommitRequest{Offset: 10}))
	s.WakeUp() // must not panic
}
