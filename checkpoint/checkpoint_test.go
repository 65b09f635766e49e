package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.bolt")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetPhysicMsgTimestamp(100))
	require.NoError(t, s.SetLogicsMsgTimestamp(80))
	require.NoError(t, s.SetIndexMsgTimestamp(90))

	require.Equal(t, int64(80), s.GetMinTimestamp())
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.bolt")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetPhysicMsgTimestamp(42))
	require.NoError(t, s.SetLogicsMsgTimestamp(50))
	require.NoError(t, s.SetIndexMsgTimestamp(60))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, int64(42), s2.GetMinTimestamp())
}
