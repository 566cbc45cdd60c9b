package gamespy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGameSpy_SplitFragment(t *testing.T) {
	t.Parallel()

	part, final, fields := splitFragment(`\hostname\Test Server\mapname\berlin\queryid\8.1`)
	require.Equal(t, 1, part)
	require.False(t, final)
	require.Equal(t, []field{
		{key: "hostname", value: "Test Server"},
		{key: "mapname", value: "berlin"},
	}, fields)
}

func TestGameSpy_SplitFragment_FinalMarker(t *testing.T) {
	t.Parallel()

	part, final, fields := splitFragment(`\player_0\Alice\score_0\10\final\queryid\8.2`)
	require.Equal(t, 2, part)
	require.True(t, final)
	require.Equal(t, []field{
		{key: "player_0", value: "Alice"},
		{key: "score_0", value: "10"},
	}, fields)
}

func TestGameSpy_SplitFragment_EmptyValues(t *testing.T) {
	t.Parallel()

	part, final, fields := splitFragment(`\password\\numplayers\0\queryid\3.1\final\`)
	require.Equal(t, 1, part)
	require.True(t, final)
	require.Equal(t, []field{
		{key: "password", value: ""},
		{key: "numplayers", value: "0"},
	}, fields)
}

func TestGameSpy_SplitFragment_NoQueryID(t *testing.T) {
	t.Parallel()

	part, final, fields := splitFragment(`\hostname\x\final\`)
	require.Equal(t, 0, part)
	require.True(t, final)
	require.Len(t, fields, 1)
}

func TestGameSpy_PlayerField(t *testing.T) {
	t.Parallel()

	name, idx, ok := playerField("player_0")
	require.True(t, ok)
	require.Equal(t, "player", name)
	require.Equal(t, 0, idx)

	name, idx, ok = playerField("keyhash_12")
	require.True(t, ok)
	require.Equal(t, "keyhash", name)
	require.Equal(t, 12, idx)

	_, _, ok = playerField("active_mods")
	require.False(t, ok)
	_, _, ok = playerField("hostname")
	require.False(t, ok)
	_, _, ok = playerField("_1")
	require.False(t, ok)
}

func TestGameSpy_Assemble(t *testing.T) {
	t.Parallel()

	st := assemble([]field{
		{key: "hostname", value: "Test Server"},
		{key: "numplayers", value: "2"},
		{key: "player_0", value: "Alice"},
		{key: "score_0", value: "10"},
		{key: "player_1", value: "Bob"},
		{key: "score_1", value: "3"},
		{key: "ping_1", value: "40"},
	})

	require.Equal(t, "Test Server", st.Info["hostname"])
	require.Equal(t, "2", st.Info["numplayers"])
	require.Len(t, st.Players, 2)
	require.Equal(t, "Alice", st.Players[0]["player"])
	require.Equal(t, "10", st.Players[0]["score"])
	require.Equal(t, "Bob", st.Players[1]["player"])
	require.Equal(t, "40", st.Players[1]["ping"])
}

func TestGameSpy_GetStatus_MultiPacketOutOfOrder(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	go func() {
		buf := make([]byte, 512)
		_, remote, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		// Final fragment first; the client must reassemble by part number.
		_, _ = pc.WriteTo([]byte(`\player_0\Alice\score_0\10\final\queryid\5.2`), remote)
		_, _ = pc.WriteTo([]byte(`\hostname\Test Server\numplayers\1\queryid\5.1`), remote)
	}()

	port := pc.LocalAddr().(*net.UDPAddr).Port
	c := NewClient(testLogger())
	st, err := c.GetStatus(context.Background(), "127.0.0.1", port, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "Test Server", st.Info["hostname"])
	require.Len(t, st.Players, 1)
	require.Equal(t, "Alice", st.Players[0]["player"])
}

func TestGameSpy_GetStatus_Timeout(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	// Server never answers.

	port := pc.LocalAddr().(*net.UDPAddr).Port
	c := NewClient(testLogger())
	_, err = c.GetStatus(context.Background(), "127.0.0.1", port, 100*time.Millisecond)
	require.Error(t, err)
}
