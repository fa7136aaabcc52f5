package util

import (
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		require.LessOrEqual(t, len(line), Wrap)
	}
	require.Equal(t, "short text", WrapString("  short   text "))
}

func TestParseNodes(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[uint32]common.NodeAddr
		wantErr bool
	}{
		{"empty", "", map[uint32]common.NodeAddr{}, false},
		{"stream only", "1=localhost:8005", map[uint32]common.NodeAddr{1: {Stream: "localhost:8005"}}, false},
		{"stream and datagram", "1=meta1:8005|meta1:8006, 2=/tmp/m2.sock", map[uint32]common.NodeAddr{
			1: {Stream: "meta1:8005", Datagram: "meta1:8006"},
			2: {Stream: "/tmp/m2.sock"},
		}, false},
		{"missing address", "1=", nil, true},
		{"missing separator", "localhost:8005", nil, true},
		{"zero id", "0=localhost:8005", nil, true},
		{"invalid id", "x=localhost:8005", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNodes(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseGroups(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[uint16]common.BuddyGroup
		wantErr bool
	}{
		{"empty", " ", map[uint16]common.BuddyGroup{}, false},
		{"two groups", "1=1:2,2=3:4", map[uint16]common.BuddyGroup{
			1: {Primary: 1, Secondary: 2},
			2: {Primary: 3, Secondary: 4},
		}, false},
		{"self mirror", "1=1:1", nil, true},
		{"one member", "1=1", nil, true},
		{"invalid member", "1=1:x", nil, true},
		{"group id too large", "70000=1:2", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGroups(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseMembers(t *testing.T) {
	got, err := ParseMembers("node-1=localhost:63001,node-2=localhost:63002")
	require.NoError(t, err)
	require.Equal(t, map[uint64]string{
		HashString("node-1"): "localhost:63001",
		HashString("node-2"): "localhost:63002",
	}, got)
	require.NotEqual(t, HashString("node-1"), HashString("node-2"))

	_, err = ParseMembers("node-1")
	require.Error(t, err)
}

func TestParseList(t *testing.T) {
	require.Nil(t, ParseList(""))
	require.Equal(t, []string{"a:1", "b:2"}, ParseList(" a:1,, b:2 "))
}

func TestClientConfigFromFlags(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	cmd := &cobra.Command{Use: "test"}
	SetupRPCClientFlags(cmd)
	require.NoError(t, cmd.PersistentFlags().Parse([]string{
		"--nodes", "2=/tmp/b.sock,1=/tmp/a.sock",
		"--node", "2",
		"--transport-retries", "7",
		"--transport-try-again-wait", "250ms",
	}))
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	conf := GetClientConfig()
	require.Equal(t, 7, conf.Transport.RetryCount)
	require.Equal(t, 250*time.Millisecond, conf.Transport.TryAgainWait)
	require.Equal(t, 512*1024, conf.Transport.WriteBufferSize)
	require.Equal(t, []string{"1=/tmp/a.sock", "2=/tmp/b.sock"}, conf.Transport.Endpoints)
	require.Equal(t, common.DefaultAckRetries, conf.Ack.Retries)
	require.Equal(t, uint32(2), GetTargetNode())
	require.Equal(t, 10*time.Second, GetTimeout())

	requester, registry, err := NewRequester()
	require.NoError(t, err)
	require.NotNil(t, requester)
	require.NoError(t, registry.Close())

	viper.Set("node", 3)
	_, _, err = NewRequester()
	require.Error(t, err)
}
