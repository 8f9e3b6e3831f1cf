package adapter_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warmind-io/voicelink/adapter"
)

func TestMockSendAndInject(t *testing.T) {
	m := adapter.NewMock()

	ch := "chan1"
	require.NoError(t, m.SendVoiceStateUpdate("guild1", &ch, true, false))

	sent, ok := m.LastSent()
	require.True(t, ok)
	require.Equal(t, "guild1", sent.GuildID)
	require.NotNil(t, sent.ChannelID)
	require.Equal(t, "chan1", *sent.ChannelID)

	var gotServer adapter.VoiceServerUpdate
	unsub := m.OnVoiceServerUpdate(func(ev adapter.VoiceServerUpdate) { gotServer = ev })
	m.InjectVoiceServerUpdate(adapter.VoiceServerUpdate{GuildID: "guild1", Token: "tok", Endpoint: "voice.example"})
	require.Equal(t, "tok", gotServer.Token)

	unsub()
	gotServer = adapter.VoiceServerUpdate{}
	m.InjectVoiceServerUpdate(adapter.VoiceServerUpdate{GuildID: "guild1", Token: "tok2"})
	require.Equal(t, "", gotServer.Token)
}

func TestMockDisconnectSendsNilChannel(t *testing.T) {
	m := adapter.NewMock()
	require.NoError(t, m.SendVoiceStateUpdate("guild1", nil, true, true))

	sent, ok := m.LastSent()
	require.True(t, ok)
	require.Nil(t, sent.ChannelID)
}
