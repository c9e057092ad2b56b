package session_mux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_session/pkg/engine"
	"github.com/arzzra/media_session/pkg/media_graph"
	"github.com/arzzra/media_session/pkg/trackinfo"
)

func newMux(t *testing.T) (*media_graph.Graph, *Multiplexer) {
	t.Helper()
	g := media_graph.New()
	m, err := New(g, DefaultConfig(), nil)
	require.NoError(t, err)
	return g, m
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		caps engine.Caps
		want Class
	}{
		{"audio", engine.Caps{Media: "audio"}, ClassAudio},
		{"audio uppercase", engine.Caps{Media: "Audio"}, ClassAudio},
		{"video", engine.Caps{Media: "video"}, ClassVideo},
		{"не указан", engine.Caps{MimeType: "application/x-rtp"}, ClassVideo},
		{"неизвестный тип", engine.Caps{Media: "application"}, ClassVideo},
		{"пустой профиль", engine.Caps{}, ClassVideo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.caps))
		})
	}
}

func TestSlotOf(t *testing.T) {
	assert.Equal(t, 0, SlotOf(trackinfo.ReceiveVideo))
	assert.Equal(t, 1, SlotOf(trackinfo.ReceiveAudio))
	assert.Equal(t, 2, SlotOf(trackinfo.SendAudio))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Latency = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.BufferMode = "master"
	assert.Error(t, bad.Validate())

	_, err := New(media_graph.New(), bad, nil)
	assert.Error(t, err)
	_, err = New(nil, DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestNew_SessionProperties(t *testing.T) {
	g, m := newMux(t)

	name := m.Session().Name()
	latency, ok := g.Property(name, "latency")
	require.True(t, ok)
	assert.Equal(t, uint(500), latency)

	autoremove, _ := g.Property(name, "autoremove")
	assert.Equal(t, true, autoremove)
	mode, _ := g.Property(name, "buffer-mode")
	assert.Equal(t, BufferModeSlave, mode)

	cfg := DefaultConfig()
	cfg.Latency = 200 * time.Millisecond
	g2 := media_graph.New()
	m2, err := New(g2, cfg, nil)
	require.NoError(t, err)
	latency, _ = g2.Property(m2.Session().Name(), "latency")
	assert.Equal(t, uint(200), latency)
}

func TestNew_MakeFailure(t *testing.T) {
	g := media_graph.New()
	g.FailMake(SessionElementKind)
	_, err := New(g, DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestMultiplexer_RoutesAudioToAudioLeg(t *testing.T) {
	g, m := newMux(t)

	video, err := g.Make("rtph264depay", "")
	require.NoError(t, err)
	audio, err := g.Make("rtpL16depay", "")
	require.NoError(t, err)
	require.NoError(t, m.RegisterDepayloader(ClassVideo, video))
	require.NoError(t, m.RegisterDepayloader(ClassAudio, audio))

	_, err = g.EmitPad(m.Session(), engine.RecvSourceName(SlotReceiveAudio, 77, 96), engine.Caps{
		MimeType: "application/x-rtp",
		Media:    "audio",
	})
	require.NoError(t, err)

	assert.Equal(t, audio.Name()+".sink", g.Peer(m.Session().Name(), "recv_rtp_src_1_77_96"))
	assert.Equal(t, "", g.Peer(video.Name(), "sink"))

	routes := m.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, ClassAudio, routes[0].Class)
	assert.Equal(t, uint32(77), routes[0].SSRC)
	assert.Equal(t, SlotReceiveAudio, routes[0].Slot)
	assert.Equal(t, audio.Name(), routes[0].Target)
}

func TestMultiplexer_UnspecifiedMediaGoesToVideo(t *testing.T) {
	g, m := newMux(t)

	video, err := g.Make("rtph264depay", "")
	require.NoError(t, err)
	audio, err := g.Make("rtpL16depay", "")
	require.NoError(t, err)
	require.NoError(t, m.RegisterDepayloader(ClassVideo, video))
	require.NoError(t, m.RegisterDepayloader(ClassAudio, audio))

	_, err = g.EmitPad(m.Session(), engine.RecvSourceName(SlotReceiveAudio, 5, 96), engine.Caps{})
	require.NoError(t, err)

	assert.Equal(t, m.Session().Name()+".recv_rtp_src_1_5_96", g.Peer(video.Name(), "sink"))
	assert.Equal(t, "", g.Peer(audio.Name(), "sink"))
}

func TestMultiplexer_DropsWithoutTarget(t *testing.T) {
	g, m := newMux(t)

	_, err := g.EmitPad(m.Session(), engine.RecvSourceName(SlotReceiveAudio, 5, 96), engine.Caps{Media: "audio"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Dropped())
	assert.Empty(t, m.Routes())
}

func TestMultiplexer_Unregister(t *testing.T) {
	g, m := newMux(t)

	audio, err := g.Make("rtpL16depay", "")
	require.NoError(t, err)
	require.NoError(t, m.RegisterDepayloader(ClassAudio, audio))
	_, err = g.EmitPad(m.Session(), engine.RecvSourceName(SlotReceiveAudio, 5, 96), engine.Caps{Media: "audio"})
	require.NoError(t, err)
	require.Len(t, m.Routes(), 1)

	m.Unregister(ClassAudio)
	_, ok := m.Target(ClassAudio)
	assert.False(t, ok)
	assert.Empty(t, m.Routes())
}

func TestMultiplexer_OpenSendSlot(t *testing.T) {
	g, m := newMux(t)

	enc, err := g.Make("srtpenc", "")
	require.NoError(t, err)

	p, err := m.OpenSendSlot(SlotSendAudio, enc)
	require.NoError(t, err)
	assert.Equal(t, "send_rtp_sink_2", p.Name())
	assert.True(t, m.SendLinked(SlotSendAudio))
	assert.Equal(t, m.Session().Name()+".send_rtp_src_2", g.Peer(enc.Name(), "sink"))

	require.NoError(t, m.ReleaseSlot(SlotSendAudio))
	assert.False(t, g.HasPad(m.Session().Name(), "send_rtp_sink_2"))
	assert.Equal(t, "", g.Peer(enc.Name(), "sink"))
}

func TestMultiplexer_OpenSendSlotLinkFailure(t *testing.T) {
	g, m := newMux(t)
	g.FailLink("srtpenc")

	enc, err := g.Make("srtpenc", "")
	require.NoError(t, err)

	_, err = m.OpenSendSlot(SlotSendAudio, enc)
	require.Error(t, err)
	assert.False(t, m.SendLinked(SlotSendAudio))
	assert.False(t, g.HasPad(m.Session().Name(), "send_rtp_sink_2"))
}

func TestMultiplexer_RequestSlotPad(t *testing.T) {
	g, m := newMux(t)

	rtcpIn, err := m.RequestSlotPad(engine.TemplateRecvRTCPSink, SlotReceiveVideo)
	require.NoError(t, err)
	assert.Equal(t, "recv_rtcp_sink_0", rtcpIn.Name())
	rtcpOut, err := m.RequestSlotPad(engine.TemplateSendRTCPSrc, SlotReceiveVideo)
	require.NoError(t, err)
	assert.Equal(t, "send_rtcp_src_0", rtcpOut.Name())

	_, err = m.RequestSlotPad(engine.TemplateRecvRTCPSink, SlotReceiveVideo)
	assert.Error(t, err)

	require.NoError(t, m.ReleaseSlotPad(SlotReceiveVideo, rtcpIn))
	assert.False(t, g.HasPad(m.Session().Name(), "recv_rtcp_sink_0"))
	require.NoError(t, m.ReleaseSlot(SlotReceiveVideo))
	assert.False(t, g.HasPad(m.Session().Name(), "send_rtcp_src_0"))
}

func TestMultiplexer_Close(t *testing.T) {
	g, m := newMux(t)
	name := m.Session().Name()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.NotContains(t, g.Elements(), name)

	_, err := m.RequestSlotPad(engine.TemplateRecvRTPSink, SlotReceiveVideo)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.RegisterDepayloader(ClassVideo, nil), ErrClosed)
}
