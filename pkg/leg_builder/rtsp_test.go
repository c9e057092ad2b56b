package leg_builder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_session/pkg/engine"
	"github.com/arzzra/media_session/pkg/media"
	"github.com/arzzra/media_session/pkg/session_mux"
)

const testLocation = "rtsp://192.168.1.10:554/stream"

func rtpCaps(mediaType string) engine.Caps {
	return engine.Caps{MimeType: "application/x-rtp", Media: mediaType}
}

func TestBuildRTSP_Topology(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	p, err := f.builder.BuildRTSP(testLocation)
	require.NoError(t, err)

	src := f.only(t, "rtspsrc")
	assert.Equal(t, src, p.Source.Name())
	assert.Equal(t, testLocation, f.prop(t, src, "location"))
	assert.Equal(t, RTSPLowerTransTCP, f.prop(t, src, "protocols"))
	assert.Equal(t, uint64(15*time.Second/time.Microsecond), f.prop(t, src, "tcp-timeout"))

	// Видео цепочка
	assert.Equal(t, f.only(t, "h264parse")+".sink", f.graph.Peer(f.only(t, "rtph264depay"), "src"))
	assert.Equal(t, f.only(t, "autovideoconvert")+".sink", f.graph.Peer(f.only(t, "avdec_h264"), "src"))
	assert.Equal(t, f.only(t, "autovideosink")+".sink", f.graph.Peer(f.only(t, "autovideoconvert"), "src"))

	// Аудио цепочка со включенным звуком
	gain := f.only(t, "volume")
	assert.Equal(t, gain, p.Gain.Name())
	assert.Equal(t, f.only(t, "audioconvert")+".sink", f.graph.Peer(f.only(t, "decodebin"), "src"))
	assert.Equal(t, false, f.prop(t, gain, "mute"))
	assert.Equal(t, f.only(t, "autoaudiosink")+".sink", f.graph.Peer(gain, "src"))

	// Ни сокетов, ни пэдов сессии
	assert.Equal(t, 0, f.sockets.OpenSockets())
	assert.Empty(t, f.mux.Routes())
	_, ok := f.mux.Target(session_mux.ClassVideo)
	assert.False(t, ok)

	again, err := f.builder.BuildRTSP("rtsp://10.0.0.1/other")
	require.NoError(t, err)
	assert.Same(t, p, again)
	assert.Len(t, f.graph.ElementsOfKind("rtspsrc"), 1)
}

func TestBuildRTSP_RoutesStreams(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	p, err := f.builder.BuildRTSP(testLocation)
	require.NoError(t, err)

	_, err = f.graph.EmitPad(p.Source, "stream_0", rtpCaps("video"))
	require.NoError(t, err)
	_, err = f.graph.EmitPad(p.Source, "stream_1", rtpCaps("audio"))
	require.NoError(t, err)

	src := p.Source.Name()
	assert.Equal(t, f.only(t, "rtph264depay")+".sink", f.graph.Peer(src, "stream_0"))
	assert.Equal(t, f.only(t, "decodebin")+".sink", f.graph.Peer(src, "stream_1"))

	name, ok := p.Linked(session_mux.ClassVideo)
	require.True(t, ok)
	assert.Equal(t, "stream_0", name)
	_, ok = p.Linked(session_mux.ClassAudio)
	assert.True(t, ok)

	// Второй видео поток и поток без типа отбрасываются
	_, err = f.graph.EmitPad(p.Source, "stream_2", rtpCaps("video"))
	require.NoError(t, err)
	_, err = f.graph.EmitPad(p.Source, "stream_3", rtpCaps(""))
	require.NoError(t, err)
	assert.Empty(t, f.graph.Peer(src, "stream_2"))
	assert.Empty(t, f.graph.Peer(src, "stream_3"))
	assert.Equal(t, 2, p.Dropped())

	// Пэды источника не попадают в мультиплексор сессии
	assert.Empty(t, f.mux.Routes())
	assert.Equal(t, 0, f.mux.Dropped())
}

func TestBuildRTSP_LinkFailureFreesClass(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	p, err := f.builder.BuildRTSP(testLocation)
	require.NoError(t, err)

	f.graph.FailLink("decodebin")
	_, err = f.graph.EmitPad(p.Source, "stream_0", rtpCaps("audio"))
	require.NoError(t, err)
	_, ok := p.Linked(session_mux.ClassAudio)
	assert.False(t, ok)
	assert.Equal(t, 1, p.Dropped())
}

func TestBuildRTSP_Failures(t *testing.T) {
	tests := []struct {
		name     string
		location string
		setup    func(f *fixture)
		wantKind error
		stage    string
	}{
		{
			name:     "не RTSP адрес",
			location: "http://192.168.1.10/stream",
			setup:    func(*fixture) {},
			wantKind: media.ErrConfigIncomplete,
			stage:    StageSource,
		},
		{
			name:     "адрес без хоста",
			location: "rtsp:///stream",
			setup:    func(*fixture) {},
			wantKind: media.ErrConfigIncomplete,
			stage:    StageSource,
		},
		{
			name:     "нет источника",
			location: testLocation,
			setup:    func(f *fixture) { f.graph.FailMake("rtspsrc") },
			wantKind: media.ErrElementConstruction,
			stage:    StageSource,
		},
		{
			name:     "нет декодера",
			location: testLocation,
			setup:    func(f *fixture) { f.graph.FailMake("decodebin") },
			wantKind: media.ErrElementConstruction,
			stage:    StageDownstream,
		},
		{
			name:     "не связывается видео",
			location: testLocation,
			setup:    func(f *fixture) { f.graph.FailLink("autovideoconvert") },
			wantKind: media.ErrElementConstruction,
			stage:    StageDownstream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			tt.setup(f)

			_, err := f.builder.BuildRTSP(tt.location)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantKind))

			var se *media.SessionError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, "rtsp", se.Leg)
			assert.Equal(t, tt.stage, se.Stage)

			assert.Equal(t, []string{f.mux.Session().Name()}, f.graph.Elements())
			assert.Empty(t, f.graph.Links())
			_, ok := f.builder.RTSP()
			assert.False(t, ok)
		})
	}
}

func TestRTSP_MuteAndRelease(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	assert.Error(t, f.builder.SetRTSPMuted(true))

	p, err := f.builder.BuildRTSP(testLocation)
	require.NoError(t, err)
	require.NoError(t, f.builder.SetRTSPMuted(true))
	assert.Equal(t, true, f.prop(t, p.Gain.Name(), "mute"))

	video, err := f.builder.BuildReceiveVideo(videoDescriptor())
	require.NoError(t, err)
	assert.NotNil(t, video)

	require.NoError(t, f.builder.ReleaseAll())
	require.NoError(t, f.builder.ReleaseRTSP())
	assert.Equal(t, []string{f.mux.Session().Name()}, f.graph.Elements())
	_, ok := f.builder.RTSP()
	assert.False(t, ok)

	// После разбора воспроизведение строится заново
	again, err := f.builder.BuildRTSP(testLocation)
	require.NoError(t, err)
	assert.NotSame(t, p, again)
}

func TestConfig_ValidateRTSP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Elements.RTSPSource = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RTSP.Protocols = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RTSP.Protocols = 0x10
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RTSP.Protocols = RTSPLowerTransUDP | RTSPLowerTransTCP
	assert.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RTSP.TCPTimeout = 0
	assert.Error(t, cfg.Validate())
}
