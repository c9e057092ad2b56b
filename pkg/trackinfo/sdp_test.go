package trackinfo

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 30)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func buildSDP(key []byte) string {
	lines := []string{
		"v=0",
		"o=- 1 2 IN IP4 10.0.0.5",
		"s=camera",
		"c=IN IP4 10.0.0.5",
		"t=0 0",
		"m=video 5000 RTP/SAVP 96",
		"a=rtpmap:96 H264/90000",
		"a=ssrc:42 cname:camera",
		"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:" + base64.StdEncoding.EncodeToString(key) + "|2^20|1:32",
		"m=audio 5002 RTP/SAVP 97",
		"c=IN IP4 10.0.0.6",
		"a=rtpmap:97 L16/16000/1",
		"a=ssrc:77",
		"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:" + base64.StdEncoding.EncodeToString(key),
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func TestDescriptorFromSDP(t *testing.T) {
	key := testKey()
	sd, err := ParseSessionDescription([]byte(buildSDP(key)))
	require.NoError(t, err)

	video, err := DescriptorFromSDP(ReceiveVideo, sd)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", video.ServerAddress)
	assert.Equal(t, 5000, video.Port)
	assert.Equal(t, uint8(96), video.PayloadType)
	assert.Equal(t, 90000, video.SampleRate)
	assert.Equal(t, uint32(42), video.SSRC)
	assert.Equal(t, key, video.Key)
	assert.True(t, video.Complete())

	audio, err := DescriptorFromSDP(ReceiveAudio, sd)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6", audio.ServerAddress)
	assert.Equal(t, 5002, audio.Port)
	assert.Equal(t, uint8(97), audio.PayloadType)
	assert.Equal(t, 16000, audio.SampleRate)
	assert.Equal(t, 1, audio.Channels)
	assert.Equal(t, uint32(77), audio.SSRC)
}

func TestStore_ApplySessionDescription(t *testing.T) {
	sd, err := ParseSessionDescription([]byte(buildSDP(testKey())))
	require.NoError(t, err)

	store := NewStore()
	store.SetLocalPort(ReceiveVideo, 6000)
	require.NoError(t, store.ApplySessionDescription(ReceiveVideo, sd))

	assert.True(t, store.IsComplete(ReceiveVideo))
	assert.Equal(t, 6000, store.Snapshot(ReceiveVideo).LocalPort)
	assert.False(t, store.Started(SendAudio))

	assert.Error(t, store.ApplySessionDescription(Kind(5), sd))
}

func TestDescriptorFromSDP_Errors(t *testing.T) {
	t.Run("no matching media", func(t *testing.T) {
		raw := "v=0\r\no=- 1 2 IN IP4 1.1.1.1\r\ns=-\r\nt=0 0\r\nm=audio 5002 RTP/AVP 0\r\n"
		sd, err := ParseSessionDescription([]byte(raw))
		require.NoError(t, err)
		_, err = DescriptorFromSDP(ReceiveVideo, sd)
		assert.Error(t, err)
	})

	t.Run("unsupported suite", func(t *testing.T) {
		_, err := parseCryptoAttribute("1 AEAD_AES_256_GCM inline:AAAA")
		assert.Error(t, err)
	})

	t.Run("bad base64", func(t *testing.T) {
		_, err := parseCryptoAttribute("1 AES_CM_128_HMAC_SHA1_80 inline:***")
		assert.Error(t, err)
	})

	t.Run("nil", func(t *testing.T) {
		_, err := DescriptorFromSDP(ReceiveAudio, nil)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseSessionDescription([]byte("not sdp"))
		assert.Error(t, err)
	})
}
