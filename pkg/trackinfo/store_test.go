package trackinfo

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Completeness(t *testing.T) {
	store := NewStore()

	for _, k := range Kinds {
		assert.False(t, store.IsComplete(k))
		assert.False(t, store.Started(k))
	}

	require.NoError(t, store.SetField(ReceiveVideo, FieldServerAddress, "10.0.0.5"))
	assert.True(t, store.Started(ReceiveVideo))
	assert.False(t, store.IsComplete(ReceiveVideo))

	require.NoError(t, store.SetField(ReceiveVideo, FieldPort, 5000))
	assert.False(t, store.IsComplete(ReceiveVideo))

	require.NoError(t, store.SetField(ReceiveVideo, FieldKey, []byte("K")))
	assert.True(t, store.IsComplete(ReceiveVideo))

	// Остальные треки независимы
	assert.False(t, store.IsComplete(ReceiveAudio))
	assert.False(t, store.IsComplete(SendAudio))
}

func TestStore_SetFieldOverwrites(t *testing.T) {
	store := NewStore()

	require.NoError(t, store.SetField(SendAudio, FieldPort, 6000))
	require.NoError(t, store.SetField(SendAudio, FieldPort, 6000))
	require.NoError(t, store.SetField(SendAudio, FieldPort, uint16(6002)))
	require.NoError(t, store.SetField(SendAudio, FieldSSRC, uint32(0xDEADBEEF)))
	require.NoError(t, store.SetField(SendAudio, FieldPayloadType, 96))

	desc := store.Snapshot(SendAudio)
	assert.Equal(t, 6002, desc.Port)
	assert.Equal(t, uint32(0xDEADBEEF), desc.SSRC)
	assert.Equal(t, uint8(96), desc.PayloadType)
}

func TestStore_SetFieldErrors(t *testing.T) {
	store := NewStore()

	tests := []struct {
		name  string
		kind  Kind
		field Field
		value any
	}{
		{"wrong type for server", ReceiveVideo, FieldServerAddress, 5},
		{"wrong type for port", ReceiveVideo, FieldPort, "5000"},
		{"port out of range", ReceiveVideo, FieldPort, 70000},
		{"negative ssrc", ReceiveVideo, FieldSSRC, -1},
		{"payload type out of range", ReceiveVideo, FieldPayloadType, 200},
		{"wrong type for key", ReceiveVideo, FieldKey, 42},
		{"unknown kind", Kind(9), FieldPort, 5000},
		{"unknown field", ReceiveVideo, Field(42), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, store.SetField(tt.kind, tt.field, tt.value))
		})
	}
	assert.False(t, store.Started(ReceiveVideo))
}

func TestStore_EmptyValuesKeepCompleteness(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.SetField(ReceiveVideo, FieldServerAddress, "10.0.0.5"))
	require.NoError(t, store.SetField(ReceiveVideo, FieldPort, 5000))
	require.NoError(t, store.SetField(ReceiveVideo, FieldLocalPort, 7000))
	require.NoError(t, store.SetField(ReceiveVideo, FieldSSRC, 42))
	require.NoError(t, store.SetField(ReceiveVideo, FieldKey, []byte("K")))
	require.True(t, store.IsComplete(ReceiveVideo))
	revision := store.Revision()

	tests := []struct {
		name  string
		field Field
		value any
	}{
		{"empty key", FieldKey, []byte{}},
		{"nil key", FieldKey, []byte(nil)},
		{"empty key string", FieldKey, ""},
		{"empty server", FieldServerAddress, ""},
		{"zero port", FieldPort, 0},
		{"zero local port", FieldLocalPort, 0},
		{"zero ssrc", FieldSSRC, uint32(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.SetField(ReceiveVideo, tt.field, tt.value))
			assert.True(t, store.IsComplete(ReceiveVideo))
		})
	}

	store.SetServer(ReceiveVideo, "")
	store.SetPort(ReceiveVideo, 0)
	store.SetKey(ReceiveVideo, nil)

	desc := store.Snapshot(ReceiveVideo)
	assert.Equal(t, "10.0.0.5", desc.ServerAddress)
	assert.Equal(t, 5000, desc.Port)
	assert.Equal(t, 7000, desc.LocalPort)
	assert.Equal(t, uint32(42), desc.SSRC)
	assert.Equal(t, []byte("K"), desc.Key)
	assert.Equal(t, revision, store.Revision())
}

func TestStore_KeyIsCopied(t *testing.T) {
	store := NewStore()
	key := []byte{1, 2, 3}
	store.SetKey(ReceiveAudio, key)
	key[0] = 9

	snap := store.Snapshot(ReceiveAudio)
	assert.Equal(t, []byte{1, 2, 3}, snap.Key)

	snap.Key[1] = 9
	assert.Equal(t, []byte{1, 2, 3}, store.Snapshot(ReceiveAudio).Key)
}

func TestStore_ClearZeroesKeys(t *testing.T) {
	store := NewStore()
	store.Set(ReceiveVideo, Descriptor{ServerAddress: "10.0.0.5", Port: 5000, Key: []byte{7, 7, 7}})

	// Достаем внутренний буфер, чтобы убедиться, что он затерт
	store.mu.RLock()
	internal := store.descriptors[ReceiveVideo].Key
	store.mu.RUnlock()

	store.Clear()
	assert.Equal(t, []byte{0, 0, 0}, internal)
	assert.False(t, store.Started(ReceiveVideo))
	assert.False(t, store.IsComplete(ReceiveVideo))
}

func TestStore_SetMergesNonEmpty(t *testing.T) {
	store := NewStore()
	store.Set(ReceiveAudio, Descriptor{ServerAddress: "10.0.0.6", LocalPort: 7000})
	store.Set(ReceiveAudio, Descriptor{Port: 5002})

	desc := store.Snapshot(ReceiveAudio)
	assert.Equal(t, "10.0.0.6", desc.ServerAddress)
	assert.Equal(t, 5002, desc.Port)
	assert.Equal(t, 7000, desc.LocalPort)
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup

	for _, k := range Kinds {
		k := k
		wg.Add(1)
		go func() {
			defer wg.Done()
			fields := []Field{FieldServerAddress, FieldPort, FieldKey, FieldSSRC}
			rand.Shuffle(len(fields), func(i, j int) { fields[i], fields[j] = fields[j], fields[i] })
			for _, f := range fields {
				var v any
				switch f {
				case FieldServerAddress:
					v = "127.0.0.1"
				case FieldPort:
					v = 5000
				case FieldKey:
					v = []byte("key")
				case FieldSSRC:
					v = 1
				}
				assert.NoError(t, store.SetField(k, f, v))
				_ = store.IsComplete(k)
			}
		}()
	}
	wg.Wait()

	for _, k := range Kinds {
		assert.True(t, store.IsComplete(k), k.String())
	}
}

func TestParseKindAndField(t *testing.T) {
	k, err := ParseKind("send-audio")
	require.NoError(t, err)
	assert.Equal(t, SendAudio, k)
	_, err = ParseKind("send-video")
	assert.Error(t, err)

	f, err := ParseField("local_port")
	require.NoError(t, err)
	assert.Equal(t, FieldLocalPort, f)
	_, err = ParseField("bogus")
	assert.Error(t, err)
}
