package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/control"
)

func TestConnectSessionOptions(t *testing.T) {
	tests := []struct {
		name        string
		opts        ConnectOptions
		wantVideo   bool
		wantAudio   bool
		wantControl bool
		wantErr     bool
	}{
		{"all streams", ConnectOptions{VideoCodec: "h264", AudioCodec: "opus", Dedup: "all"}, true, true, true, false},
		{"control only", ConnectOptions{NoVideo: true, NoAudio: true, Dedup: "idempotent"}, false, false, true, false},
		{"nothing", ConnectOptions{NoVideo: true, NoAudio: true, NoControl: true}, false, false, false, true},
		{"bad dedup", ConnectOptions{Dedup: "sometimes"}, true, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opts.sessionOptions()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVideo, got.Video != nil)
			assert.Equal(t, tt.wantAudio, got.Audio != nil)
			assert.Equal(t, tt.wantControl, got.Control != nil)
			assert.True(t, got.WatchDevice)
			assert.True(t, got.DeviceMeta)
			assert.Positive(t, got.HandshakeTimeout)
		})
	}
}

func TestConnectControlOptions(t *testing.T) {
	opts := ConnectOptions{NoVideo: true, NoAudio: true, Dedup: "idempotent", ScreenOff: true}
	got, err := opts.sessionOptions()
	require.NoError(t, err)

	assert.Equal(t, control.DedupIdempotent, got.Control.Dedup)
	assert.True(t, got.Control.ScreenOff)
	assert.Equal(t, control.SystemClipboard{}, got.Control.Clipboard)
}

func TestConnectAudioOutput(t *testing.T) {
	opts := ConnectOptions{NoVideo: true, NoControl: true, AudioCodec: "raw", AudioOutput: "out.pcm"}
	got, err := opts.sessionOptions()
	require.NoError(t, err)

	assert.Equal(t, "raw", got.Audio.Codec)
	assert.Equal(t, "out.pcm", got.Audio.OutputDevice)
	assert.NotNil(t, got.Audio.SinkFactory)
}
