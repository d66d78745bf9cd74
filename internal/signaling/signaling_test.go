package signaling

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{4}$`)

func TestNewSessionIDShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		require.Len(t, id, 4)
		require.Regexp(t, sessIDPattern, id)
	}
}

func TestToSecondsFloors(t *testing.T) {
	cases := map[int64]int64{
		0:     0,
		999:   0,
		1000:  1,
		1999:  1,
		-1:    -1,
		-1000: -1,
		-1001: -2,
	}
	for ms, want := range cases {
		assert.Equal(t, want, ToSeconds(ms), "ms=%d", ms)
	}
	assert.Equal(t, int64(1700000000), UnixSeconds(time.UnixMilli(1700000000999)))
}

func TestMessageEncodeDecode(t *testing.T) {
	m := Message{Type: TypeSetup, SessID: "Ab3d", SDP: "v=0", Props: NewProps(true, false, true)}
	data, err := m.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SETUP","version":"3.0","sessid":"Ab3d","sdp":"v=0","resp":false,
		"props":{"audiosend":"true","screensend":"false","videosend":"true"}}`, string(data))

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeSetup, got.Type)
	assert.Equal(t, Version, got.Version)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`{"type":"DANCE"}`))
	require.Error(t, err)
	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestGroupTypes(t *testing.T) {
	assert.True(t, TypeGroupStart.IsGroup())
	assert.False(t, TypeSetup.IsGroup())
}
