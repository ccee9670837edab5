package runner

import (
	"strconv"
	"testing"
	"time"

	"github.com/SkylerRankin/speedtest_gui/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawBandwidthIsMegabits(t *testing.T) {
	for _, bandwidth := range []float64{0, 1, 125000, 12500000, 93750000.5, 1234567.89} {
		p := newStreamParser("run")
		line := []byte(`{"type":"upload","upload":{"bandwidth":` + formatFloat(bandwidth) + `,"progress":0.1}}`)

		events, isResult := p.Parse(line)
		require.False(t, isResult)
		require.Len(t, events, 2)
		assert.Equal(t, types.PhaseUpload, events[0].Phase)
		assert.Equal(t, types.PhaseUploadRaw, events[1].Phase)
		assert.Equal(t, bandwidth*8/1000000, events[1].Value)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func TestFormatLocation(t *testing.T) {
	cases := []struct {
		location, country, want string
	}{
		{"Springfield", "US", "Springfield, US"},
		{"Singapore", "Singapore", "Singapore"},
		{"", "Germany", "Germany"},
		{"Berlin", "", "Berlin"},
		{"", "", ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, formatLocation(tc.location, tc.country), "%q/%q", tc.location, tc.country)
	}
}

func TestMessagesWithoutServerInfo(t *testing.T) {
	p := newStreamParser("run")

	events, _ := p.Parse([]byte(`{"type":"download","download":{"bandwidth":1000000,"progress":0.75}}`))
	require.Len(t, events, 2)
	assert.Equal(t, "Running download test", events[0].Message)
	assert.Equal(t, 0.75, events[0].Value)
	assert.Equal(t, 8.0, events[1].Value)

	// A server without any location is not considered known.
	events, _ = p.Parse([]byte(`{"type":"testStart","server":{"name":"Lonely"}}`))
	require.Len(t, events, 1)
	assert.Equal(t, "Testing with Lonely ()", events[0].Message)

	events, _ = p.Parse([]byte(`{"type":"ping","ping":{"latency":3,"progress":1}}`))
	require.Len(t, events, 1)
	assert.Equal(t, "Testing ping: 3.00 ms", events[0].Message)
}

func TestPingMessageNamesServer(t *testing.T) {
	p := newStreamParser("run")
	p.Parse([]byte(`{"type":"testStart","server":{"id":4711,"location":"Oslo","country":"Norway"}}`))

	events, _ := p.Parse([]byte(`{"type":"ping","ping":{"jitter":0.4,"latency":7.891,"progress":0.4}}`))
	require.Len(t, events, 1)
	// A missing name stays Unknown, which hides the server suffix.
	assert.Equal(t, "Testing ping: 7.89 ms", events[0].Message)

	p.Parse([]byte(`{"type":"testStart","server":{"name":"Telenor","location":"Oslo","country":"Norway"}}`))
	events, _ = p.Parse([]byte(`{"type":"ping","ping":{"latency":7.891,"progress":0.4}}`))
	assert.Equal(t, "Testing ping: 7.89 ms - Telenor (Oslo, Norway)", events[0].Message)
}

func TestParseIgnoresMalformedRecords(t *testing.T) {
	lines := []string{
		`garbage`,
		`{"type":"download"}`,
		`{"type":"upload","upload":"fast"}`,
		`{"type":"ping"}`,
		`{"type":"testStart"}`,
		`{"type":"testStart","server":{"name":42}}`,
		`null`,
		`{"type":"log","level":"info"}`,
	}

	p := newStreamParser("run")
	for _, line := range lines {
		events, isResult := p.Parse([]byte(line))
		assert.Empty(t, events, line)
		assert.False(t, isResult, line)
	}
	assert.Equal(t, unknown, p.server.name)
}

func TestParseFlagsResult(t *testing.T) {
	p := newStreamParser("run")
	events, isResult := p.Parse([]byte(`{"type":"result","download":{"bandwidth":"oops"}}`))
	assert.Empty(t, events)
	assert.True(t, isResult)
}

func TestResultDefaultsAndFallbacks(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	p := newStreamParser("run-1")
	result, err := p.Result([]byte(`{"type":"result","server":{"id":1234,"location":"Dallas","country":"United States"},"result":{"url":"https://www.speedtest.net/result/c/abc"}}`), now)
	require.NoError(t, err)

	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, now.UnixMilli(), result.Timestamp)
	assert.Zero(t, result.DownloadMbps)
	assert.Zero(t, result.UploadMbps)
	assert.Equal(t, unknown, result.ISP)
	assert.Equal(t, unknown, result.ServerName)
	assert.Equal(t, "1234", result.ServerID)
	assert.Equal(t, "Dallas, United States", result.ServerLocation)
	assert.False(t, result.PacketLoss.Has())
	assert.Equal(t, "https://www.speedtest.net/result/c/abc", result.ResultURL.Else(""))

	// testStart's location wins over the one in the result.
	p.Parse([]byte(`{"type":"testStart","server":{"name":"X","location":"Fort Worth","country":"United States"}}`))
	result, err = p.Result([]byte(`{"type":"result","server":{"location":"Dallas"},"packetLoss":1.5}`), now)
	require.NoError(t, err)
	assert.Equal(t, "Fort Worth, United States", result.ServerLocation)
	assert.Equal(t, 1.5, result.PacketLoss.Else(-1))
}

func TestResultRejectsMistypedFields(t *testing.T) {
	p := newStreamParser("run")
	_, err := p.Result([]byte(`{"type":"result","ping":{"latency":"slow"}}`), time.Now())
	assert.Error(t, err)
}
