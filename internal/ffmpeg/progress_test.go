package ffmpeg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressParser(t *testing.T) {
	pp := &progressParser{}
	lines := []string{
		"frame=0",
		"total_size=48",
		"out_time_us=1500000",
		"speed=N/A",
		"progress=continue",
		"total_size=4096",
		"out_time_ms=3000000",
		"speed= 1.02x",
		"progress=end",
	}

	var got []Progress
	for _, line := range lines {
		if p, ok := pp.feed(line); ok {
			got = append(got, p)
		}
	}

	assert.Equal(t, []Progress{
		{OutTime: 1500 * time.Millisecond, TotalSize: 48, Speed: "N/A"},
		{OutTime: 3 * time.Second, TotalSize: 4096, Speed: "1.02x"},
	}, got)
}

func TestProgressParser_IgnoresGarbage(t *testing.T) {
	pp := &progressParser{}

	for _, line := range []string{"", "no equals sign", "out_time_us=N/A", "total_size=abc"} {
		_, ok := pp.feed(line)
		assert.False(t, ok, line)
	}

	p, ok := pp.feed("progress=continue")
	assert.True(t, ok)
	assert.Equal(t, Progress{}, p)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "start", EventStart.String())
	assert.Equal(t, "progress", EventProgress.String())
	assert.Equal(t, "end", EventEnd.String())
	assert.Equal(t, "error", EventError.String())
	assert.Equal(t, "unknown", EventKind(42).String())
}
