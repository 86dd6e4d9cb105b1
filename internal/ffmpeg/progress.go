package ffmpeg

import (
	"strconv"
	"strings"
	"time"
)

// progressParser accumulates the key=value lines written by -progress and
// yields a Progress at every "progress=" terminator.
type progressParser struct {
	cur Progress
}

func (pp *progressParser) feed(line string) (Progress, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return Progress{}, false
	}

	switch key {
	case "out_time_us", "out_time_ms":
		// out_time_ms is microseconds as well, a long-standing ffmpeg quirk
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			pp.cur.OutTime = time.Duration(us) * time.Microsecond
		}
	case "total_size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			pp.cur.TotalSize = n
		}
	case "speed":
		pp.cur.Speed = strings.TrimSpace(value)
	case "progress":
		out := pp.cur
		return out, true
	}
	return Progress{}, false
}
