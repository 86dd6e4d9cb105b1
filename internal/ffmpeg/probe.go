package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Probe checks that binPath is an ffmpeg executable and returns its resolved
// path and version line.
func Probe(ctx context.Context, binPath string) (path, version string, err error) {
	path, err = exec.LookPath(binPath)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, binPath)
	}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return path, "", fmt.Errorf("ffmpeg -version failed: %w", err)
	}

	first, _, _ := strings.Cut(string(out), "\n")
	first = strings.TrimSpace(first)
	if !strings.HasPrefix(first, "ffmpeg version") {
		return path, "", fmt.Errorf("%s does not look like ffmpeg: %q", path, first)
	}
	return path, first, nil
}
