package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExtractFrames writes one JPEG still every interval seconds into
// outputDir/<videoName>/frame_%04d.jpg and returns that directory. Existing
// frames are reused.
func ExtractFrames(ctx context.Context, logger *slog.Logger, videoPath, outputDir string, interval int) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("interval must be positive, got %d", interval)
	}
	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return "", fmt.Errorf("%w: video file does not exist at path: '%s'", ErrSourceUnavailable, videoPath)
	}

	videoName := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	frameDirPath := filepath.Join(outputDir, videoName)

	if n := countFrames(frameDirPath); n > 0 {
		logger.Info("frames already exist, skipping extraction", "dir", frameDirPath, "frames", n)
		return frameDirPath, nil
	}

	if err := os.MkdirAll(frameDirPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create frame directory '%s': %w", frameDirPath, err)
	}

	logger.Info("extracting frames", "video", videoPath, "dir", frameDirPath, "interval_s", interval)

	ffmpegCommand := exec.CommandContext(ctx,
		"ffmpeg",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=1/%d", interval),
		filepath.Join(frameDirPath, "frame_%04d.jpg"),
	)

	output, err := ffmpegCommand.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: ffmpeg failed: %v\nOutput: %s", ErrSourceUnavailable, err, string(output))
	}

	logger.Info("frames extracted", "dir", frameDirPath, "frames", countFrames(frameDirPath))
	return frameDirPath, nil
}

func countFrames(dir string) int {
	files, err := frameFiles(dir)
	if err != nil {
		return 0
	}
	return len(files)
}
