package subprocess

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"kirinuki-pipeline/internal/domain/ports/adapter"
)

var (
	_ adapter.Downloader  = (*CommandDownloader)(nil)
	_ adapter.Transcriber = (*CommandTranscriber)(nil)
	_ adapter.VideoCutter = (*FFmpegCutter)(nil)
)

// CommandDownloader runs the download template and probes the result.
type CommandDownloader struct {
	runner Runner
	tmpl   []string
	prober *Prober
	log    *zerolog.Logger
}

func NewCommandDownloader(runner Runner, tmpl []string, prober *Prober, logger *zerolog.Logger) *CommandDownloader {
	return &CommandDownloader{runner: runner, tmpl: tmpl, prober: prober, log: logger}
}

func (d *CommandDownloader) Download(ctx context.Context, req adapter.DownloadRequest) (adapter.DownloadResult, error) {
	cmd, err := Expand(d.tmpl, Vars{
		JobID:   req.JobID,
		Video:   req.OutputPath,
		WorkDir: filepath.Dir(req.OutputPath),
		Out:     req.OutputPath,
	})
	if err != nil {
		return adapter.DownloadResult{}, err
	}
	if _, err := d.runner.Run(ctx, cmd); err != nil {
		return adapter.DownloadResult{}, err
	}
	info, err := d.prober.Probe(ctx, req.OutputPath)
	if err != nil {
		// The video is on disk; an unknown duration only falls back to one batch.
		d.log.Warn().Err(err).Str("video", req.OutputPath).Msg("could not probe source duration")
		return adapter.DownloadResult{}, nil
	}
	return adapter.DownloadResult{DurationSeconds: info.DurationSeconds, Title: info.Title}, nil
}

// CommandTranscriber runs a transcription template that writes {transcript}.
type CommandTranscriber struct {
	runner Runner
	tmpl   []string
}

func NewCommandTranscriber(runner Runner, tmpl []string) *CommandTranscriber {
	return &CommandTranscriber{runner: runner, tmpl: tmpl}
}

func (t *CommandTranscriber) Transcribe(ctx context.Context, req adapter.TranscribeRequest) error {
	cmd, err := Expand(t.tmpl, Vars{
		JobID:      req.JobID,
		Video:      req.VideoPath,
		Transcript: req.OutputPath,
		WorkDir:    filepath.Dir(req.OutputPath),
		Out:        req.OutputPath,
	})
	if err != nil {
		return err
	}
	_, err = t.runner.Run(ctx, cmd)
	return err
}

// FFmpegCutter re-encodes [Start, End) so cuts land on exact frames.
type FFmpegCutter struct {
	runner Runner
	ffmpeg string
}

func NewFFmpegCutter(runner Runner, ffmpegPath string) *FFmpegCutter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegCutter{runner: runner, ffmpeg: ffmpegPath}
}

func (c *FFmpegCutter) Cut(ctx context.Context, req adapter.CutRequest) error {
	if req.End <= req.Start {
		return fmt.Errorf("cut %s: empty span %.3f-%.3f", filepath.Base(req.OutputPath), req.Start, req.End)
	}
	_, err := c.runner.Run(ctx, Command{Name: c.ffmpeg, Args: cutArgs(req)})
	return err
}

func cutArgs(req adapter.CutRequest) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(req.Start),
		"-i", req.SourcePath,
		"-t", formatSeconds(req.End - req.Start),
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "20",
		"-c:a", "aac", "-b:a", "160k",
		"-movflags", "+faststart",
		"-f", "mp4",
		req.OutputPath,
	}
}

func formatSeconds(s float64) string { return strconv.FormatFloat(s, 'f', 3, 64) }
