package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Prober reads media duration with an ffprobe-style command template.
type Prober struct {
	runner Runner
	tmpl   []string
}

func NewProber(runner Runner, tmpl []string) *Prober {
	return &Prober{runner: runner, tmpl: tmpl}
}

type ProbeInfo struct {
	DurationSeconds float64
	Title           string
}

func (p *Prober) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	cmd, err := Expand(p.tmpl, Vars{Video: path, Out: path})
	if err != nil {
		return ProbeInfo{}, err
	}
	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return ProbeInfo{}, err
	}
	return ParseProbeOutput(res.Stdout)
}

type ffprobeOutput struct {
	Format struct {
		Duration string            `json:"duration"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
}

// ParseProbeOutput accepts either a bare duration in seconds or ffprobe
// JSON with a format section.
func ParseProbeOutput(out []byte) (ProbeInfo, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return ProbeInfo{}, fmt.Errorf("probe: empty output")
	}
	if trimmed[0] == '{' {
		var raw ffprobeOutput
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return ProbeInfo{}, fmt.Errorf("parse ffprobe JSON: %w", err)
		}
		d, err := strconv.ParseFloat(raw.Format.Duration, 64)
		if err != nil {
			return ProbeInfo{}, fmt.Errorf("probe duration %q: %w", raw.Format.Duration, err)
		}
		info := ProbeInfo{DurationSeconds: d}
		for k, v := range raw.Format.Tags {
			if strings.EqualFold(k, "title") {
				info.Title = v
			}
		}
		return info, nil
	}
	line := strings.TrimSpace(strings.SplitN(string(trimmed), "\n", 2)[0])
	d, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("probe duration %q: %w", line, err)
	}
	return ProbeInfo{DurationSeconds: d}, nil
}
