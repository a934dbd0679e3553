package encode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"pulsecast/internal/media"
)

// FFmpegConfig configures the encode pipelines: raw RGBA frames in on stdin,
// VP8 in an IVF container out on stdout. Geometry and cadence come from the
// Format passed to each Encode call; the fields here are fallbacks for
// formats that leave them zero.
type FFmpegConfig struct {
	// Binary is the ffmpeg executable. Defaults to "ffmpeg" on PATH.
	Binary    string
	Width     int
	Height    int
	FrameRate int
	// BitrateKbps is the target video bitrate. Defaults to 2500.
	BitrateKbps int
	Logger      *slog.Logger
}

func (c *FFmpegConfig) applyDefaults() {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.BitrateKbps <= 0 {
		c.BitrateKbps = 2500
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c FFmpegConfig) validate() error {
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("encode: fallback dimensions %dx%d must not be negative", c.Width, c.Height)
	}
	return nil
}

// resolveFormat fills zero format fields from the config fallbacks and
// validates the result.
func (c FFmpegConfig) resolveFormat(format Format) (Format, error) {
	if format.Width <= 0 {
		format.Width = c.Width
	}
	if format.Height <= 0 {
		format.Height = c.Height
	}
	if format.FrameRate <= 0 {
		format.FrameRate = c.FrameRate
	}
	if format.FrameRate <= 0 {
		format.FrameRate = 30
	}
	if format.Width <= 0 || format.Height <= 0 {
		return Format{}, fmt.Errorf("encode: dimensions %dx%d must be positive", format.Width, format.Height)
	}
	return format, nil
}

// FFmpegEncoder shells out to ffmpeg per encode. Each Encode call owns one
// child process; Close tears down every process still running.
type FFmpegEncoder struct {
	cfg    FFmpegConfig
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	procs  map[*processState]struct{}
}

type processState struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFFmpegEncoder validates the config and returns an encoder ready for
// Encode calls. No process is started until Encode.
func NewFFmpegEncoder(cfg FFmpegConfig) (*FFmpegEncoder, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &FFmpegEncoder{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "encoder"),
		procs:  make(map[*processState]struct{}),
	}, nil
}

// buildEncodeArgs assembles the ffmpeg invocation: raw RGBA on stdin, VP8
// IVF on stdout, tuned for realtime output.
func buildEncodeArgs(cfg FFmpegConfig, format Format) []string {
	return []string{
		"-hide_banner",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", format.Width, format.Height),
		"-r", strconv.Itoa(format.FrameRate),
		"-i", "pipe:0",
		"-c:v", "libvpx",
		"-b:v", fmt.Sprintf("%dk", cfg.BitrateKbps),
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-f", "ivf",
		"pipe:1",
	}
}

// Encode starts an ffmpeg child fed by the source track and returns the
// encoded-sample track. The returned track closes when the source closes,
// the context ends, or ffmpeg exits.
func (e *FFmpegEncoder) Encode(ctx context.Context, source *media.FrameTrack, format Format) (*media.SampleTrack, error) {
	if source == nil {
		return nil, fmt.Errorf("encode: source track is required")
	}
	format, err := e.cfg.resolveFormat(format)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEncoderClosed
	}
	e.mu.Unlock()

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, e.cfg.Binary, buildEncodeArgs(e.cfg, format)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encode: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encode: stdout pipe: %w", err)
	}
	cmd.Stderr = newLogWriter(e.logger, source.ID())

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("encode: start ffmpeg: %w", err)
	}

	proc := &processState{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		_ = cmd.Wait()
		close(proc.done)
		return nil, ErrEncoderClosed
	}
	e.procs[proc] = struct{}{}
	e.mu.Unlock()

	encoded := media.NewSampleTrack(source.ID()+"-vp8", media.TrackKindVideo, 32)
	expected := format.Width * format.Height * 4

	go e.writeFrames(stdin, source, expected)
	go func() {
		e.readSamples(stdout, encoded, format)
		encoded.Close()
		if err := cmd.Wait(); err != nil && procCtx.Err() == nil {
			e.logger.Warn("ffmpeg exited with error", "track_id", source.ID(), "error", err)
		}
		cancel()
		close(proc.done)
		e.mu.Lock()
		delete(e.procs, proc)
		e.mu.Unlock()
	}()

	return encoded, nil
}

// writeFrames streams raw pixels into ffmpeg until the source track closes.
// Frames whose buffer does not match the configured geometry are dropped;
// feeding ffmpeg a short read would desynchronize every later frame.
func (e *FFmpegEncoder) writeFrames(stdin io.WriteCloser, source *media.FrameTrack, expected int) {
	defer stdin.Close()
	for frame := range source.Frames() {
		if frame.Image == nil || len(frame.Image.Pix) != expected {
			e.logger.Debug("dropping frame with unexpected geometry", "track_id", source.ID())
			continue
		}
		if _, err := stdin.Write(frame.Image.Pix); err != nil {
			return
		}
	}
}

// readSamples demuxes ffmpeg's IVF output into encoded samples. Timestamps
// come from the IVF frame headers scaled by the file header's timebase.
func (e *FFmpegEncoder) readSamples(stdout io.Reader, track *media.SampleTrack, format Format) {
	reader, header, err := ivfreader.NewWith(stdout)
	if err != nil {
		if err != io.EOF {
			e.logger.Warn("ivf header parse failed", "error", err)
		}
		return
	}

	frameInterval := time.Second / time.Duration(format.FrameRate)
	var lastTimestamp uint64
	var havePrev bool
	for {
		payload, frameHeader, err := reader.ParseNextFrame()
		if err != nil {
			if err != io.EOF {
				e.logger.Warn("ivf frame parse failed", "error", err)
			}
			return
		}
		duration := frameInterval
		if havePrev {
			if d := timebaseDuration(header, frameHeader.Timestamp-lastTimestamp); d > 0 {
				duration = d
			}
		}
		lastTimestamp = frameHeader.Timestamp
		havePrev = true

		data := make([]byte, len(payload))
		copy(data, payload)
		track.WriteSample(media.Sample{
			Data:     data,
			Duration: duration,
			PTS:      timebaseDuration(header, frameHeader.Timestamp),
		})
	}
}

// timebaseDuration converts an IVF tick count to a duration using the file
// header's timebase fraction.
func timebaseDuration(header *ivfreader.IVFFileHeader, ticks uint64) time.Duration {
	if header == nil || header.TimebaseDenominator == 0 {
		return 0
	}
	seconds := float64(ticks) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator)
	return time.Duration(seconds * float64(time.Second))
}

// Close cancels every running ffmpeg child and waits for them to exit.
// Subsequent Encode calls fail with ErrEncoderClosed.
func (e *FFmpegEncoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	procs := make([]*processState, 0, len(e.procs))
	for proc := range e.procs {
		procs = append(procs, proc)
	}
	e.mu.Unlock()

	for _, proc := range procs {
		proc.cancel()
	}
	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-time.After(5 * time.Second):
			e.logger.Warn("timeout waiting for ffmpeg to stop")
		}
	}
	return nil
}

// logWriter splits a child process stream into log lines.
type logWriter struct {
	logger  *slog.Logger
	trackID string
}

func newLogWriter(logger *slog.Logger, trackID string) *logWriter {
	return &logWriter{logger: logger, trackID: trackID}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg", "track_id", w.trackID, "line", string(line))
	}
	return total, nil
}
