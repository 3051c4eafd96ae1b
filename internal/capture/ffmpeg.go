package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-video/agent/internal/logging"
	"github.com/kestrel-video/agent/internal/proc"
)

var log = logging.L("capture")

const (
	frameChanDepth  = 4
	respawnMinDelay = 500 * time.Millisecond
	respawnMaxDelay = 5 * time.Second
)

// SourceConfig describes the camera input and the raw frame geometry ffmpeg
// must deliver.
type SourceConfig struct {
	Input      string  // rtsp://, http(s)://, or a v4l2 device path
	Width      int
	Height     int
	Format     string  // rgb, bgr or gray
	FPS        float64 // capture rate; the feeder samples this down
	FFmpegPath string  // defaults to "ffmpeg"

	// CustomArgs replaces the generated argv entirely when set. Used for
	// exotic sources and by tests.
	CustomArgs []string
}

// FFmpegSource reads fixed-size raw frames from an ffmpeg pipe and respawns
// the process with backoff when it dies. A slow consumer loses the oldest
// buffered frame, never the newest.
type FFmpegSource struct {
	cfg    SourceConfig
	frames chan *Frame

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	seq      atomic.Uint64
	captured atomic.Uint64
	dropped  atomic.Uint64
}

func NewFFmpegSource(cfg SourceConfig) *FFmpegSource {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &FFmpegSource{
		cfg:    cfg,
		frames: make(chan *Frame, frameChanDepth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *FFmpegSource) Start(ctx context.Context) error {
	if BytesPerPixel(s.cfg.Format) == 0 {
		return fmt.Errorf("capture: unsupported frame format %q", s.cfg.Format)
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("capture: source already started")
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

func (s *FFmpegSource) Frames() <-chan *Frame { return s.frames }

// Stop kills the ffmpeg process and closes the frames channel. Blocks until
// the reader goroutine has exited.
func (s *FFmpegSource) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	s.killCurrent()
	if started {
		<-s.done
	}
}

// Stats returns how many frames were read from ffmpeg and how many were
// dropped because the consumer lagged.
func (s *FFmpegSource) Stats() (captured, dropped uint64) {
	return s.captured.Load(), s.dropped.Load()
}

func (s *FFmpegSource) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.frames)

	delay := respawnMinDelay
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := s.captureOnce(ctx)
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if n > 0 {
			delay = respawnMinDelay
		}
		log.Warn("capture pipe ended, respawning",
			"input", s.cfg.Input,
			"frames", n,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > respawnMaxDelay {
			delay = respawnMaxDelay
		}
	}
}

// captureOnce runs one ffmpeg process to completion, emitting every full
// frame it produces. Returns the number of frames read.
func (s *FFmpegSource) captureOnce(ctx context.Context) (int, error) {
	args := s.cfg.CustomArgs
	if len(args) == 0 {
		args = buildSourceArgs(s.cfg)
	}
	cmd := exec.Command(s.cfg.FFmpegPath, args...)
	proc.SetGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("ffmpeg", "line", scanner.Text())
		}
	}()

	frameSize := s.cfg.Width * s.cfg.Height * BytesPerPixel(s.cfg.Format)
	reader := bufio.NewReaderSize(stdout, 64*1024)
	frames := 0
	var readErr error
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(reader, buf); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				readErr = err
			}
			break
		}
		frames++
		s.captured.Add(1)
		s.emit(&Frame{
			ID:        s.seq.Add(1),
			Data:      buf,
			Width:     s.cfg.Width,
			Height:    s.cfg.Height,
			Format:    s.cfg.Format,
			CaptureTs: MonoNow(),
			WallTs:    time.Now().UnixMilli(),
		})
	}

	waitErr := cmd.Wait()
	if readErr == nil {
		readErr = waitErr
	}

	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()
	return frames, readErr
}

func (s *FFmpegSource) emit(f *Frame) {
	select {
	case s.frames <- f:
		return
	default:
	}
	select {
	case <-s.frames:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
	}
}

func (s *FFmpegSource) killCurrent() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil {
		if err := proc.KillGroup(cmd); err != nil {
			log.Warn("killing capture process", "error", err)
		}
	}
}

func buildSourceArgs(cfg SourceConfig) []string {
	fps := strconv.FormatFloat(cfg.FPS, 'f', -1, 64)
	size := fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)

	var args []string
	switch {
	case strings.HasPrefix(cfg.Input, "rtsp://"):
		args = []string{"-rtsp_transport", "tcp", "-i", cfg.Input}
	case strings.HasPrefix(cfg.Input, "http://"), strings.HasPrefix(cfg.Input, "https://"):
		args = []string{"-i", cfg.Input}
	default:
		// V4L2 device (USB camera)
		args = []string{
			"-f", "v4l2",
			"-video_size", size,
			"-framerate", fps,
			"-i", cfg.Input,
		}
	}

	return append(args,
		"-f", "rawvideo",
		"-pix_fmt", pixFmt(cfg.Format),
		"-s", size,
		"-r", fps,
		"-",
	)
}

func pixFmt(format string) string {
	switch format {
	case "rgb":
		return "rgb24"
	case "bgr":
		return "bgr24"
	case "gray":
		return "gray"
	}
	return format
}
