package capture

import (
	"bufio"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-video/agent/internal/proc"
)

const publishStopGrace = 2 * time.Second

// FFmpegPublisher pushes one stream to the media server and keeps it up,
// respawning ffmpeg with backoff if it exits while the publisher is started.
type FFmpegPublisher struct {
	name       string
	input      string
	output     string
	ffmpegPath string
	customArgs []string

	mu            sync.Mutex
	cmd           *exec.Cmd
	running       bool
	startedAt     time.Time
	lastStoppedAt time.Time
	stop          chan struct{}
	done          chan struct{}
}

// NewFFmpegPublisher republishes input to output. Name only appears in logs.
func NewFFmpegPublisher(name, input, output string) *FFmpegPublisher {
	return &FFmpegPublisher{
		name:       name,
		input:      input,
		output:     output,
		ffmpegPath: "ffmpeg",
	}
}

// SetCommand overrides the spawned command entirely. Used by tests.
func (p *FFmpegPublisher) SetCommand(path string, args ...string) {
	p.ffmpegPath = path
	p.customArgs = args
}

func (p *FFmpegPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("capture: publisher already running")
	}
	p.running = true
	p.startedAt = time.Now()
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done)
	log.Info("publisher started", "name", p.name, "output", p.output)
	return nil
}

func (p *FFmpegPublisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.lastStoppedAt = time.Now()
	stop, done, cmd := p.stop, p.done, p.cmd
	p.mu.Unlock()

	close(stop)
	if cmd != nil {
		if err := proc.Terminate(cmd); err != nil {
			log.Warn("terminating publisher", "name", p.name, "error", err)
		}
	}
	select {
	case <-done:
	case <-time.After(publishStopGrace):
		p.mu.Lock()
		cmd = p.cmd
		p.mu.Unlock()
		if cmd != nil {
			proc.KillGroup(cmd)
		}
		<-done
	}
	log.Info("publisher stopped", "name", p.name)
	return nil
}

func (p *FFmpegPublisher) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *FFmpegPublisher) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

func (p *FFmpegPublisher) LastStoppedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStoppedAt
}

func (p *FFmpegPublisher) loop(stop chan struct{}, done chan struct{}) {
	defer close(done)

	delay := respawnMinDelay
	for {
		select {
		case <-stop:
			return
		default:
		}

		started := time.Now()
		err := p.publishOnce(stop)
		select {
		case <-stop:
			return
		default:
		}

		if time.Since(started) > 10*time.Second {
			delay = respawnMinDelay
		}
		log.Warn("publish process ended, respawning",
			"name", p.name,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-stop:
			return
		}
		delay *= 2
		if delay > respawnMaxDelay {
			delay = respawnMaxDelay
		}
	}
}

func (p *FFmpegPublisher) publishOnce(stop chan struct{}) error {
	args := p.customArgs
	if len(args) == 0 {
		args = buildPublishArgs(p.input, p.output)
	}
	cmd := exec.Command(p.ffmpegPath, args...)
	proc.SetGroup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("ffmpeg publish", "name", p.name, "line", scanner.Text())
		}
	}()

	err = cmd.Wait()

	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()
	return err
}

func buildPublishArgs(input, output string) []string {
	var args []string
	switch {
	case strings.HasPrefix(input, "rtsp://"):
		// Stream already encoded on the media server or camera, pass through.
		args = []string{"-rtsp_transport", "tcp", "-i", input, "-c", "copy"}
	case strings.HasPrefix(input, "http://"), strings.HasPrefix(input, "https://"):
		args = []string{"-i", input, "-c", "copy"}
	default:
		args = []string{
			"-f", "v4l2",
			"-i", input,
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
		}
	}
	return append(args, "-f", "rtsp", "-rtsp_transport", "tcp", output)
}
