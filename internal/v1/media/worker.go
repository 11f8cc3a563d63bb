package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/logging"
	"github.com/huddlekit/signaling/internal/v1/types"
)

// spawnTimeout bounds how long we wait for the worker process to report
// itself running.
const spawnTimeout = 10 * time.Second

// Settings configures one worker co-process.
type Settings struct {
	Bin        string
	LogLevel   string
	RTCMinPort int
	RTCMaxPort int
}

func (s Settings) args() []string {
	logLevel := s.LogLevel
	if logLevel == "" {
		logLevel = "error"
	}
	return []string{
		fmt.Sprintf("--logLevel=%s", logLevel),
		fmt.Sprintf("--rtcMinPort=%d", s.RTCMinPort),
		fmt.Sprintf("--rtcMaxPort=%d", s.RTCMaxPort),
	}
}

// Worker owns one media worker co-process and the channel into it.
type Worker struct {
	settings Settings
	child    *exec.Cmd
	pid      int
	channel  *channel

	mu     sync.Mutex
	closed bool
	onDied func(error)
}

// NewWorker spawns the worker binary and blocks until it reports running.
// The channel rides on a unix socketpair handed to the child as extra file
// descriptors 3 (requests) and 4 (responses).
func NewWorker(ctx context.Context, settings Settings) (*Worker, error) {
	reqLocal, reqChild, err := socketPair()
	if err != nil {
		return nil, fmt.Errorf("create request socketpair: %w", err)
	}
	respLocal, respChild, err := socketPair()
	if err != nil {
		reqLocal.Close()
		reqChild.Close()
		return nil, fmt.Errorf("create response socketpair: %w", err)
	}

	writeConn, err := net.FileConn(reqLocal)
	reqLocal.Close()
	if err != nil {
		return nil, fmt.Errorf("wrap request socket: %w", err)
	}
	readConn, err := net.FileConn(respLocal)
	respLocal.Close()
	if err != nil {
		_ = writeConn.Close()
		return nil, fmt.Errorf("wrap response socket: %w", err)
	}

	child := exec.Command(settings.Bin, settings.args()...)
	child.ExtraFiles = []*os.File{reqChild, respChild}

	stderr, err := child.StderrPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := child.Start(); err != nil {
		_ = writeConn.Close()
		_ = readConn.Close()
		return nil, fmt.Errorf("spawn media worker: %w", err)
	}
	reqChild.Close()
	respChild.Close()

	w := &Worker{
		settings: settings,
		child:    child,
		pid:      child.Process.Pid,
		channel:  newChannel(writeConn, readConn),
	}

	go forwardWorkerLogs(w.pid, "stderr", stderr, true)
	go forwardWorkerLogs(w.pid, "stdout", stdout, false)

	running := make(chan struct{})
	target := fmt.Sprintf("%d", w.pid)
	w.channel.Subscribe(target, func(event string, _ json.RawMessage) {
		if event == "running" {
			close(running)
		}
	})
	defer w.channel.Unsubscribe(target)

	go w.wait()

	select {
	case <-running:
	case <-time.After(spawnTimeout):
		w.Close()
		return nil, fmt.Errorf("media worker [pid:%d] did not report running", w.pid)
	case <-ctx.Done():
		w.Close()
		return nil, ctx.Err()
	}

	logging.Info(ctx, "Media worker running", zap.Int("pid", w.pid))
	return w, nil
}

// Pid returns the worker process id.
func (w *Worker) Pid() int {
	return w.pid
}

// Closed reports whether the worker has exited or been closed.
func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// OnDied registers the single fatal-death callback. It fires only when the
// process exits without Close having been called.
func (w *Worker) OnDied(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDied = fn
}

// CreateRouter asks the worker for a new router loaded with the given codec
// descriptor set.
func (w *Worker) CreateRouter(ctx context.Context, mediaCodecs types.Opaque) (Router, error) {
	routerID := uuid.NewString()
	data, err := w.channel.Request(ctx, "worker.createRouter", routerID, map[string]any{
		"routerId":    routerID,
		"mediaCodecs": mediaCodecs,
	})
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	var resp struct {
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode createRouter response: %w", err)
	}

	return &router{
		id:              routerID,
		rtpCapabilities: resp.RtpCapabilities,
		channel:         w.channel,
	}, nil
}

// Close tears the worker down deliberately; no died callback fires.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.channel.Close()
	if w.child != nil && w.child.Process != nil {
		_ = w.child.Process.Signal(syscall.SIGTERM)
	}
}

func (w *Worker) wait() {
	err := w.child.Wait()

	w.mu.Lock()
	deliberate := w.closed
	w.closed = true
	onDied := w.onDied
	w.mu.Unlock()

	w.channel.Close()

	if deliberate {
		return
	}

	if err == nil {
		err = fmt.Errorf("media worker [pid:%d] exited unexpectedly", w.pid)
	} else {
		err = fmt.Errorf("media worker [pid:%d] died: %w", w.pid, err)
	}
	logging.Error(context.Background(), "Media worker died", zap.Int("pid", w.pid), zap.Error(err))
	if onDied != nil {
		onDied(err)
	}
}

func socketPair() (local, child *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "worker-channel-local"),
		os.NewFile(uintptr(fds[1]), "worker-channel-child"), nil
}

func forwardWorkerLogs(pid int, stream string, r io.Reader, asError bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if asError {
			logging.GetLogger().Error("worker "+stream, zap.Int("pid", pid), zap.String("line", scanner.Text()))
		} else {
			logging.GetLogger().Debug("worker "+stream, zap.Int("pid", pid), zap.String("line", scanner.Text()))
		}
	}
}
