package capture

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/EasyDarwin/EasyCapture/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/teris-io/shortid"
	"gopkg.in/natefinch/lumberjack.v2"
)

var ErrStopped = errors.New("recorder stopped")

type RecorderStopHandler func(r *Recorder)

// Options are the recorder settings shared by every stream of a registry.
type Options struct {
	Root           string
	LogDir         string
	Extension      string
	SegmentSeconds int
	AlignFirstCut  bool
	StartupWindow  time.Duration

	GracefulTimeout time.Duration
	KillTimeout     time.Duration
	JoinTimeout     time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration

	Builder CommandBuilder
}

func DefaultOptions() Options {
	return Options{
		Root:            "/recordings",
		Extension:       "mp4",
		SegmentSeconds:  30,
		AlignFirstCut:   true,
		StartupWindow:   60 * time.Second,
		GracefulTimeout: 10 * time.Second,
		KillTimeout:     5 * time.Second,
		JoinTimeout:     5 * time.Second,
		BackoffInitial:  time.Second,
		BackoffMax:      5 * time.Second,
		Builder:         FFmpegCommand("ffmpeg"),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Extension == "" {
		o.Extension = def.Extension
	}
	if o.SegmentSeconds <= 0 {
		o.SegmentSeconds = def.SegmentSeconds
	}
	if o.StartupWindow <= 0 {
		o.StartupWindow = def.StartupWindow
	}
	if o.GracefulTimeout <= 0 {
		o.GracefulTimeout = def.GracefulTimeout
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = def.KillTimeout
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = def.JoinTimeout
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = def.BackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = def.BackoffMax
	}
	if o.Builder == nil {
		o.Builder = def.Builder
	}
	return o
}

// Recorder supervises the writer process of one camera. After
// SpawnBackground it keeps restarting a failing writer with jittered
// backoff until the startup window has passed, and never restarts a
// writer that exited cleanly.
type Recorder struct {
	ID             string
	Key            Key
	SourceURL      string
	OutDir         string
	Extension      string
	SegmentSeconds int
	AlignFirstCut  bool
	StartupWindow  time.Duration
	StopHandler    RecorderStopHandler

	opts    Options
	logger  *log.Logger
	logFile string
	out     *lumberjack.Logger

	lock     sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	exitCode int
	cmdline  string
	lastErr  string
	attempts int
	loopDone chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRecorder(key Key, sourceURL string, opts Options) *Recorder {
	opts = opts.withDefaults()
	id, err := shortid.Generate()
	if err != nil {
		id = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	r := &Recorder{
		ID:             id,
		Key:            key,
		SourceURL:      sourceURL,
		OutDir:         filepath.Join(opts.Root, key.OwnerID, key.CameraID),
		Extension:      opts.Extension,
		SegmentSeconds: opts.SegmentSeconds,
		AlignFirstCut:  opts.AlignFirstCut,
		StartupWindow:  opts.StartupWindow,

		opts:     opts,
		logger:   log.NewLogger(key.String(), log.StreamId),
		exitCode: -1,
		stopCh:   make(chan struct{}),
	}
	if opts.LogDir != "" {
		r.logFile = writerLogName(opts.LogDir, key)
		r.out = newWriterLog(r.logFile)
	}
	return r
}

// Start runs a single writer without supervision and waits for it to exit,
// returning its exit code. With AlignFirstCut it first waits for the next
// segment boundary. A Stop while waiting terminates the writer and yields
// ErrStopped.
func (r *Recorder) Start() (int, error) {
	if r.AlignFirstCut && !r.sleep(UntilNextBoundary(time.Now(), r.SegmentSeconds)) {
		return -1, ErrStopped
	}
	if r.stopping() {
		return -1, ErrStopped
	}
	cmd, exited, err := r.launch()
	if err != nil {
		r.recordFailure(-1, err)
		return -1, err
	}
	select {
	case <-exited:
	case <-r.stopCh:
		r.terminate(cmd, exited)
		return r.ExitCode(), ErrStopped
	}
	code := r.ExitCode()
	if r.stopping() {
		return code, ErrStopped
	}
	if code != 0 {
		r.recordFailure(code, nil)
	}
	return code, nil
}

// SpawnBackground starts the supervision loop. Calling it again is a no-op.
func (r *Recorder) SpawnBackground() {
	r.lock.Lock()
	if r.loopDone != nil {
		r.lock.Unlock()
		return
	}
	done := make(chan struct{})
	r.loopDone = done
	r.lock.Unlock()

	go r.runLoop(done)
}

// Stop cancels the loop, terminates the writer (SIGTERM, then SIGKILL) and
// waits a bounded time for the loop to finish. It is safe to call twice.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.lock.Lock()
	cmd, exited, done := r.cmd, r.exited, r.loopDone
	r.lock.Unlock()

	if cmd != nil && exited != nil {
		r.terminate(cmd, exited)
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(r.opts.JoinTimeout):
			r.logger.Warnf("supervisor loop still busy after %s", r.opts.JoinTimeout)
		}
	}
	r.closeLog()
}

func (r *Recorder) IsRunning() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.runningLocked()
}

// Active reports whether the supervision loop is still deciding about this
// stream: aligning, running a writer or backing off.
func (r *Recorder) Active() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.loopDone != nil && !isClosed(r.loopDone)
}

func (r *Recorder) Attempts() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.attempts
}

func (r *Recorder) ExitCode() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.exitCode
}

func (r *Recorder) LastError() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.lastErr
}

func (r *Recorder) Status() models.StreamStatus {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.statusLocked()
}

func (r *Recorder) Info() models.Stream {
	r.lock.Lock()
	defer r.lock.Unlock()
	info := models.Stream{
		ID:             r.ID,
		StreamID:       r.Key.String(),
		OwnerID:        r.Key.OwnerID,
		CameraID:       r.Key.CameraID,
		SourceURL:      r.SourceURL,
		RecordDir:      r.OutDir,
		SegmentSeconds: r.SegmentSeconds,
		AlignFirstCut:  r.AlignFirstCut,
		Attempts:       r.attempts,
		Status:         r.statusLocked(),
		Cmdline:        r.cmdline,
		ErrorMessage:   r.lastErr,
	}
	if r.runningLocked() {
		info.Pid = r.cmd.Process.Pid
	}
	return info
}

func (r *Recorder) statusLocked() models.StreamStatus {
	switch {
	case r.runningLocked():
		return models.StreamRunning
	case r.loopDone != nil && !isClosed(r.loopDone):
		if r.attempts == 0 {
			return models.StreamStarting
		}
		return models.StreamRestarting
	}
	return models.StreamStopped
}

func (r *Recorder) runningLocked() bool {
	return r.exited != nil && !isClosed(r.exited)
}

func (r *Recorder) runLoop(done chan struct{}) {
	defer func() {
		r.closeLog()
		close(done)
		if r.StopHandler != nil {
			r.StopHandler(r)
		}
	}()

	deadline := time.Now().Add(r.StartupWindow)
	bo := r.newBackOff()
	for first := true; !r.stopping() && time.Now().Before(deadline); first = false {
		if first && r.AlignFirstCut {
			wait := UntilNextBoundary(time.Now(), r.SegmentSeconds)
			r.logger.Infof("waiting %s for the next %ds boundary", wait.Round(time.Millisecond), r.SegmentSeconds)
			if !r.sleep(wait) {
				return
			}
		}

		code, err := r.attempt()
		if r.stopping() {
			return
		}
		if err == nil && code == 0 {
			r.logger.Info("writer exited cleanly, not restarting")
			return
		}
		r.recordFailure(code, err)

		if !time.Now().Before(deadline) {
			break
		}
		wait := bo.NextBackOff()
		r.logger.Infof("restarting writer in %s", wait.Round(time.Millisecond))
		if !r.sleep(wait) {
			return
		}
	}
	if !r.stopping() {
		r.logger.Warnf("startup window of %s elapsed after %d attempt(s), giving up", r.StartupWindow, r.Attempts())
	}
}

// attempt runs one writer until it exits or the recorder is stopped.
func (r *Recorder) attempt() (int, error) {
	cmd, exited, err := r.launch()
	if err != nil {
		return -1, err
	}
	days := time.NewTicker(time.Hour)
	defer days.Stop()
	for {
		select {
		case <-exited:
			return r.ExitCode(), nil
		case <-r.stopCh:
			r.terminate(cmd, exited)
			return r.ExitCode(), nil
		case now := <-days.C:
			if err := ensureDayDirs(r.OutDir, now); err != nil {
				r.logger.Warn(err)
			}
		}
	}
}

func (r *Recorder) launch() (*exec.Cmd, <-chan struct{}, error) {
	cmd, err := r.opts.Builder(r)
	if err != nil {
		return nil, nil, err
	}
	if r.out != nil {
		cmd.Stdout = r.out
		cmd.Stderr = r.out
	}
	// do not let grandchildren holding the log pipe block Wait
	cmd.WaitDelay = time.Second

	r.lock.Lock()
	r.cmdline = quoteArgs(cmd.Args)
	r.attempts++
	r.lock.Unlock()

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawn writer: %w", err)
	}
	exited := make(chan struct{})
	r.lock.Lock()
	r.cmd = cmd
	r.exited = exited
	r.exitCode = -1
	r.lock.Unlock()
	r.logger.Infof("writer started, pid %d", cmd.Process.Pid)

	go func() {
		cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		r.lock.Lock()
		r.exitCode = code
		r.lock.Unlock()
		close(exited)
	}()
	return cmd, exited, nil
}

func (r *Recorder) terminate(cmd *exec.Cmd, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	default:
	}
	pid := cmd.Process.Pid
	r.logger.Infof("sending SIGTERM to pid %d", pid)
	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(r.opts.GracefulTimeout):
	}
	r.logger.Warnf("pid %d still alive after %s, killing", pid, r.opts.GracefulTimeout)
	cmd.Process.Kill()
	select {
	case <-exited:
	case <-time.After(r.opts.KillTimeout):
		r.logger.Errorf("pid %d did not exit after SIGKILL", pid)
	}
}

func (r *Recorder) recordFailure(code int, err error) {
	var msg string
	if err != nil {
		msg = err.Error()
	} else {
		msg = lastWriterError(r.logFile)
		if msg == "" {
			msg = fmt.Sprintf("writer exited with code %d", code)
		}
	}
	r.lock.Lock()
	r.lastErr = msg
	r.lock.Unlock()
	r.logger.Warn("writer failed: ", msg)
}

func (r *Recorder) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.BackoffInitial
	b.MaxInterval = r.opts.BackoffMax
	b.RandomizationFactor = 0.3
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for d and reports false if the recorder was stopped meanwhile.
func (r *Recorder) sleep(d time.Duration) bool {
	if d <= 0 {
		return !r.stopping()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stopCh:
		return false
	}
}

func (r *Recorder) stopping() bool {
	return isClosed(r.stopCh)
}

func (r *Recorder) closeLog() {
	if r.out != nil {
		r.out.Close()
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
