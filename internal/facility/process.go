// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package facility

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/supervisor"
)

// CfgDirVar is replaced by the facility's config directory in arguments.
const CfgDirVar = "${CFG_DIR}"

const (
	maxLineSize      = 1 << 20
	defaultStopGrace = 3 * time.Second
)

// Descriptor is the static description of a traffic facility.
type Descriptor struct {
	Name      string
	Exec      string
	Args      []string
	ConfigDir string
	Priority  int
}

// Argv returns the argument list with CfgDirVar expanded.
func (d Descriptor) Argv() []string {
	out := make([]string, len(d.Args))
	for i, a := range d.Args {
		out[i] = strings.ReplaceAll(a, CfgDirVar, d.ConfigDir)
	}
	return out
}

// Handlers receive a process's output. Both run on the process's reader
// goroutines; Closed is called exactly once and no Event follows it.
// Closed fires on the first bad line, or after the process exits when its
// stream simply ends. Events read after Stop are dropped.
type Handlers struct {
	Event  func(Event)
	Closed func(err error)
}

// Process is a running facility.
type Process struct {
	desc    Descriptor
	session string
	logger  *logging.Logger
	cmd     *exec.Cmd
	grace   time.Duration

	stdout *os.File
	stderr *os.File

	stopping  atomic.Bool
	stopped   chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	exit      supervisor.ExitEvent
	closeOnce sync.Once
	onClosed  func(error)
}

// Start launches the facility. The returned process streams events to h
// until its output ends.
func Start(desc Descriptor, h Handlers, logger *logging.Logger) (*Process, error) {
	if logger == nil {
		logger = logging.WithComponent("facility")
	}
	session := uuid.NewString()
	logger = logger.WithFields(map[string]any{"facility": desc.Name, "session": session})

	cmd := exec.Command(desc.Exec, desc.Argv()...)
	cmd.Dir = desc.ConfigDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Plain pipes keep cmd.Wait independent of the readers, so exit is
	// observed even while a handler is blocked.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindStartup, "facility %s", desc.Name)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, errors.Wrapf(err, errors.KindStartup, "facility %s", desc.Name)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, errors.Wrapf(err, errors.KindStartup, "failed to start facility %s", desc.Name)
	}

	p := &Process{
		desc:     desc,
		session:  session,
		logger:   logger,
		cmd:      cmd,
		grace:    defaultStopGrace,
		stdout:   stdout,
		stderr:   stderr,
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		onClosed: h.Closed,
	}
	logger.Info("Facility started", "pid", cmd.Process.Pid, "exec", desc.Exec)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.logStderr(stderr)
	}()
	go func() {
		defer readers.Done()
		if err := p.readEvents(stdout, h.Event); err != nil {
			p.close(err)
		}
	}()
	var werr error
	go func() {
		werr = cmd.Wait()
		p.exit = supervisor.FromProcessState(desc.Name, cmd.ProcessState, p.stopping.Load())
		close(p.done)
	}()
	go func() {
		readers.Wait()
		<-p.done
		stdout.Close()
		stderr.Close()

		if werr != nil && cmd.ProcessState == nil {
			p.close(errors.Wrap(werr, errors.KindProtocol, "stream closed by peer"))
			return
		}
		p.close(errors.Errorf(errors.KindProtocol, "stream closed by peer: %s", p.exit))
	}()
	return p, nil
}

func (p *Process) close(err error) {
	p.closeOnce.Do(func() {
		if p.onClosed != nil {
			p.onClosed(err)
		}
	})
}

// Name returns the facility name.
func (p *Process) Name() string { return p.desc.Name }

// Priority returns the priority of every fact the facility contributes.
func (p *Process) Priority() int { return p.desc.Priority }

// Session returns the unique id of this run.
func (p *Process) Session() string { return p.session }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit describes how the process ended. Valid once Done is closed.
func (p *Process) Exit() supervisor.ExitEvent { return p.exit }

// readEvents parses lines until EOF or the first bad line. After a bad line
// the rest of the stream is drained so the child never blocks on write.
func (p *Process) readEvents(r io.Reader, emit func(Event)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			io.Copy(io.Discard, r)
			return err
		}
		select {
		case <-p.stopped:
			continue
		default:
		}
		if emit != nil {
			emit(ev)
		}
	}
	if err := sc.Err(); err != nil {
		if p.isStopped() {
			return nil
		}
		io.Copy(io.Discard, r)
		return errors.Wrap(err, errors.KindProtocol, "failed to read facility stream")
	}
	return nil
}

func (p *Process) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	for sc.Scan() {
		p.logger.Warn("Facility stderr", "line", sc.Text())
	}
	io.Copy(io.Discard, r)
}

func (p *Process) isStopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM and waits for exit, escalating to SIGKILL after the
// grace period. It waits for the process only, never for a handler still
// holding a read event. Stopping an exited process is a no-op.
func (p *Process) Stop() error {
	p.stopping.Store(true)
	p.stopOnce.Do(func() { close(p.stopped) })
	defer p.release()
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		<-p.done
		return nil
	}
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("Facility did not exit on SIGTERM, killing")
		syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		<-p.done
	}
	p.logger.Info("Facility terminated", "exit", p.exit.String())
	return nil
}

// release closes the read ends once the process is gone, so readers stuck
// on output from a lingering descendant give up.
func (p *Process) release() {
	p.stdout.Close()
	p.stderr.Close()
}
