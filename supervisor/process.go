package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/config"
)

// PortEnv carries the reserved port to managed children.
const PortEnv = "TOOLPROXY_PORT"

// launch runs one start attempt. On failure every resource it acquired is
// released before it returns.
func (s *Supervisor) launch(ctx context.Context, stop chan struct{}) (_ *incarnation, err error) {
	s.spawns.Add(1)
	inc := &incarnation{
		Incarnation: Incarnation{Generation: s.generation.Add(1), Host: s.opts.Host},
		exitCode:    -1,
	}
	defer func() {
		if err != nil {
			s.teardown(inc)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.reserve(inc); err != nil {
		return nil, err
	}
	if s.desc.Managed() {
		if err := s.spawn(inc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailure, s.desc.Name, err)
		}
	}
	t, err := s.opts.Dialers.Dial(s.desc, inc.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailure, s.desc.Name, err)
	}
	inc.Transport = t

	if err := s.probe(ctx, inc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProbeFailed, s.desc.Name, err)
	}
	if s.opts.Attach != nil {
		closer, err := s.opts.Attach(ctx, inc.Incarnation)
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", s.desc.Name, err)
		}
		inc.attach = closer
	}
	inc.StartedAt = time.Now()
	return inc, nil
}

func (s *Supervisor) reserve(inc *incarnation) error {
	if s.desc.Transport.Network() {
		host, port, err := s.desc.Endpoint()
		if err != nil {
			return err
		}
		inc.Host, inc.Port = host, port
		if s.opts.Ports == nil || !s.desc.Managed() {
			return nil
		}
		if _, err := s.opts.Ports.ReserveExact(port); err != nil {
			return err
		}
		inc.port = port
		return nil
	}
	if s.opts.Ports == nil {
		return nil
	}
	port, err := s.opts.Ports.Reserve(s.desc.Port)
	if err != nil {
		return err
	}
	inc.Port, inc.port = port, port
	return nil
}

// spawn starts the child with os.Pipe ends so exec.Cmd.Wait never closes
// the parent's side while the transport is still reading.
func (s *Supervisor) spawn(inc *incarnation) error {
	cmd := exec.Command(s.desc.Command, s.desc.Args...)
	cmd.Dir = s.desc.WorkDir
	cmd.Env = s.environ(inc.Port)

	var childEnds, parentEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return err
	}
	childEnds = append(childEnds, stderrW)
	parentEnds = append(parentEnds, stderrR)
	cmd.Stderr = stderrW
	cmd.Stdout = stderrW

	if s.desc.Transport == config.TransportStdio {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			closeAll(childEnds)
			closeAll(parentEnds)
			return err
		}
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			closeAll(append(childEnds, stdinR))
			closeAll(append(parentEnds, stdinW))
			return err
		}
		childEnds = append(childEnds, stdinR, stdoutW)
		parentEnds = append(parentEnds, stdinW, stdoutR)
		cmd.Stdin = stdinR
		cmd.Stdout = stdoutW
		inc.conn = backend.Conn{Stdin: stdinW, Stdout: stdoutR}
	}

	if err := cmd.Start(); err != nil {
		closeAll(childEnds)
		closeAll(parentEnds)
		inc.conn = backend.Conn{}
		return err
	}
	closeAll(childEnds)

	inc.cmd = cmd
	inc.PID = cmd.Process.Pid
	inc.exited = make(chan struct{})
	go s.drain(stderrR, inc.Generation)
	go func() {
		err := cmd.Wait()
		inc.exitErr = err
		if cmd.ProcessState != nil {
			inc.exitCode = cmd.ProcessState.ExitCode()
		}
		close(inc.exited)
	}()
	return nil
}

func (s *Supervisor) environ(port int) []string {
	env := os.Environ()
	if port > 0 {
		env = append(env, PortEnv+"="+strconv.Itoa(port))
	}
	keys := make([]string, 0, len(s.desc.Env))
	for k := range s.desc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.desc.Env[k])
	}
	return env
}

// drain forwards the child's diagnostic output to the logger line by line.
func (s *Supervisor) drain(r io.ReadCloser, generation uint64) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if s.opts.Logger != nil {
			s.opts.Logger.Info("backend output", "backend", s.desc.Name, "generation", generation, "stream", "stderr", "line", sc.Text())
		}
	}
}

// probe opens the transport and lists tools within the descriptor timeout.
// Network backends are retried until the deadline since the child may not
// be listening yet; a child exit ends the probe early.
func (s *Supervisor) probe(ctx context.Context, inc *incarnation) error {
	ctx, cancel := context.WithTimeout(ctx, s.desc.Timeout())
	defer cancel()
	if inc.exited != nil {
		go func() {
			select {
			case <-inc.exited:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	attempt := func() error {
		if err := inc.Transport.Open(ctx); err != nil {
			return err
		}
		_, err := inc.Transport.ListTools(ctx)
		return err
	}

	var err error
	if s.desc.Transport.Network() {
		var last error
		b := backoff.WithContext(backoff.NewConstantBackOff(s.opts.ProbeInterval), ctx)
		err = backoff.Retry(func() error {
			last = attempt()
			if last != nil && inc.hasExited() {
				return backoff.Permanent(last)
			}
			return last
		}, b)
		if err != nil && last != nil && !errors.Is(err, last) {
			err = fmt.Errorf("%w: %v", err, last)
		}
	} else {
		err = attempt()
	}
	if err != nil && inc.hasExited() {
		return fmt.Errorf("process exited with code %d: %w", inc.exitCode, err)
	}
	return err
}

func (inc *incarnation) hasExited() bool {
	if inc.exited == nil {
		return false
	}
	select {
	case <-inc.exited:
		return true
	default:
		return false
	}
}

// teardown releases an incarnation: bridge first, then transport, then the
// process, and the port last, once the process is confirmed gone.
func (s *Supervisor) teardown(inc *incarnation) {
	if inc.attach != nil {
		if err := inc.attach.Close(); err != nil && s.opts.Logger != nil {
			s.opts.Logger.Warn("detach failed", "backend", s.desc.Name, "generation", inc.Generation, "error", err)
		}
		inc.attach = nil
	}
	if inc.Transport != nil {
		_ = inc.Transport.Close()
	} else {
		if inc.conn.Stdin != nil {
			_ = inc.conn.Stdin.Close()
		}
		if inc.conn.Stdout != nil {
			_ = inc.conn.Stdout.Close()
		}
	}
	if inc.cmd != nil {
		s.terminate(inc)
	}
	if inc.port != 0 && s.opts.Ports != nil {
		s.opts.Ports.Release(inc.port)
		inc.port = 0
	}
}

// terminate signals the child, waits GracePeriod, then kills it. It
// returns only after the process has exited.
func (s *Supervisor) terminate(inc *incarnation) {
	if inc.hasExited() {
		return
	}
	if err := terminateProcess(inc.cmd.Process); err != nil {
		_ = inc.cmd.Process.Kill()
	}
	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-inc.exited:
		return
	case <-grace.C:
	}
	if s.opts.Logger != nil {
		s.opts.Logger.Warn("backend ignored terminate, killing", "backend", s.desc.Name, "pid", inc.PID)
	}
	_ = inc.cmd.Process.Kill()
	<-inc.exited
}
