// Package pty owns the child process attached to a PTY master file
// descriptor on behalf of one session: spawn, read, write, resize and
// terminate. It is the Go remodel of the source's forkpty(3)-based
// thread_run_command, built on github.com/creack/pty (teacher's own
// dependency).
package pty

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

const readChunkSize = 1024

// WindowSize mirrors the ws_col/ws_row pair the original ioctl call
// applies; zero values mean "leave the PTY's default size".
type WindowSize struct {
	Cols uint16
	Rows uint16
}

// SpawnOptions configures a new child process.
type SpawnOptions struct {
	// Argv is the command and its arguments. Argv[0] is exec'd directly
	// if it names a non-directory file with an execute bit set; otherwise
	// all of Argv, joined with spaces, is run via "/bin/sh -c", preserving
	// termbrowser's and the original ttyd's single-argument ergonomics.
	Argv []string
	// Env additions layered on top of the server's own environment;
	// TERM is always forced to xterm-256color regardless of Env.
	Env []string
	// InitialSize, if non-zero in both dimensions, is applied to the PTY
	// immediately after the child starts.
	InitialSize WindowSize
	// UID/GID, if non-zero, are applied to the child via setuid/setgid
	// before exec (privilege drop for the spawned command).
	UID, GID int
}

// Session owns one child process and its PTY master.
type Session struct {
	cmd  *exec.Cmd
	file *os.File
	pid  int
}

// SpawnError wraps a failure to allocate a PTY or start the child.
type SpawnError struct {
	Op  string
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("pty: %s: %v", e.Op, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// buildCommand chooses between a direct exec and a shell fallback. The
// test is a stat of argv[0] for a non-directory with any execute bit set;
// read permission and the caller's own access rights are not checked.
func buildCommand(opts SpawnOptions) *exec.Cmd {
	argv0 := opts.Argv[0]
	if info, err := os.Stat(argv0); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
		return exec.Command(argv0, opts.Argv[1:]...)
	}
	return exec.Command("/bin/sh", "-c", strings.Join(opts.Argv, " "))
}

func buildEnv(extra []string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra)+1)
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	env = append(env, extra...)
	return append(env, "TERM=xterm-256color")
}

// Spawn allocates a PTY master/slave pair, forks the configured command
// attached to the slave, and applies InitialSize if set.
func Spawn(opts SpawnOptions) (*Session, error) {
	if len(opts.Argv) == 0 {
		return nil, &SpawnError{Op: "spawn", Err: fmt.Errorf("empty argv")}
	}

	cmd := buildCommand(opts)
	cmd.Env = buildEnv(opts.Env)
	if opts.UID != 0 || opts.GID != 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(opts.UID), Gid: uint32(opts.GID)},
		}
	}

	var ws *pty.Winsize
	if opts.InitialSize.Cols > 0 && opts.InitialSize.Rows > 0 {
		ws = &pty.Winsize{Cols: opts.InitialSize.Cols, Rows: opts.InitialSize.Rows}
	}

	f, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, &SpawnError{Op: "start", Err: err}
	}

	log.Printf("[PTY] started process, pid: %d, argv: %v", cmd.Process.Pid, opts.Argv)
	return &Session{cmd: cmd, file: f, pid: cmd.Process.Pid}, nil
}

// PID returns the forked child's process id.
func (s *Session) PID() int { return s.pid }

// ReadChunk performs one blocking read of up to readChunkSize bytes,
// returning a freshly allocated slice sized to n. When n == 0, err says
// why: io.EOF when the child closed its side, any other error for a read
// failure (a Linux PTY master reports EIO once the child has exited).
func (s *Session) ReadChunk() ([]byte, int, error) {
	buf := make([]byte, readChunkSize)
	n, err := s.file.Read(buf)
	if n <= 0 {
		return nil, n, err
	}
	return buf[:n], n, nil
}

// Write performs a non-partial write; a short write is treated as fatal
// to the session per §4.1.
func (s *Session) Write(data []byte) error {
	n, err := s.file.Write(data)
	if err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("pty write: short write %d/%d bytes", n, len(data))
	}
	return nil
}

// Resize issues a best-effort TIOCSWINSZ ioctl; failures are logged, not
// returned, matching the source's "best-effort" contract.
func (s *Session) Resize(cols, rows uint16) {
	if err := pty.Setsize(s.file, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		log.Printf("[PTY] resize pid=%d to %dx%d failed: %v", s.pid, cols, rows, err)
	}
}

// Terminate sends sig to the child, reaps it (retrying on EINTR until a
// final status is obtained), then closes the PTY master.
func (s *Session) Terminate(sig syscall.Signal, sigName string) {
	if s.cmd.Process != nil {
		log.Printf("[PTY] sending %s (%d) to process %d", sigName, int(sig), s.pid)
		if err := s.cmd.Process.Signal(sig); err != nil {
			log.Printf("[PTY] signal pid=%d: %v", s.pid, err)
		}
	}

	// exec.Cmd.Wait retries internally on EINTR (via wait4 in the runtime's
	// process implementation), so a single call already provides the
	// "retrying on interrupt until a final status is obtained" behavior
	// the source's explicit waitpid loop spells out.
	err := s.cmd.Wait()
	logExitStatus(s.pid, s.cmd.ProcessState, err)
	s.file.Close()
}

// logExitStatus decodes WIFEXITED/WIFSIGNALED explicitly, resolving the
// source's documented ambiguity where waitpid's raw status is printed
// as-is and labeled "exit code" regardless of how the child actually died.
func logExitStatus(pid int, state *os.ProcessState, waitErr error) {
	if state == nil {
		log.Printf("[PTY] process %d: wait failed: %v", pid, waitErr)
		return
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		switch {
		case ws.Exited():
			log.Printf("[PTY] process %d exited with code %d", pid, ws.ExitStatus())
		case ws.Signaled():
			log.Printf("[PTY] process %d killed by signal %s", pid, ws.Signal())
		default:
			log.Printf("[PTY] process %d exited, raw status %v", pid, ws)
		}
		return
	}
	log.Printf("[PTY] process %d exited: %v", pid, state)
}
