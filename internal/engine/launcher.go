package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Command is a fully composed spawn request: parsed-template input plus the
// layered environment the $NAME expansion runs against.
type Command struct {
	Job  string // job name, for error context
	Line string // command template (shell-word semantics)

	// ExtraArgs are already-resolved dynamic arguments appended to the argv.
	ExtraArgs []string

	Env    []string          // composed "K=V" list handed to the process
	EnvMap map[string]string // same composition, for $NAME expansion
	Dir    string            // working directory; empty inherits ours

	// Output receives both stdout and stderr; nil discards them.
	// Stdin is never connected.
	Output io.Writer
}

// ExitResult reports how a process finished.
type ExitResult struct {
	Code   int    // exit code; -1 when terminated by a signal
	Signal string // signal name when terminated by one
	Err    error  // non-exit wait failure
}

// Success reports a clean exit (code 0, no wait error).
func (r ExitResult) Success() bool { return r.Err == nil && r.Code == 0 && r.Signal == "" }

func (r ExitResult) String() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("wait error: %v", r.Err)
	case r.Signal != "":
		return "signal " + r.Signal
	default:
		return fmt.Sprintf("exit %d", r.Code)
	}
}

// Handle is a live process owned by exactly one job state entry.
type Handle interface {
	PID() int
	// Kill signals the process group. Best-effort; the exit is still
	// delivered asynchronously through Wait.
	Kill(sig os.Signal) error
	// Wait blocks until the process exits.
	Wait() ExitResult
}

// Launcher spawns processes. The engine holds the only implementation in
// production; tests substitute fakes.
type Launcher interface {
	Spawn(cmd Command) (Handle, error)
}

// NewExecLauncher returns the os/exec-backed launcher.
func NewExecLauncher() Launcher { return execLauncher{} }

type execLauncher struct{}

func (execLauncher) Spawn(spec Command) (Handle, error) {
	argv, err := BuildArgv(spec.Line, spec.EnvMap)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Job, err)
	}
	argv = append(argv, spec.ExtraArgs...)

	// nolint: gosec
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	// Own process group so Kill reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: start %q: %w", spec.Job, argv[0], err)
	}
	return &procHandle{cmd: cmd}, nil
}

type procHandle struct {
	cmd *exec.Cmd
}

func (h *procHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *procHandle) Kill(sig os.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = syscall.SIGTERM
	}
	return syscall.Kill(-h.cmd.Process.Pid, s)
}

func (h *procHandle) Wait() ExitResult {
	err := h.cmd.Wait()
	if err == nil {
		return ExitResult{Code: 0}
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return ExitResult{Code: -1, Err: err}
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		return ExitResult{Code: -1, Signal: ws.Signal().String()}
	}
	return ExitResult{Code: ee.ExitCode()}
}

// BuildArgv splits a command template into an argv, applying the launcher's
// quoting rule: a quoted word is passed through verbatim, an unquoted word
// undergoes $NAME expansion against the composed environment.
func BuildArgv(line string, env map[string]string) ([]string, error) {
	words, err := splitWords(line)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	argv := make([]string, 0, len(words))
	for _, w := range words {
		if w.quoted {
			argv = append(argv, w.text)
			continue
		}
		argv = append(argv, os.Expand(w.text, func(k string) string { return env[k] }))
	}
	return argv, nil
}

type word struct {
	text   string
	quoted bool
}

// splitWords tokenizes with shell-word semantics: whitespace separates words,
// single or double quotes group them, backslash escapes inside double quotes.
func splitWords(line string) ([]word, error) {
	var (
		out []word
		b   strings.Builder
	)
	i, n := 0, len(line)
	for i < n {
		// Skip the gap.
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= n {
			break
		}

		quoted := line[i] == '\'' || line[i] == '"'
		b.Reset()
		for i < n && line[i] != ' ' && line[i] != '\t' {
			switch c := line[i]; c {
			case '\'':
				i++
				for i < n && line[i] != '\'' {
					b.WriteByte(line[i])
					i++
				}
				if i >= n {
					return nil, fmt.Errorf("unterminated single quote")
				}
				i++
			case '"':
				i++
				for i < n && line[i] != '"' {
					if line[i] == '\\' && i+1 < n {
						i++
					}
					b.WriteByte(line[i])
					i++
				}
				if i >= n {
					return nil, fmt.Errorf("unterminated double quote")
				}
				i++
			default:
				b.WriteByte(c)
				i++
			}
		}
		out = append(out, word{text: b.String(), quoted: quoted})
	}
	return out, nil
}

// ComposeEnv layers job overrides onto a snapshot of the ambient environment.
// An override key shadows the ambient value; all other ambient keys remain
// visible. Returns both the "K=V" list for the process and the flat map the
// $NAME expansion reads.
func ComposeEnv(overrides map[string]string) ([]string, map[string]string) {
	ambient := os.Environ()
	m := make(map[string]string, len(ambient)+len(overrides))
	for _, kv := range ambient {
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			m[kv[:eq]] = kv[eq+1:]
		}
	}
	for k, v := range overrides {
		m[k] = v
	}
	list := make([]string, 0, len(m))
	for k, v := range m {
		list = append(list, k+"="+v)
	}
	return list, m
}
