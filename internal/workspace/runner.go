package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// CommandRunner runs a shell command in dir and returns its combined output
// and exit code. A non-zero exit is not an error; err is reserved for
// commands that could not be started or were cancelled.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (output string, exitCode int, err error)
}

// LocalRunner runs commands with sh -c on the local machine.
type LocalRunner struct {
	// Env is appended to the process environment.
	Env []string
	// OnLine, when set, is called for every output line as it arrives.
	OnLine func(string)
}

// Run implements CommandRunner.
func (r *LocalRunner) Run(ctx context.Context, dir, command string) (string, int, error) {
	if strings.TrimSpace(command) == "" {
		return "", -1, errors.New("no command specified")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", -1, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", -1, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", -1, fmt.Errorf("failed to start command: %w", err)
	}

	var (
		mu    sync.Mutex
		lines []string
		wg    sync.WaitGroup
	)
	stream := func(sc *bufio.Scanner) {
		defer wg.Done()
		buf := make([]byte, 64*1024)
		sc.Buffer(buf, 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
			if r.OnLine != nil {
				r.OnLine(line)
			}
		}
	}
	wg.Add(2)
	go stream(bufio.NewScanner(stdout))
	go stream(bufio.NewScanner(stderr))
	wg.Wait()

	waitErr := cmd.Wait()
	output := strings.Join(lines, "\n")

	if ctx.Err() != nil {
		return output, -1, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return output, exitErr.ExitCode(), nil
		}
		return output, -1, fmt.Errorf("command failed: %w", waitErr)
	}
	return output, 0, nil
}
