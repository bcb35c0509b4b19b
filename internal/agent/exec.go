package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// maxOutputLines caps captured output to prevent memory exhaustion from
// long-running agents.
const maxOutputLines = 10000

// configureProcessGroup puts the child in its own process group so a timeout
// kill reaches the agent's own subprocesses, not just the CLI wrapper.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the child's process group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		cmd.Process.Kill()
		return
	}
	syscall.Kill(-pgid, syscall.SIGKILL)
}

// runWithGroupKill starts cmd, captures stdout and stderr line by line, and
// kills the whole process group when ctx expires. It always returns whatever
// output was captured before exit.
func runWithGroupKill(ctx context.Context, cmd *exec.Cmd) (stdout, stderr string, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("failed to start agent: %w", err)
	}

	var mu sync.Mutex
	var outLines, errLines []string

	var g errgroup.Group
	g.Go(func() error {
		return captureLines(stdoutPipe, &mu, &outLines)
	})
	g.Go(func() error {
		return captureLines(stderrPipe, &mu, &errLines)
	})

	waitCh := make(chan error, 1)
	go func() {
		g.Wait()
		waitCh <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-waitCh
		err = fmt.Errorf("agent process killed")
	case err = <-waitCh:
	}

	mu.Lock()
	defer mu.Unlock()
	return strings.Join(outLines, "\n"), strings.Join(errLines, "\n"), err
}

// captureLines appends scanned lines to dst, truncating past maxOutputLines.
func captureLines(r io.Reader, mu *sync.Mutex, dst *[]string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		mu.Lock()
		if len(*dst) < maxOutputLines {
			*dst = append(*dst, scanner.Text())
		} else if len(*dst) == maxOutputLines {
			*dst = append(*dst, "[... output truncated: limit reached ...]")
		}
		mu.Unlock()
	}
	return scanner.Err()
}
