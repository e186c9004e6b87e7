package network

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"unicode"
)

// Runner executes the ipfs command line.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs Binary as a child process.
type ExecRunner struct {
	Binary string
}

// RunError carries the stderr of a failed command.
type RunError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *RunError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("ipfs %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *RunError) Unwrap() error { return e.Err }

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "ipfs"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &RunError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// CLI drives the ipfs command line through a Runner.
type CLI struct {
	runner Runner
}

// NewCLI creates a CLI backend.
func NewCLI(runner Runner) *CLI {
	return &CLI{runner: runner}
}

// Cat implements Fetcher.
func (c *CLI) Cat(ctx context.Context, rootID, subpath string) ([]byte, error) {
	out, err := c.run(ctx, "cat", ipfsPath(rootID, subpath))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List implements Lister with the line-oriented `ipfs ls` output.
func (c *CLI) List(ctx context.Context, rootID, dir string) ([]Link, error) {
	out, err := c.run(ctx, "ls", "--size=true", ipfsPath(rootID, dir))
	if err != nil {
		return nil, err
	}
	return parseLsLines(out), nil
}

// Structured returns a Lister backed by `ipfs ls --enc=json`.
func (c *CLI) Structured() Lister { return structuredCLI{c} }

type structuredCLI struct{ c *CLI }

func (s structuredCLI) List(ctx context.Context, rootID, dir string) ([]Link, error) {
	out, err := s.c.run(ctx, "ls", "--enc=json", "--size=true", ipfsPath(rootID, dir))
	if err != nil {
		return nil, err
	}
	return parseLsJSON(out)
}

func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := c.runner.Run(ctx, args...)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if sentinel := classifyMessage(err.Error()); sentinel != nil {
		return nil, fmt.Errorf("%w: %v", sentinel, err)
	}
	return nil, err
}

// parseLsLines reads `<hash> <size> <name>` lines. Directories carry a
// trailing slash and a "-" size.
func parseLsLines(out []byte) []Link {
	var links []Link
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		_, rest := cutField(line)
		size, name := cutField(rest)
		if name == "" {
			// Without --size the second field is the name.
			name, size = size, ""
		}
		if name == "" {
			continue
		}

		link := Link{Name: strings.TrimSuffix(name, "/"), Dir: strings.HasSuffix(name, "/"), Size: -1}
		if !link.Dir {
			if n, err := strconv.ParseInt(size, 10, 64); err == nil {
				link.Size = n
			}
		}
		links = append(links, link)
	}
	return links
}

func cutField(s string) (field, rest string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace)
}
