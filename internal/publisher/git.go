// Package publisher commits and pushes updated state files back to the
// repository they live in when running under CI.
package publisher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Publisher persists files outside the local filesystem.
type Publisher interface {
	Publish(ctx context.Context, paths []string) (attempted bool, err error)
}

// Runner executes a git subcommand in dir and returns stdout.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner shells out to the git binary.
type ExecRunner struct{}

// Run executes git with -C dir. Stderr is folded into the error on failure.
func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// GitOptions configure the git publisher.
type GitOptions struct {
	Enabled   bool
	RepoDir   string
	Remote    string
	Branch    string
	UserName  string
	UserEmail string
	Timeout   time.Duration
}

// Git commits the given paths and pushes HEAD to the configured branch.
type Git struct {
	opts   GitOptions
	runner Runner
	now    func() time.Time
	logger zerolog.Logger
}

// NewGit constructs a git publisher. A nil runner uses the git binary.
func NewGit(opts GitOptions, runner Runner, logger zerolog.Logger) *Git {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.RepoDir == "" {
		opts.RepoDir = "."
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &Git{
		opts:   opts,
		runner: runner,
		now:    time.Now,
		logger: logger.With().Str("component", "git_publisher").Logger(),
	}
}

// Publish stages paths and, if anything changed, commits and pushes. It
// reports attempted=false when not running under CI or when there is
// nothing to commit. Local files are never rolled back on failure.
func (g *Git) Publish(ctx context.Context, paths []string) (bool, error) {
	if !g.opts.Enabled {
		g.logger.Info().Msg("not running in CI; skipping publish")
		return false, nil
	}
	if len(paths) == 0 {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	steps := [][]string{
		{"config", "user.name", g.opts.UserName},
		{"config", "user.email", g.opts.UserEmail},
		append([]string{"add", "--"}, paths...),
	}
	for _, args := range steps {
		if _, err := g.runner.Run(ctx, g.opts.RepoDir, args...); err != nil {
			return true, err
		}
	}

	staged, err := g.runner.Run(ctx, g.opts.RepoDir, append([]string{"diff", "--cached", "--name-only", "--"}, paths...)...)
	if err != nil {
		return true, err
	}
	if strings.TrimSpace(staged) == "" {
		g.logger.Info().Msg("no state changes to commit")
		return false, nil
	}

	message := fmt.Sprintf("Update protocol data %s", g.now().UTC().Format(time.RFC3339))
	if _, err := g.runner.Run(ctx, g.opts.RepoDir, append([]string{"commit", "-m", message, "--"}, paths...)...); err != nil {
		return true, err
	}
	if _, err := g.runner.Run(ctx, g.opts.RepoDir, "push", g.opts.Remote, "HEAD:"+g.opts.Branch); err != nil {
		return true, err
	}

	g.logger.Info().Str("branch", g.opts.Branch).Strs("paths", paths).Msg("state changes pushed")
	return true, nil
}

var _ Publisher = (*Git)(nil)
