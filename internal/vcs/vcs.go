// Package vcs manages the safety branch that isolates automated edits.
// All operations shell out to the git CLI; nothing here force-pushes,
// rewrites history, or mutates global configuration.
package vcs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fixloop/fixloop/internal/types"
)

// FileDiff is the per-file portion of a diff summary.
type FileDiff struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// DiffSummary aggregates working-tree changes relative to a base ref.
type DiffSummary struct {
	Files          []FileDiff `json:"files"`
	TotalAdditions int        `json:"total_additions"`
	TotalDeletions int        `json:"total_deletions"`
}

// Manager defines the version-control operations the orchestrator needs.
type Manager interface {
	// IsRepo reports whether the directory has version-control metadata.
	IsRepo(ctx context.Context, repoPath string) bool

	// HasUncommittedChanges reports whether the working tree is dirty.
	HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error)

	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context, repoPath string) (string, error)

	// CreateSafetyBranch creates and checks out an isolation branch for the
	// session. The name is deterministic, disambiguated with an incrementing
	// suffix on collision. requireClean refuses a dirty working tree
	// (direct-edit mode intentionally skips this check by passing false).
	CreateSafetyBranch(ctx context.Context, repoPath, sessionID string, requireClean bool) (string, error)

	// CommitChanges stages and commits everything in the working tree.
	// A clean tree is a no-op, not an error: it returns ("", nil).
	CommitChanges(ctx context.Context, repoPath, message string) (string, error)

	// DiffSummary summarizes changes between base and the working tree.
	DiffSummary(ctx context.Context, repoPath, base string) (*DiffSummary, error)

	// ModifiedFiles lists paths with staged or unstaged changes.
	ModifiedFiles(ctx context.Context, repoPath string) ([]string, error)

	// SwitchTo checks out the given branch.
	SwitchTo(ctx context.Context, repoPath, branch string) error

	// DeleteBranch deletes a local branch. The branch must not be checked out.
	DeleteBranch(ctx context.Context, repoPath, branch string) error
}

// Git implements Manager using the git CLI.
type Git struct {
	gitPath string
}

// NewGit creates a Git manager, verifying that git is available.
func NewGit(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	return &Git{gitPath: gitPath}, nil
}

// IsRepo reports whether repoPath has git metadata. Worktrees are supported:
// .git may be a file pointing at the parent repository.
func (g *Git) IsRepo(ctx context.Context, repoPath string) bool {
	gitMeta := filepath.Join(repoPath, ".git")
	if info, err := os.Stat(gitMeta); err == nil && (info.IsDir() || info.Mode().IsRegular()) {
		return true
	}

	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}

// HasUncommittedChanges checks the working tree via git status --porcelain.
func (g *Git) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "status", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git status failed in %s: %w", repoPath, err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get current branch in %s: %w", repoPath, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CreateSafetyBranch creates and checks out fixloop/<sessionID>, appending
// -2, -3, ... while the name collides with an existing branch.
func (g *Git) CreateSafetyBranch(ctx context.Context, repoPath, sessionID string, requireClean bool) (string, error) {
	if !g.IsRepo(ctx, repoPath) {
		return "", fmt.Errorf("%w: %s", types.ErrNotARepository, repoPath)
	}

	if requireClean {
		dirty, err := g.HasUncommittedChanges(ctx, repoPath)
		if err != nil {
			return "", err
		}
		if dirty {
			return "", fmt.Errorf("%w: %s has uncommitted changes", types.ErrDirtyWorkingTree, repoPath)
		}
	}

	base := "fixloop/" + sessionID
	name := base
	for suffix := 2; g.branchExists(ctx, repoPath, name); suffix++ {
		name = fmt.Sprintf("%s-%d", base, suffix)
	}

	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "checkout", "-b", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git checkout -b %s failed: %w (output: %s)", name, err, strings.TrimSpace(string(output)))
	}

	return name, nil
}

// branchExists checks for a local branch with the given name.
func (g *Git) branchExists(ctx context.Context, repoPath, name string) bool {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return cmd.Run() == nil
}

// CommitChanges stages everything and commits. Nothing to commit returns
// ("", nil) rather than an error.
func (g *Git) CommitChanges(ctx context.Context, repoPath, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}

	dirty, err := g.HasUncommittedChanges(ctx, repoPath)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}

	addCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "add", "-A")
	if err := addCmd.Run(); err != nil {
		return "", fmt.Errorf("git add failed in %s: %w", repoPath, err)
	}

	commitCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "commit", "-m", message)
	if output, err := commitCmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git commit failed in %s: %w (output: %s)", repoPath, err, strings.TrimSpace(string(output)))
	}

	hashCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "rev-parse", "HEAD")
	hashOutput, err := hashCmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get commit hash in %s: %w", repoPath, err)
	}

	return strings.TrimSpace(string(hashOutput)), nil
}

// DiffSummary summarizes changes between base and the working tree using
// git diff --numstat.
func (g *Git) DiffSummary(ctx context.Context, repoPath, base string) (*DiffSummary, error) {
	args := []string{"-C", repoPath, "diff", "--numstat"}
	if base != "" {
		args = append(args, base)
	}

	cmd := exec.CommandContext(ctx, g.gitPath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff failed in %s: %w", repoPath, err)
	}

	return parseNumstat(string(output))
}

// parseNumstat parses git diff --numstat output. Binary files report "-" for
// both counts and contribute zero to the totals.
func parseNumstat(output string) (*DiffSummary, error) {
	summary := &DiffSummary{Files: []FileDiff{}}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		fd := FileDiff{Path: strings.Join(fields[2:], " ")}
		if fields[0] != "-" {
			n, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, fmt.Errorf("failed to parse additions in %q: %w", line, err)
			}
			fd.Additions = n
		}
		if fields[1] != "-" {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("failed to parse deletions in %q: %w", line, err)
			}
			fd.Deletions = n
		}

		summary.Files = append(summary.Files, fd)
		summary.TotalAdditions += fd.Additions
		summary.TotalDeletions += fd.Deletions
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse diff output: %w", err)
	}

	return summary, nil
}

// ModifiedFiles lists paths reported by git status --porcelain.
func (g *Git) ModifiedFiles(ctx context.Context, repoPath string) ([]string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "status", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git status failed in %s: %w", repoPath, err)
	}

	var files []string
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		// Porcelain format is "XY path"; rename entries are "XY old -> new".
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		if path != "" {
			files = append(files, path)
		}
	}

	return files, nil
}

// SwitchTo checks out the given branch.
func (g *Git) SwitchTo(ctx context.Context, repoPath, branch string) error {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "checkout", branch)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git checkout %s failed in %s: %w (output: %s)", branch, repoPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// DeleteBranch deletes a local branch with -D. Used only for operator-driven
// cleanup of abandoned safety branches.
func (g *Git) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "branch", "-D", branch)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git branch -D %s failed in %s: %w (output: %s)", branch, repoPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// NormalizeRepoPath resolves a repository reference to a stable absolute path
// with symlinks evaluated. The session registry keys on this value.
func NormalizeRepoPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path may not exist yet; fall back to the absolute form.
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", fmt.Errorf("failed to resolve symlinks for %s: %w", abs, err)
	}
	return resolved, nil
}
