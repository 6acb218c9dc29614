// Package git materializes feature branches into disposable worktrees so
// review checks and fix attempts run against the right code without touching
// the developer's checkout.
package git

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Worktree is one checked-out feature branch under <repo>/.worktrees.
type Worktree struct {
	Path     string
	repoRoot string
}

// Remove cleans up the worktree.
func (w *Worktree) Remove() error {
	if w.Path == "" {
		return nil
	}
	cmd := exec.Command("git", "worktree", "remove", "--force", w.Path)
	cmd.Dir = w.repoRoot
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("remove worktree %s: %w", w.Path, err)
	}
	return nil
}

// RepoRoot returns the root of the git repository containing dir.
func RepoRoot(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s is not inside a git repository: %w", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// commonDir returns the git common directory (shared across worktrees) for
// the repository containing dir.
func commonDir(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--git-common-dir")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("resolve git common dir: %w", err)
	}
	path := strings.TrimSpace(string(out))
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return filepath.Abs(path)
}

// ensureWorktreesExcluded adds .worktrees/ to .git/info/exclude if not already present.
func ensureWorktreesExcluded(common string) error {
	infoDir := filepath.Join(common, "info")
	excludePath := filepath.Join(infoDir, "exclude")

	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return fmt.Errorf("create git info directory: %w", err)
	}

	content, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read exclude file: %w", err)
	}
	for _, line := range strings.Split(string(content), "\n") {
		if line == ".worktrees/" {
			return nil
		}
	}

	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open exclude file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(".worktrees/\n"); err != nil {
		return fmt.Errorf("write exclude file: %w", err)
	}
	return nil
}

// CheckoutBranch creates a worktree for a feature's branch under the
// repository's .worktrees directory. The caller must call Remove on the
// returned Worktree.
func CheckoutBranch(projectPath, featureID, branch string) (*Worktree, error) {
	if branch == "" {
		return nil, fmt.Errorf("feature %s has no branch", featureID)
	}
	repoRoot, err := RepoRoot(projectPath)
	if err != nil {
		return nil, err
	}
	common, err := commonDir(projectPath)
	if err != nil {
		return nil, err
	}
	if err := ensureWorktreesExcluded(common); err != nil {
		return nil, err
	}

	idBytes := make([]byte, 4)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("generate worktree id: %w", err)
	}
	name := fmt.Sprintf("feature-%s-%s", sanitize(featureID), hex.EncodeToString(idBytes))
	worktreePath := filepath.Join(repoRoot, ".worktrees", name)

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees directory: %w", err)
	}

	cmd := exec.Command("git", "worktree", "add", worktreePath, branch)
	cmd.Dir = repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		output := strings.TrimSpace(string(out))
		if output != "" {
			return nil, fmt.Errorf("create worktree for branch %q (%s): %w", branch, output, err)
		}
		return nil, fmt.Errorf("create worktree for branch %q: %w", branch, err)
	}

	return &Worktree{Path: worktreePath, repoRoot: repoRoot}, nil
}

// sanitize makes an id safe for use as a path component.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}
