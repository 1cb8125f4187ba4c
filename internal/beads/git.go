package beads

import (
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// gitRunner executes git commands rooted at a repository path. The store
// serializes calls with its own mutex, so the runner itself is not
// concurrency-safe.
type gitRunner struct {
	repoPath string
}

func newGitRunner(repoPath string) *gitRunner {
	return &gitRunner{repoPath: repoPath}
}

// run executes a git subcommand and returns its combined output.
func (g *gitRunner) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// ensureRepo initializes a git repository at repoPath if one is not
// already present, and makes sure commits can be authored.
func (g *gitRunner) ensureRepo() error {
	if _, err := g.run("rev-parse", "--git-dir"); err != nil {
		log.Printf("[BeadStore] initializing git repository at %s", g.repoPath)
		if _, err := g.run("init"); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	// Commits fail without an identity; set a repo-local one when unset.
	if _, err := g.run("config", "user.email"); err != nil {
		if _, err := g.run("config", "user.email", "mayor@localhost"); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	if _, err := g.run("config", "user.name"); err != nil {
		if _, err := g.run("config", "user.name", "mayor"); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}

// commit stages paths and records a commit. --allow-empty keeps the audit
// trail intact even when the working tree already matches (for example a
// re-release of an already-pending bead).
func (g *gitRunner) commit(message string, paths ...string) (string, error) {
	for _, p := range paths {
		if _, err := g.run("add", "-A", "--", p); err != nil {
			return "", fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	if _, err := g.run("commit", "--allow-empty", "-m", message); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	sha, err := g.run("rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return strings.TrimSpace(sha), nil
}
