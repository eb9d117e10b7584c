// Implements git history of the archive using go-git.

package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	committerName  = "mcad"
	committerEmail = "mcad@localhost"
)

// history commits archive files to a git repository rooted at the archive
// directory.
type history struct {
	dir  string
	repo *gogit.Repository
	mu   sync.Mutex
}

func openHistory(dir string) (*history, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: archive directories are shared
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = committerName
		cfg.User.Email = committerEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(tmpDirName+"/\n"), 0o644); err != nil { //nolint:gosec // G306: not secret
		return nil, fmt.Errorf("failed to write .gitignore: %w", err)
	}
	return &history{dir: dir, repo: repo}, nil
}

// commitTx runs fn under the lock and commits the files it returns, relative
// to the repository root. Nothing is committed when fn returns no files or
// the files are unchanged.
func (h *history) commitTx(ctx context.Context, fn func() (msg string, files []string, err error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, files, err := fn()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w, err := h.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	for _, f := range files {
		if _, err := w.Add(f); err != nil {
			return fmt.Errorf("failed to stage %s: %w", f, err)
		}
	}
	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	sig := &object.Signature{Name: committerName, Email: committerEmail, When: time.Now()}
	if _, err := w.Commit(msg, &gogit.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// commitCount returns the number of commits reachable from HEAD.
func (h *history) commitCount() (int, error) {
	it, err := h.repo.Log(&gogit.LogOptions{})
	if err != nil {
		// No HEAD yet.
		return 0, nil //nolint:nilerr // an empty repository has no commits
	}
	defer it.Close()
	n := 0
	err = it.ForEach(func(*object.Commit) error {
		n++
		return nil
	})
	return n, err
}
