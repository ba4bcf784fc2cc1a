// Package revision keeps a local, offline-readable history of saved
// snapshots: every successful autosave is committed to a per-project git
// repository under the archive directory.
package revision

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"inkwell/sync/internal/state"
)

const snapshotFile = "snapshot.json"

// Entry describes one archived save.
type Entry struct {
	Hash      string
	Message   string
	CreatedAt time.Time
}

type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit writes the snapshot into the project's archive repository and
// commits it. The repository is created on first use.
func (a *Archive) Commit(snapshot *state.ProjectSnapshot, reason string) error {
	if snapshot == nil || snapshot.ID == "" {
		return fmt.Errorf("archive snapshot missing project id")
	}
	lock := a.projectLock(snapshot.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.ensureRepo(snapshot.ID)
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	path := filepath.Join(a.repoPath(snapshot.ID), snapshotFile)
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot file: %w", err)
	}

	if _, err := worktree.Add(snapshotFile); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		// Identical content; nothing to record.
		return nil
	}

	message := "autosave"
	if reason != "" {
		message = "autosave: " + reason
	}
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "inkwell",
			Email: "sync@localhost",
			When:  time.Now(),
		},
	}); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// History lists the newest limit archive entries for a project.
func (a *Archive) History(projectID string, limit int) ([]Entry, error) {
	lock := a.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(projectID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, nil
		}
		return nil, fmt.Errorf("open archive: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	count := 0
	err = iter.ForEach(func(commit *object.Commit) error {
		entries = append(entries, Entry{
			Hash:      commit.Hash.String()[:7],
			Message:   commit.Message,
			CreatedAt: commit.Author.When,
		})
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return entries, nil
}

// ContentAt loads the archived snapshot at the given commit hash.
func (a *Archive) ContentAt(projectID, hash string) (*state.ProjectSnapshot, error) {
	lock := a.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commit.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var snapshot state.ProjectSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode archived snapshot: %w", err)
	}
	return &snapshot, nil
}

func (a *Archive) ensureRepo(projectID string) (*git.Repository, error) {
	path := a.repoPath(projectID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}
	return repo, nil
}

func (a *Archive) repoPath(projectID string) string {
	return filepath.Join(a.baseDir, projectID)
}

func (a *Archive) projectLock(projectID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[projectID] = lock
	return lock
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
