// Package snapshots keeps a git revision history of each roadmap's graph.
// One repository per roadmap, a single main branch, one tracked file.
package snapshots

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pathways/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const graphFile = "graph.json"

// Graph is the serialized roadmap state committed on every change.
type Graph struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Nodes       []store.Node `json:"nodes"`
	Edges       []store.Edge `json:"edges"`
}

// Commit describes one history entry.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureRoadmapRepo initializes the repository with a baseline commit. A
// repository that already exists is left untouched.
func (s *Service) EnsureRoadmapRepo(roadmapID string, initial Graph, author string) error {
	lock := s.roadmapLock(roadmapID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(roadmapID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(initial, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal initial graph: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, graphFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write initial graph: %w", err)
	}
	if _, err := worktree.Add(graphFile); err != nil {
		return fmt.Errorf("git add initial graph: %w", err)
	}
	hash, err := worktree.Commit("create roadmap", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial graph: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitGraph records the current graph state as a new commit on main.
func (s *Service) CommitGraph(roadmapID string, graph Graph, message, author string) (Commit, error) {
	lock := s.roadmapLock(roadmapID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(roadmapID))
	if err != nil {
		return Commit{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal graph: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, graphFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write graph.json: %w", err)
	}
	if _, err := worktree.Add(graphFile); err != nil {
		return Commit{}, fmt.Errorf("git add graph: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit graph: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists commits on main, newest first. limit <= 0 means all.
func (s *Service) History(roadmapID string, limit int) ([]Commit, error) {
	lock := s.roadmapLock(roadmapID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(roadmapID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// GraphAt reads the graph as of a commit hash (short or full).
func (s *Service) GraphAt(roadmapID, hash string) (Graph, error) {
	lock := s.roadmapLock(roadmapID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(roadmapID))
	if err != nil {
		return Graph{}, fmt.Errorf("open repo: %w", err)
	}

	full, err := resolveHash(repo, hash)
	if err != nil {
		return Graph{}, err
	}
	commitObj, err := repo.CommitObject(full)
	if err != nil {
		return Graph{}, fmt.Errorf("load commit object: %w", err)
	}

	file, err := commitObj.File(graphFile)
	if err != nil {
		return Graph{}, fmt.Errorf("load graph.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Graph{}, fmt.Errorf("open graph reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Graph{}, fmt.Errorf("read graph bytes: %w", err)
	}
	var graph Graph
	if err := json.Unmarshal(raw, &graph); err != nil {
		return Graph{}, fmt.Errorf("decode committed graph: %w", err)
	}
	return graph, nil
}

func (s *Service) repoPath(roadmapID string) string {
	return filepath.Join(s.baseDir, roadmapID)
}

func (s *Service) roadmapLock(roadmapID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[roadmapID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[roadmapID] = lock
	}
	return lock
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.pathways.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	iter, err := repo.CommitObjects()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("iterate commits: %w", err)
	}
	defer iter.Close()

	var found plumbing.Hash
	err = iter.ForEach(func(commitObj *object.Commit) error {
		if len(hash) > 0 && len(commitObj.Hash.String()) >= len(hash) && commitObj.Hash.String()[:len(hash)] == hash {
			found = commitObj.Hash
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash: %w", err)
	}
	if found.IsZero() {
		return plumbing.ZeroHash, fmt.Errorf("commit %s not found", hash)
	}
	return found, nil
}
