// Package versions keeps the history of every document in its own git
// repository. The authoritative annotations live on main; each contributor
// commits frozen working copies to a "contrib/<id>" branch cut from main.
// Merged results are committed back to main.
package versions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"spanlab/api/internal/annotation"
)

const (
	mainBranch   = "main"
	branchPrefix = "contrib/"
	dataFile     = "annotations.json"
)

var (
	// ErrNoRepo is returned for documents that were never versioned.
	ErrNoRepo = errors.New("document repository not found")
	// ErrNoBranch is returned for contributors that never committed.
	ErrNoBranch = errors.New("branch not found")
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// BranchFor names the branch holding a contributor's working copies.
func BranchFor(contributor string) string {
	return branchPrefix + sanitizeRef(contributor)
}

// EnsureDocumentRepo initialises the repository with snap as the baseline on
// main. It is a no-op when the repository exists.
func (s *Service) EnsureDocumentRepo(snap annotation.Snapshot, author string) error {
	lock := s.documentLock(snap.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(snap.DocumentID)
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
	if err := writeSnapshot(path, snap); err != nil {
		return err
	}
	if _, err := worktree.Add(dataFile); err != nil {
		return fmt.Errorf("git add baseline: %w", err)
	}
	hash, err := worktree.Commit("Import document baseline", &git.CommitOptions{Author: s.signature(author)})
	if err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitContribution records a contributor's working copy on their branch,
// creating the branch from main on first use. Committing an unchanged copy
// returns the current head.
func (s *Service) CommitContribution(contributor string, snap annotation.Snapshot, message string) (CommitInfo, error) {
	lock := s.documentLock(snap.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(snap.DocumentID)
	if err != nil {
		return CommitInfo{}, err
	}
	branch := BranchFor(contributor)
	if err := ensureBranch(repo, branch, mainBranch); err != nil {
		return CommitInfo{}, err
	}
	return s.commit(repo, branch, snap, contributor, message, false)
}

// CommitMerged records an authoritative merge result on main. The message
// trailer names every merged branch.
func (s *Service) CommitMerged(snap annotation.Snapshot, author, message string, contributors []string) (CommitInfo, error) {
	lock := s.documentLock(snap.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(snap.DocumentID)
	if err != nil {
		return CommitInfo{}, err
	}
	sources := make([]string, len(contributors))
	for i, c := range contributors {
		sources[i] = BranchFor(c)
	}
	sort.Strings(sources)
	full := fmt.Sprintf("%s\n\nmerge: sources=%s target=%s actor=%s", message, strings.Join(sources, ","), mainBranch, author)
	return s.commit(repo, mainBranch, snap, author, full, true)
}

// Head returns the snapshot at the tip of branch.
func (s *Service) Head(documentID, branch string) (annotation.Snapshot, CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return annotation.Snapshot{}, CommitInfo{}, fmt.Errorf("%w: %s", ErrNoBranch, branch)
	}
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	snap, err := readSnapshot(commitObj)
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

// SnapshotAt returns the snapshot stored by the commit with the given
// (possibly abbreviated) hash.
func (s *Service) SnapshotAt(documentID, hash string) (annotation.Snapshot, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return annotation.Snapshot{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return annotation.Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return annotation.Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshot(commitObj)
}

func (s *Service) History(documentID, branch string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoBranch, branch)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Contributions returns the head snapshot of every contributor branch, keyed
// by the branch suffix.
func (s *Service) Contributions(documentID string) (map[string]annotation.Snapshot, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer iter.Close()

	out := map[string]annotation.Snapshot{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		contributor, ok := strings.CutPrefix(name, branchPrefix)
		if !ok {
			return nil
		}
		commitObj, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return fmt.Errorf("load %s head: %w", name, err)
		}
		snap, err := readSnapshot(commitObj)
		if err != nil {
			return err
		}
		out[contributor] = snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Tag marks a commit, typically a released gold set. Existing tags are kept.
func (s *Service) Tag(documentID, hash, name string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}
	_, err = repo.CreateTag(name, resolved, &git.CreateTagOptions{
		Tagger:  s.signature("spanlab"),
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// DeleteRepo removes the document's history. Missing repositories are ignored.
func (s *Service) DeleteRepo(documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(documentID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNoRepo, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.spanlab.dev", sanitizeRef(author)),
		When:  s.now(),
	}
}

func (s *Service) commit(repo *git.Repository, branch string, snap annotation.Snapshot, author, message string, allowEmpty bool) (CommitInfo, error) {
	if err := checkoutBranch(repo, branch); err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeSnapshot(worktree.Filesystem.Root(), snap); err != nil {
		return CommitInfo{}, err
	}
	if _, err := worktree.Add(dataFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add annotations: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            s.signature(author),
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, err := repo.Head()
		if err != nil {
			return CommitInfo{}, fmt.Errorf("resolve head: %w", err)
		}
		hash = head.Hash()
	} else if err != nil {
		return CommitInfo{}, fmt.Errorf("commit annotations: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func ensureBranch(repo *git.Repository, branch, from string) error {
	ref := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(ref, true); err == nil {
		return nil
	}
	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(from), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(ref, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

func checkoutBranch(repo *git.Repository, branch string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(ref, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: ref, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branch, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: ref, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branch, err)
	}
	return nil
}

func writeSnapshot(root string, snap annotation.Snapshot) error {
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, dataFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dataFile, err)
	}
	return nil
}

func readSnapshot(commitObj *object.Commit) (annotation.Snapshot, error) {
	file, err := commitObj.File(dataFile)
	if err != nil {
		return annotation.Snapshot{}, fmt.Errorf("load %s from commit: %w", dataFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return annotation.Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	var snap annotation.Snapshot
	if err := json.NewDecoder(reader).Decode(&snap); err != nil {
		return annotation.Snapshot{}, fmt.Errorf("decode commit snapshot: %w", err)
	}
	return snap, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

// sanitizeRef keeps contributor ids usable in ref names and email local parts.
func sanitizeRef(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '.' || r == '@' {
			out = append(out, '-')
		}
	}
	cleaned := strings.Trim(string(out), "-")
	if cleaned == "" {
		return "user"
	}
	return cleaned
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
