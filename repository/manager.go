package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Manager opens project repositories by name.
type Manager interface {
	// OpenRepo returns the repository of the named project, or an error
	// wrapping ErrProjectNotFound.
	OpenRepo(name string) (Repo, error)

	// List returns the names of all known projects.
	List() ([]string, error)
}

// FileManager serves bare repositories stored as <name>.git under a base
// directory. Opened repositories are cached so that ref updates made through
// one handle are serialized with every other.
type FileManager struct {
	BaseDir string

	mu    sync.Mutex
	repos map[string]*GitRepo
}

// NewFileManager returns a manager for repositories under baseDir.
func NewFileManager(baseDir string) *FileManager {
	return &FileManager{BaseDir: baseDir, repos: make(map[string]*GitRepo)}
}

func (m *FileManager) path(name string) string {
	return filepath.Join(m.BaseDir, filepath.FromSlash(name)+".git")
}

// OpenRepo opens the named project repository.
func (m *FileManager) OpenRepo(name string) (Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[name]; ok {
		return r, nil
	}
	p := m.path(name)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	r, err := NewGitRepo(p)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	m.repos[name] = r
	return r, nil
}

// Create initializes a new bare repository for the named project.
func (m *FileManager) Create(name string) (*GitRepo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := InitGitRepo(m.path(name))
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", name, err)
	}
	m.repos[name] = r
	return r, nil
}

// List returns every project found under the base directory.
func (m *FileManager) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(m.BaseDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || !strings.HasSuffix(p, ".git") || p == m.BaseDir {
			return nil
		}
		rel, err := filepath.Rel(m.BaseDir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(strings.TrimSuffix(rel, ".git")))
		return filepath.SkipDir
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// MemoryManager holds in-memory repositories.
type MemoryManager struct {
	mu    sync.Mutex
	repos map[string]*GitRepo
}

// NewMemoryManager returns an empty MemoryManager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{repos: make(map[string]*GitRepo)}
}

// Create adds an empty repository for the named project, or returns the
// existing one.
func (m *MemoryManager) Create(name string) *GitRepo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[name]; ok {
		return r
	}
	r := NewMemoryRepo(name)
	m.repos[name] = r
	return r
}

// Delete forgets the named project.
func (m *MemoryManager) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.repos, name)
}

// OpenRepo returns the named project repository.
func (m *MemoryManager) OpenRepo(name string) (Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return r, nil
}

// List returns the names of all projects.
func (m *MemoryManager) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.repos))
	for n := range m.repos {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}
