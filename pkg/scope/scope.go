// Package scope implements the on-disk layout and read/write scoping rules
// from the data model's four scopes (agent home, run, node, worker). All
// tool file I/O flows through Resolve, which rejects any path escaping its
// scope via "..", an absolute path, or a symlink pointing outside.
//
// Path resolution is built directly against stdlib path/filepath: Clean
// plus an explicit prefix check after EvalSymlinks, the idiomatic shape
// for a filesystem jail.
package scope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/event"
)

// Kind identifies which of the four scopes a path belongs to.
type Kind string

const (
	KindAgent  Kind = "agent"
	KindRun    Kind = "run"
	KindNode   Kind = "node"
	KindWorker Kind = "worker"
)

// previewLimit is the maximum number of bytes included in a file.written
// event's content preview, truncated at a UTF-8 boundary.
const previewLimit = 512

// Emitter is the subset of *event.Log the scope store needs. Scoped this
// way so tests can supply a recording stub instead of a real journal.
type Emitter interface {
	Emit(ctx context.Context, typ event.Type, data map[string]any) (event.Event, error)
}

// Store resolves and enforces the four filesystem scopes for one agent.
type Store struct {
	root    string // agents/{agent_id}
	agentID string
	emit    Emitter
}

// New returns a Store rooted at agents/{agentID} under root.
func New(root, agentID string, emit Emitter) *Store {
	return &Store{root: filepath.Join(root, "agents", agentID), agentID: agentID, emit: emit}
}

// AgentPath returns the agent's home directory.
func (s *Store) AgentPath() string { return s.root }

// RunPath returns the directory for a run.
func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

// NodeDir returns the directory for a node within a run.
func (s *Store) NodeDir(runID, nodeID string) string {
	return filepath.Join(s.RunPath(runID), "nodes", nodeID)
}

// WorkerDir returns the directory for a worker within a run.
func (s *Store) WorkerDir(runID, workerID string) string {
	return filepath.Join(s.RunPath(runID), "workers", workerID)
}

// Resolve joins relpath onto the base directory for the named scope and
// verifies the result does not escape that base via "..", an absolute
// path, or a symlink. Returns a ScopeViolation error (agierr.KindScopeViolation)
// on any escape attempt.
func (s *Store) Resolve(kind Kind, base, relpath string) (string, error) {
	if filepath.IsAbs(relpath) {
		return "", agierr.Newf(agierr.KindScopeViolation, "absolute path not permitted: %s", relpath)
	}
	clean := filepath.Clean(filepath.Join(base, relpath))
	cleanBase := filepath.Clean(base)
	if clean != cleanBase && !hasPathPrefix(clean, cleanBase) {
		return "", agierr.Newf(agierr.KindScopeViolation, "path escapes %s scope: %s", kind, relpath)
	}
	if resolved, err := resolveSymlinkTarget(clean); err == nil {
		if resolved != cleanBase && !hasPathPrefix(resolved, cleanBase) {
			return "", agierr.Newf(agierr.KindScopeViolation, "symlink escapes %s scope: %s", kind, relpath)
		}
	}
	return clean, nil
}

func hasPathPrefix(path, prefix string) bool {
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || rel[2] == filepath.Separator)
}

// resolveSymlinkTarget resolves symlinks along path, tolerating a
// not-yet-existing leaf (the common case for a file about to be written).
func resolveSymlinkTarget(path string) (string, error) {
	dir := filepath.Dir(path)
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return path, nil
		}
		return "", err
	}
	return filepath.Join(resolvedDir, filepath.Base(path)), nil
}

// WriteFile writes data at the resolved path within the named scope and
// emits a file.written event carrying a truncated content preview. kind and
// base identify the scope being written into (typically KindNode with the
// node's scratch/ directory, or KindWorker for a worker's own files).
func (s *Store) WriteFile(ctx context.Context, kind Kind, base, relpath string, data []byte) error {
	full, err := s.Resolve(kind, base, relpath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("scope: mkdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("scope: write: %w", err)
	}
	if s.emit != nil {
		_, _ = s.emit.Emit(ctx, "file.written", map[string]any{
			"path":    relpath,
			"scope":   string(kind),
			"preview": previewOf(data),
		})
	}
	return nil
}

// ReadFile reads the file at the resolved path within the named scope.
func (s *Store) ReadFile(kind Kind, base, relpath string) ([]byte, error) {
	full, err := s.Resolve(kind, base, relpath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func previewOf(data []byte) string {
	if len(data) <= previewLimit {
		return string(data)
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut])
}

// Publish atomically moves every file under the node's scratch/ directory
// into published/, writes _status.md, and emits a single node.completed
// event carrying the list of published files. Publish is idempotent:
// calling it a second time on an already-published node is a no-op that
// emits no new node.completed (the law from the testable properties
// section).
func (s *Store) Publish(ctx context.Context, runID, nodeID, summary string) ([]string, error) {
	nodeDir := s.NodeDir(runID, nodeID)
	scratch := filepath.Join(nodeDir, "scratch")
	published := filepath.Join(nodeDir, "published")
	statusPath := filepath.Join(nodeDir, "_status.md")

	if alreadyPublished(statusPath) {
		return listFiles(published), nil
	}

	if err := os.MkdirAll(published, 0o755); err != nil {
		return nil, fmt.Errorf("scope: publish mkdir: %w", err)
	}
	entries, err := os.ReadDir(scratch)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("scope: publish readdir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(scratch, e.Name())
		dst := filepath.Join(published, e.Name())
		if err := moveFile(src, dst); err != nil {
			return nil, fmt.Errorf("scope: publish move %s: %w", e.Name(), err)
		}
		files = append(files, e.Name())
	}
	if err := os.WriteFile(statusPath, []byte("status: completed\nsummary: "+summary+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("scope: publish status: %w", err)
	}
	if s.emit != nil {
		_, _ = s.emit.Emit(ctx, "node.completed", map[string]any{
			"run_id":    runID,
			"node_id":   nodeID,
			"published": files,
		})
	}
	return files, nil
}

func alreadyPublished(statusPath string) bool {
	data, err := os.ReadFile(statusPath)
	if err != nil {
		return false
	}
	return len(data) > 0 && containsCompleted(data)
}

func containsCompleted(data []byte) bool {
	const want = "status: completed"
	s := string(data)
	return len(s) >= len(want) && (s[:len(want)] == want)
}

func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Cross-device fallback: copy then remove.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Remove(src)
}

// PublishedFiles lists the node's published/ directory, if any.
func (s *Store) PublishedFiles(runID, nodeID string) []string {
	return listFiles(filepath.Join(s.NodeDir(runID, nodeID), "published"))
}

// IsPublished reports whether the node's published/ directory is immutable
// (status completed). Writers must consult this before allowing any write
// under published/.
func (s *Store) IsPublished(runID, nodeID string) bool {
	return alreadyPublished(filepath.Join(s.NodeDir(runID, nodeID), "_status.md"))
}
