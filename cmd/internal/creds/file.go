package creds

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"sessiond/cmd/security/seal"
)

const (
	// DirSuffix is appended to the session id to form its credential directory.
	DirSuffix = "_credentials"

	credsFile = CredsKey + ".json"
	fileExt   = ".json"
	tmpPrefix = ".tmp-"
)

// FileStore keeps each session's state in its own directory:
//
//	<root>/<session_id>_credentials/creds.json
//	<root>/<session_id>_credentials/<escaped key>.json
//
// When a Sealer is configured every file is sealed; plaintext files written before
// sealing was enabled are still readable and get sealed on their next write.
type FileStore struct {
	root   string
	sealer *seal.Sealer
	log    *slog.Logger

	mu sync.Mutex
}

// FileOption configures FileStore behavior.
type FileOption func(*FileStore)

// WithSealer seals every file written by the store.
func WithSealer(s *seal.Sealer) FileOption {
	return func(fs *FileStore) { fs.sealer = s }
}

// WithFileLogger sets the logger used for watcher and migration messages.
func WithFileLogger(log *slog.Logger) FileOption {
	return func(fs *FileStore) {
		if log != nil {
			fs.log = log
		}
	}
}

// NewFileStore constructs a FileStore rooted at root, creating it if needed.
func NewFileStore(root string, opts ...FileOption) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("creds: empty root dir")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("creds: root dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("creds: create root dir: %w", err)
	}

	s := &FileStore{root: abs, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Root returns the absolute root directory.
func (s *FileStore) Root() string { return s.root }

// Dir returns the credential directory of a session.
func (s *FileStore) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID+DirSuffix)
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

// Load reads the creds document and every key file of the session.
func (s *FileStore) Load(ctx context.Context, sessionID string) (State, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return State{}, err
	}
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.Dir(sessionID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}

	var st State
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, tmpPrefix) {
			continue
		}

		data, err := s.readFile(filepath.Join(dir, name))
		if err != nil {
			return State{}, fmt.Errorf("read %s: %w", name, err)
		}

		if name == credsFile {
			st.Creds = data
			continue
		}

		key, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			s.log.Warn("creds.file.skip", "session_id", sessionID, "file", name, "err", err)
			continue
		}
		if st.Keys == nil {
			st.Keys = make(map[string][]byte)
		}
		st.Keys[key] = data
	}
	return st, nil
}

// SaveCreds writes creds.json.
func (s *FileStore) SaveCreds(ctx context.Context, sessionID string, creds []byte) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureDir(sessionID)
	if err != nil {
		return err
	}
	return s.writeFile(dir, credsFile, creds)
}

// SetKeys writes or removes key files.
func (s *FileStore) SetKeys(ctx context.Context, sessionID string, keys map[string][]byte) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	if err := checkKeys(keys); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureDir(sessionID)
	if err != nil {
		return err
	}
	for _, k := range sortedKeys(keys) {
		name := keyFileName(k)
		v := keys[k]
		if v == nil {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			continue
		}
		if err := s.writeFile(dir, name, v); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the session's directory.
func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.Dir(sessionID))
}

// Exists reports whether the session's directory exists and is non-empty.
func (s *FileStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return dirHasFiles(s.Dir(sessionID))
}

// List returns the ids of every non-empty credential directory under root.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		id, ok := sessionIDFromDirName(e.Name())
		if !e.IsDir() || !ok {
			continue
		}
		has, err := dirHasFiles(filepath.Join(s.root, e.Name()))
		if err != nil {
			return nil, err
		}
		if has {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *FileStore) ensureDir(sessionID string) (string, error) {
	dir := s.Dir(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creds: create session dir: %w", err)
	}
	return dir, nil
}

// writeFile writes through a temp file + rename so readers never observe partial content.
func (s *FileStore) writeFile(dir, name string, data []byte) error {
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(data)
		if err != nil {
			return fmt.Errorf("seal %s: %w", name, err)
		}
		data = sealed
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}

func (s *FileStore) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if s.sealer == nil {
		if seal.IsSealed(data) {
			return nil, ErrSealedNoPassphrase
		}
		return data, nil
	}

	plain, err := s.sealer.Open(data)
	if errors.Is(err, seal.ErrNotSealed) {
		return data, nil
	}
	return plain, err
}

func keyFileName(key string) string {
	return url.PathEscape(key) + fileExt
}

func sessionIDFromDirName(name string) (string, bool) {
	id, ok := strings.CutSuffix(name, DirSuffix)
	if !ok || !ValidSessionID(id) {
		return "", false
	}
	return id, true
}

func dirHasFiles(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}
