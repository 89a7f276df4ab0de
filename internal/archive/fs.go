package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/code-colosseum/colosseum/internal/proto"
)

const descriptorFile = "descriptor.json"

// FS archives matches as <root>/<id>/descriptor.json.
type FS struct {
	root string
}

// NewFS creates the archive root if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create archive root: %w", err)
	}
	return &FS{root: root}, nil
}

// List returns every archived id, skipping entries that do not look
// like match ids (editor droppings, lost+found and the like).
func (f *FS) List() ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("cannot read archive root: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && idRegex.MatchString(entry.Name()) {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

func (f *FS) Retrieve(id string) (proto.MatchData, error) {
	raw, err := os.ReadFile(filepath.Join(f.root, id, descriptorFile))
	if os.IsNotExist(err) {
		return proto.MatchData{}, ErrNotFound
	}
	if err != nil {
		return proto.MatchData{}, fmt.Errorf("cannot read archived match: %w", err)
	}
	var rec proto.MatchData
	if err := json.Unmarshal(raw, &rec); err != nil {
		return proto.MatchData{}, ErrMalformed
	}
	return rec, nil
}

func (f *FS) Store(rec proto.MatchData) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot serialize match record: %w", err)
	}
	dir := filepath.Join(f.root, rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create match directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, descriptorFile), raw, 0o644); err != nil {
		return fmt.Errorf("cannot write match record: %w", err)
	}
	return nil
}

func (f *FS) Close() {}
