package contextsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

var fileExtensions = []string{".json", ".yaml", ".yml"}

// FileSource reads <dir>/<key>.json, .yaml or .yml, first match wins.
type FileSource struct {
	dir string
}

// NewFileSource creates a FileSource rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Load implements orchestrator.ContextSource.
func (s *FileSource) Load(ctx context.Context, key string) (types.Context, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, ext := range fileExtensions {
		path := filepath.Join(s.dir, key+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrContextUnavailable, path, err)
		}
		c, err := decodeFile(ext, data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrContextUnavailable, path, err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q in %s", ErrContextNotFound, key, s.dir)
}

// decodeFile parses a context document. YAML is converted through JSON so
// both formats yield the same value types (float64 numbers, []any, map[string]any).
func decodeFile(ext string, data []byte) (types.Context, error) {
	if ext != ".json" {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		var err error
		if data, err = json.Marshal(doc); err != nil {
			return nil, err
		}
	}

	var c types.Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New("document is empty")
	}
	return c, nil
}
