package results

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"dialoguesim/internal/domain"
)

const filenameLayout = "20060102_150405"

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts "json", "yaml" or "yml"; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("results: unknown output format %q", s)
	}
}

// FileStore writes each session to dialogue_evaluation_<YYYYMMDD_HHMMSS>.<ext>
// in a directory, named after the session start time.
type FileStore struct {
	dir    string
	format Format
}

func NewFileStore(dir string, format Format) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	if format != FormatJSON && format != FormatYAML {
		return nil, fmt.Errorf("results: unknown output format %q", format)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("results: create output dir: %w", err)
	}
	return &FileStore{dir: dir, format: format}, nil
}

// Path returns where result is written when no other session started in
// the same second.
func (s *FileStore) Path(result domain.Result) string {
	return s.path(result, "")
}

func (s *FileStore) path(result domain.Result, suffix string) string {
	name := "dialogue_evaluation_" + result.StartedAt.Format(filenameLayout)
	if suffix != "" {
		name += "_" + suffix
	}
	return filepath.Join(s.dir, name+"."+string(s.format))
}

// SaveResult writes {dialogue, evaluation} via a temp file so a crash never
// leaves a partial record. An existing record is never replaced: a session
// whose name is taken gets the first 8 characters of its id appended.
func (s *FileStore) SaveResult(_ context.Context, result domain.Result) error {
	data, err := encode(s.format, result)
	if err != nil {
		return fmt.Errorf("results: encode: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".dialogue_evaluation_*.tmp")
	if err != nil {
		return fmt.Errorf("results: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("results: chmod %s: %w", tmp.Name(), err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("results: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("results: write %s: %w", tmp.Name(), err)
	}

	candidates := []string{s.path(result, "")}
	if id := shortID(result.SessionID); id != "" {
		candidates = append(candidates, s.path(result, id))
	}
	for _, path := range candidates {
		err = os.Link(tmp.Name(), path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("results: link %s: %w", path, err)
		}
	}
	return fmt.Errorf("results: %s already exists: %w", candidates[len(candidates)-1], err)
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// Load reads a record written by SaveResult. The format follows the file
// extension. Session id and start time are not part of the record.
func Load(path string) (domain.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Result{}, fmt.Errorf("results: read %s: %w", path, err)
	}

	var out domain.Result
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &out)
	default:
		err = json.Unmarshal(data, &out)
	}
	if err != nil {
		return domain.Result{}, fmt.Errorf("results: decode %s: %w", path, err)
	}
	return out, nil
}

func encode(format Format, result domain.Result) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	default:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(result); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
