package lawindex

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Veraticus/taxflow/internal/model"
)

//go:embed corpus/*.yaml
var corpusFS embed.FS

// sourceFile is the on-disk YAML layout of one statute's provisions.
type sourceFile struct {
	Law        string      `yaml:"law"`
	Effective  string      `yaml:"effective"`
	Provisions []provision `yaml:"provisions"`
}

type provision struct {
	Article    string        `yaml:"article"`
	Title      string        `yaml:"title"`
	Text       string        `yaml:"text"`
	Summary    string        `yaml:"summary"`
	Effective  string        `yaml:"effective"`
	KeyPoints  []string      `yaml:"keyPoints"`
	Categories []string      `yaml:"categories"`
	Limits     []model.Limit `yaml:"limits"`
	Evidence   []string      `yaml:"evidence"`
}

// DefaultCorpus returns the provisions shipped with the binary.
func DefaultCorpus() ([]model.LawChunk, error) {
	entries, err := fs.Glob(corpusFS, "corpus/*.yaml")
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)

	var chunks []model.LawChunk
	for _, name := range entries {
		f, err := corpusFS.Open(name)
		if err != nil {
			return nil, err
		}
		parsed, err := ParseSource(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		chunks = append(chunks, parsed...)
	}
	return chunks, nil
}

// LoadYAMLSources loads each path, which may be a YAML file or a directory
// of them.
func LoadYAMLSources(paths []string) ([]model.LawChunk, error) {
	var chunks []model.LawChunk
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("law source %s: %w", p, err)
		}
		var parsed []model.LawChunk
		if info.IsDir() {
			parsed, err = LoadSourceDir(p)
		} else {
			parsed, err = LoadSourceFile(p)
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, parsed...)
	}
	return chunks, nil
}

// LoadSourceDir parses every .yaml and .yml file in dir.
func LoadSourceDir(dir string) ([]model.LawChunk, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading law source dir: %w", err)
	}

	var chunks []model.LawChunk
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		parsed, err := LoadSourceFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, parsed...)
	}
	return chunks, nil
}

// LoadSourceFile parses one YAML source file.
func LoadSourceFile(path string) ([]model.LawChunk, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied source path
	if err != nil {
		return nil, fmt.Errorf("opening law source: %w", err)
	}
	defer func() { _ = f.Close() }()

	chunks, err := ParseSource(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return chunks, nil
}

// ParseSource decodes one statute document into chunks. Repeated articles
// get increasing sequence numbers in their ids.
func ParseSource(r io.Reader) ([]model.LawChunk, error) {
	var src sourceFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&src); err != nil {
		return nil, fmt.Errorf("decoding law source: %w", err)
	}

	code, err := model.ParseLawCode(src.Law)
	if err != nil {
		return nil, err
	}
	defaultEffective, err := parseDate(src.Effective)
	if err != nil {
		return nil, fmt.Errorf("law %s: %w", code, err)
	}

	seq := make(map[string]int)
	chunks := make([]model.LawChunk, 0, len(src.Provisions))
	for _, p := range src.Provisions {
		if strings.TrimSpace(p.Article) == "" {
			return nil, fmt.Errorf("law %s: provision without article", code)
		}

		effective := defaultEffective
		if p.Effective != "" {
			if effective, err = parseDate(p.Effective); err != nil {
				return nil, fmt.Errorf("%s %s: %w", code, p.Article, err)
			}
		}

		cats := make([]model.Category, 0, len(p.Categories))
		for _, name := range p.Categories {
			cat, err := model.ParseCategory(name)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", code, p.Article, err)
			}
			cats = append(cats, cat)
		}

		seq[p.Article]++
		chunks = append(chunks, model.LawChunk{
			EffectiveDate:    effective,
			ID:               model.ChunkID(code, p.Article, seq[p.Article]),
			LawCode:          code,
			Article:          p.Article,
			Title:            p.Title,
			Text:             strings.TrimSpace(p.Text),
			Summary:          strings.TrimSpace(p.Summary),
			KeyPoints:        p.KeyPoints,
			Categories:       cats,
			Limits:           p.Limits,
			EvidenceRequired: p.Evidence,
		})
	}
	return chunks, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid effective date %q", s)
	}
	return t, nil
}
