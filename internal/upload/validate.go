package upload

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Yapping72/r2d/internal/jobs"
	"github.com/Yapping72/r2d/internal/storage"
	"github.com/ledongthuc/pdf"
	"gopkg.in/yaml.v3"
)

// DefaultMaxBytes is the upload size ceiling when none is configured.
const DefaultMaxBytes = 5 << 20

var (
	// ErrTooLarge is returned for uploads over the size ceiling.
	ErrTooLarge = errors.New("file exceeds size limit")
	// ErrUnsupportedType is returned for file extensions that cannot be uploaded.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrEmpty is returned for files with no content.
	ErrEmpty = errors.New("file is empty")
	// ErrInvalidContent is returned when the content does not parse as its type.
	ErrInvalidContent = errors.New("invalid file content")
)

// FileType is the detected kind of an uploaded file.
type FileType string

const (
	TypeJSON     FileType = "json"
	TypeYAML     FileType = "yaml"
	TypeText     FileType = "text"
	TypeMarkdown FileType = "markdown"
	TypePDF      FileType = "pdf"
	TypeMermaid  FileType = "mermaid"
)

// Structured reports whether files of this type hold user story items.
func (t FileType) Structured() bool {
	return t == TypeJSON || t == TypeYAML
}

// Partition returns the file partition uploads of this type are stored in.
func (t FileType) Partition() string {
	if t == TypeMermaid {
		return storage.MermaidFilePartition
	}
	return storage.UserStoryFilePartition
}

var extensions = map[string]FileType{
	".json":     TypeJSON,
	".yaml":     TypeYAML,
	".yml":      TypeYAML,
	".txt":      TypeText,
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
	".pdf":      TypePDF,
	".mmd":      TypeMermaid,
	".mermaid":  TypeMermaid,
}

// DetectType maps a filename to its FileType by extension.
func DetectType(filename string) (FileType, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	t, ok := extensions[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	return t, nil
}

// storiesKey is the wrapper key accepted around a list of user stories.
const storiesKey = "user_stories"

var mermaidDiagrams = []string{
	"graph", "flowchart", "sequenceDiagram", "classDiagram", "stateDiagram",
	"stateDiagram-v2", "erDiagram", "journey", "gantt", "pie", "mindmap",
	"timeline", "C4Context", "C4Container", "C4Component", "gitGraph",
}

// Validator checks uploads and derives the metadata stored with them.
type Validator struct {
	maxBytes int64
	strategy jobs.Strategy
	limits   jobs.Limits
	logger   *slog.Logger
}

// NewValidator creates a Validator. Structured uploads are checked with
// strategy under limits. maxBytes <= 0 uses DefaultMaxBytes.
func NewValidator(maxBytes int64, strategy jobs.Strategy, limits jobs.Limits) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Validator{
		maxBytes: maxBytes,
		strategy: strategy,
		limits:   limits,
		logger:   slog.Default(),
	}
}

// Validate checks content against the type implied by filename and returns
// the record to store. ID and UploadedAt are left for the caller.
func (v *Validator) Validate(filename string, content []byte) (storage.FileRecord, error) {
	ft, err := DetectType(filename)
	if err != nil {
		return storage.FileRecord{}, err
	}
	rec := storage.FileRecord{
		Content:  content,
		Filename: filepath.Base(filename),
		Type:     string(ft),
		Size:     int64(len(content)),
	}
	if rec.Size > v.maxBytes {
		return storage.FileRecord{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, rec.Size, v.maxBytes)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return storage.FileRecord{}, ErrEmpty
	}

	switch ft {
	case TypeJSON, TypeYAML:
		items, _, err := decodeItems(ft, content)
		if err != nil {
			return storage.FileRecord{}, err
		}
		records, err := v.strategy.Validate(items, v.limits)
		if err != nil {
			return storage.FileRecord{}, err
		}
		if len(records) == 0 {
			return storage.FileRecord{}, fmt.Errorf("%w: no usable user stories", ErrInvalidContent)
		}
		rec.Features, rec.SubFeatures = discover(records)
		rec.Lines = countLines(content)
	case TypeText, TypeMarkdown:
		if !utf8.Valid(content) {
			return storage.FileRecord{}, fmt.Errorf("%w: not UTF-8 text", ErrInvalidContent)
		}
		rec.Lines = countLines(content)
	case TypePDF:
		text, err := pdfText(content)
		if err != nil {
			return storage.FileRecord{}, err
		}
		rec.Lines = countLines([]byte(text))
	case TypeMermaid:
		if err := checkMermaid(content); err != nil {
			return storage.FileRecord{}, err
		}
		rec.Lines = countLines(content)
	}

	v.logger.Debug("upload validated", "file", rec.Filename, "type", ft, "size", rec.Size, "lines", rec.Lines)
	return rec, nil
}

// Items returns the user story items held by a structured file.
func Items(rec storage.FileRecord) ([]map[string]any, error) {
	ft := FileType(rec.Type)
	if !ft.Structured() {
		return nil, fmt.Errorf("%w: %s files hold no user stories", ErrUnsupportedType, rec.Type)
	}
	items, _, err := decodeItems(ft, rec.Content)
	return items, err
}

// decodeItems parses a list of items, either bare or under storiesKey.
// wrapped reports which form was found.
func decodeItems(ft FileType, content []byte) (items []map[string]any, wrapped bool, err error) {
	var doc any
	switch ft {
	case TypeJSON:
		err = json.Unmarshal(content, &doc)
	case TypeYAML:
		err = yaml.Unmarshal(content, &doc)
	default:
		return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedType, ft)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}

	if m, ok := doc.(map[string]any); ok {
		inner, found := m[storiesKey]
		if !found {
			return nil, false, fmt.Errorf("%w: expected a list or a %q key", ErrInvalidContent, storiesKey)
		}
		doc, wrapped = inner, true
	}
	list, ok := doc.([]any)
	if !ok {
		return nil, false, fmt.Errorf("%w: user stories must be a list", ErrInvalidContent)
	}

	items = make([]map[string]any, len(list))
	for i, el := range list {
		// Non-object elements stay nil so validation reports their index.
		if m, ok := el.(map[string]any); ok {
			items[i] = m
		}
	}
	return items, wrapped, nil
}

func encodeItems(ft FileType, items []map[string]any, wrapped bool) ([]byte, error) {
	var doc any = items
	if wrapped {
		doc = map[string]any{storiesKey: items}
	}
	if ft == TypeYAML {
		return yaml.Marshal(doc)
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func discover(records []jobs.Record) (features, subFeatures []string) {
	fs := make(map[string]bool)
	ss := make(map[string]bool)
	for _, r := range records {
		fs[r.Feature] = true
		ss[r.SubFeature] = true
	}
	features = make([]string, 0, len(fs))
	for f := range fs {
		features = append(features, f)
	}
	subFeatures = make([]string, 0, len(ss))
	for s := range ss {
		subFeatures = append(subFeatures, s)
	}
	sort.Strings(features)
	sort.Strings(subFeatures)
	return features, subFeatures
}

// countLines counts newline-terminated lines plus a final unterminated one.
func countLines(content []byte) int {
	n := bytes.Count(content, []byte{'\n'})
	if len(content) > 0 && content[len(content)-1] != '\n' {
		n++
	}
	return n
}

func pdfText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: reading pdf: %v", ErrInvalidContent, err)
	}
	if r.NumPage() == 0 {
		return "", fmt.Errorf("%w: pdf has no pages", ErrInvalidContent)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: extracting pdf text: %v", ErrInvalidContent, err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("%w: extracting pdf text: %v", ErrInvalidContent, err)
	}
	return string(text), nil
}

// checkMermaid requires the first statement to declare a diagram type.
func checkMermaid(content []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(content))
	frontMatter := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "---" {
			frontMatter = !frontMatter
			continue
		}
		if frontMatter || line == "" || strings.HasPrefix(line, "%%") {
			continue
		}
		keyword := strings.Fields(line)[0]
		for _, d := range mermaidDiagrams {
			if keyword == d {
				return nil
			}
		}
		return fmt.Errorf("%w: unknown mermaid diagram %q", ErrInvalidContent, keyword)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return fmt.Errorf("%w: no mermaid diagram declaration", ErrInvalidContent)
}
