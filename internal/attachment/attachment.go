// Package attachment resolves chat attachment names to their extracted
// text. Extraction itself happens upstream; this package only reads the
// results.
package attachment

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/llmgate/internal/log"
	"github.com/felixgeelhaar/llmgate/internal/provider"
)

// Resolver maps attachment names to extracted text. Unknown names are
// skipped, not reported as errors.
type Resolver interface {
	Resolve(ctx context.Context, names []string) ([]provider.Attachment, error)
}

// DirResolver reads pre-extracted text from a directory. An attachment
// "report.pdf" is served from "report.pdf.txt" if present, else from
// "report.pdf" itself.
type DirResolver struct {
	Dir    string
	Logger *log.Logger
}

// NewDirResolver creates a resolver rooted at dir.
func NewDirResolver(dir string, logger *log.Logger) *DirResolver {
	return &DirResolver{Dir: dir, Logger: log.OrDefault(logger)}
}

// Resolve implements Resolver.
func (r *DirResolver) Resolve(ctx context.Context, names []string) ([]provider.Attachment, error) {
	logger := log.OrDefault(r.Logger)
	var out []provider.Attachment

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !validName(name) {
			logger.Warn("attachment name rejected", "attachment", name)
			continue
		}

		text, err := r.read(name)
		if stderrors.Is(err, fs.ErrNotExist) {
			logger.Warn("attachment not found", "attachment", name)
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.Debug("attachment resolved", "attachment", name, "chars", len(text))
		out = append(out, provider.Attachment{Name: name, Text: text})
	}
	return out, nil
}

func (r *DirResolver) read(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.Dir, name+".txt"))
	if stderrors.Is(err, fs.ErrNotExist) {
		data, err = os.ReadFile(filepath.Join(r.Dir, name))
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// validName rejects anything that could escape the directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return filepath.Base(name) == name && !strings.ContainsRune(name, filepath.Separator) && !strings.Contains(name, "/")
}

// MapResolver serves attachments from memory.
type MapResolver map[string]string

// Resolve implements Resolver.
func (m MapResolver) Resolve(_ context.Context, names []string) ([]provider.Attachment, error) {
	var out []provider.Attachment
	for _, name := range names {
		if text, ok := m[name]; ok {
			out = append(out, provider.Attachment{Name: name, Text: text})
		}
	}
	return out, nil
}

// Compose folds attachments into the user message:
//
//	[File: a.txt]
//	<text>
//
//	[File: b.txt]
//	<text>
//
//	---
//
//	<message>
//
// With no attachments the message is returned unchanged.
func Compose(message string, attachments []provider.Attachment) string {
	if len(attachments) == 0 {
		return message
	}

	blocks := make([]string, 0, len(attachments))
	for _, a := range attachments {
		blocks = append(blocks, "[File: "+a.Name+"]\n"+a.Text)
	}
	return strings.Join(blocks, "\n\n") + "\n\n---\n\n" + message
}
