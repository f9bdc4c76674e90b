// Package transcript writes the ordered fragment texts of a run to disk.
package transcript

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomutex/godocx"
)

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Line renders engine output as a single transcript line.
func Line(text string) string {
	return strings.TrimSpace(lineBreaks.Replace(text))
}

// Write stores one line per fragment at path, replacing any previous file
// atomically. Parent directories are created.
func Write(path string, texts []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create transcript: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, text := range texts {
		if _, err := w.WriteString(Line(text) + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("write transcript: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod transcript: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}

const (
	fontName = "Times New Roman"
	fontSize = 12
)

// WriteDocx renders the transcript as a Word document, one paragraph per
// fragment. Empty fragments keep an empty paragraph so positions line up.
func WriteDocx(path, title string, texts []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	doc, err := godocx.NewDocument()
	if err != nil {
		return fmt.Errorf("new docx: %w", err)
	}
	if title != "" {
		doc.AddParagraph("").AddText(title).Font(fontName).Size(16).Bold(true)
	}
	for _, text := range texts {
		p := doc.AddParagraph("")
		if line := Line(text); line != "" {
			p.AddText(line).Font(fontName).Size(fontSize)
		}
	}
	if err := doc.SaveTo(path); err != nil {
		return fmt.Errorf("save docx: %w", err)
	}
	return nil
}

// DocxPath derives the .docx sibling of a text transcript path.
func DocxPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".docx"
}
