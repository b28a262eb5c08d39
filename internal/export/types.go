// Package export renders notes to Markdown, HTML, and PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

// Request contains parameters for an export operation. The caller loads the
// note and its comments after the access check and hands them over.
type Request struct {
	Note            Note
	Format          Format
	IncludeComments bool
	Comments        []Comment
}

// Note is the note content being exported.
type Note struct {
	ID        string
	Title     string
	Content   string // Markdown source
	Author    string
	UpdatedAt time.Time
}

// Comment is a note comment included in the export.
type Comment struct {
	Author         string
	Body           string
	SelectionStart *int
	SelectionEnd   *int
	SentAt         time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrUnsupportedFormat indicates the requested format is not recognized.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)
