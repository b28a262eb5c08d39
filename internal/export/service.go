package export

import (
	"fmt"
	"html/template"
)

// Service renders note exports. It is stateless; callers load the note and
// comments after their own access checks.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Export generates an export in the requested format.
func (s *Service) Export(req Request) (*Result, error) {
	if req.Format == FormatMarkdown {
		data := []byte("# " + req.Note.Title + "\n\n" + req.Note.Content)
		return &Result{
			Data:     data,
			Filename: sanitizeFilename(req.Note.Title) + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	}

	contentHTML, err := MarkdownToHTML(req.Note.Content)
	if err != nil {
		return nil, err
	}

	data := TemplateData{
		Title:       req.Note.Title,
		ContentHTML: template.HTML(contentHTML),
		Author:      req.Note.Author,
		UpdatedAt:   req.Note.UpdatedAt,
		Comments:    []TemplateComment{},
	}

	if req.IncludeComments {
		for _, c := range req.Comments {
			data.Comments = append(data.Comments, TemplateComment{
				Author:   c.Author,
				Body:     c.Body,
				Selected: selectedText(req.Note.Content, c.SelectionStart, c.SelectionEnd),
			})
		}
	}

	html, err := RenderNoteHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(req.Note.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, req.Note.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// selectedText returns the note text a comment is anchored to. Ranges that no
// longer fit the current content yield an empty quote.
func selectedText(content string, start, end *int) string {
	if start == nil || end == nil {
		return ""
	}
	if *start < 0 || *end < *start || *end > len(content) {
		return ""
	}
	return content[*start:*end]
}
