package export

import (
	"html/template"
	"strings"
	"testing"
	"time"
)

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty input", "", ""},
		{"paragraph", "Hello world", "<p>Hello world</p>"},
		{"heading", "## Section Title", "<h2>Section Title</h2>"},
		{"bold", "some **bold** text", "<strong>bold</strong>"},
		{"bullet list", "- Item 1\n- Item 2", "<ul>"},
		{"code block", "```\nfunc main() {}\n```", "<pre><code>func main() {}"},
		{"gfm strikethrough", "~~gone~~", "<del>gone</del>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarkdownToHTML(tt.input)
			if err != nil {
				t.Fatalf("MarkdownToHTML() error = %v", err)
			}
			if !strings.Contains(strings.TrimSpace(result), tt.expected) {
				t.Errorf("MarkdownToHTML() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Note v1.2", "My-Note-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "note"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},       // Spaces encoded as %20, not +
		{"test+sign", "test%2Bsign"},           // + signs are encoded
		{"special<>", "special%3C%3E"},         // Special chars encoded
		{"normal-text.txt", "normal-text.txt"}, // Unreserved chars pass through
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderNoteHTML(t *testing.T) {
	data := TemplateData{
		Title:       "Test Note",
		ContentHTML: template.HTML("<p>This is the content.</p>"),
		Author:      "alice",
		UpdatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Comments: []TemplateComment{
			{Author: "bob", Body: "Looks good", Selected: "the content"},
		},
	}

	html, err := RenderNoteHTML(data)
	if err != nil {
		t.Fatalf("RenderNoteHTML() error = %v", err)
	}

	if !strings.Contains(html, "Test Note") {
		t.Error("HTML missing title")
	}
	if !strings.Contains(html, "alice") {
		t.Error("HTML missing author")
	}
	if !strings.Contains(html, "Comments") {
		t.Error("HTML missing comments section")
	}
	if !strings.Contains(html, "the content") {
		t.Error("HTML missing selected quote")
	}
	// template.HTML must pass through unescaped
	if strings.Contains(html, "&lt;p&gt;") {
		t.Error("HTML content was escaped - should be rendered as raw HTML")
	}
	if !strings.Contains(html, "<p>This is the content.</p>") {
		t.Error("HTML content should contain unescaped <p> tags")
	}
}

func TestExportMarkdownAndHTML(t *testing.T) {
	svc := NewService()
	note := Note{
		ID:        "note-1",
		Title:     "Trip Plan",
		Content:   "Pack **light**.",
		Author:    "alice",
		UpdatedAt: time.Now(),
	}

	md, err := svc.Export(Request{Note: note, Format: FormatMarkdown})
	if err != nil {
		t.Fatalf("Export(md) error = %v", err)
	}
	if md.Filename != "Trip-Plan.md" {
		t.Errorf("filename = %q", md.Filename)
	}
	if !strings.Contains(string(md.Data), "# Trip Plan") {
		t.Errorf("markdown export missing title header: %s", md.Data)
	}

	htmlRes, err := svc.Export(Request{Note: note, Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export(html) error = %v", err)
	}
	if htmlRes.MimeType != "text/html; charset=utf-8" {
		t.Errorf("mime type = %q", htmlRes.MimeType)
	}
	if !strings.Contains(string(htmlRes.Data), "<strong>light</strong>") {
		t.Errorf("html export missing rendered markdown: %s", htmlRes.Data)
	}

	if _, err := svc.Export(Request{Note: note, Format: "docx"}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestSelectedText(t *testing.T) {
	content := "hello world"
	mk := func(v int) *int { return &v }

	if got := selectedText(content, mk(0), mk(5)); got != "hello" {
		t.Errorf("selectedText = %q, want hello", got)
	}
	if got := selectedText(content, nil, nil); got != "" {
		t.Errorf("selectedText without range = %q, want empty", got)
	}
	if got := selectedText(content, mk(3), mk(100)); got != "" {
		t.Errorf("selectedText out of range = %q, want empty", got)
	}
	if got := selectedText(content, mk(5), mk(2)); got != "" {
		t.Errorf("selectedText inverted range = %q, want empty", got)
	}
}
