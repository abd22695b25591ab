package parser

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	"studypipe/internal/textutil"
)

// Page is one extracted unit of a document. Pages are transient and never
// persisted; images are raw blobs handed to the captioner.
type Page struct {
	Num    int
	Text   string
	Images [][]byte
}

// UnsupportedTypeError is returned for files that are neither PDF nor DOCX.
type UnsupportedTypeError struct {
	Filename string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported file type: %s", e.Filename)
}

// Parser extracts per-page text (and best-effort images) from raw bytes.
type Parser struct {
	// UseRichPDF gates the full PDF library; when off, the lightweight
	// text-object scan is used directly.
	UseRichPDF bool
}

// ExtractPages infers the type from the filename suffix and extracts pages.
// Parse failures produce a single diagnostic placeholder page instead of an
// error, so upstream can still record a file summary.
func (p *Parser) ExtractPages(filename string, data []byte) ([]Page, error) {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return p.parsePDF(data), nil
	case strings.HasSuffix(lower, ".docx"):
		return p.parseDOCX(data), nil
	default:
		return nil, &UnsupportedTypeError{Filename: filename}
	}
}

func placeholderPage(kind string, size int, err error) []Page {
	return []Page{{
		Num:  1,
		Text: fmt.Sprintf("[%s Content – %d bytes – Parse error: %v]", kind, size, err),
	}}
}

// ========== PDF ==========

func (p *Parser) parsePDF(data []byte) []Page {
	if p.UseRichPDF {
		if pages, err := richPDFPages(data); err == nil && len(pages) > 0 {
			return pages
		}
	}
	pages, err := scanPDFPages(data)
	if err != nil {
		return placeholderPage("PDF", len(data), err)
	}
	return pages
}

// richPDFPages enumerates pages with the full PDF library and extracts the
// plain text of each.
func richPDFPages(data []byte) ([]Page, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	var pages []Page
	for i := 1; i <= r.NumPage(); i++ {
		pg := r.Page(i)
		if pg.V.IsNull() {
			continue
		}
		text, err := pg.GetPlainText(nil)
		if err != nil {
			text = ""
		}
		pages = append(pages, Page{Num: i, Text: textutil.CollapseWhitespace(text)})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages extracted")
	}
	return pages, nil
}

// scanPDFPages is the lightweight fallback: it scans BT…ET text objects and
// collects parenthesized string operands. When the file declares multiple
// pages, the text is split proportionally across them; page boundaries are
// approximate.
func scanPDFPages(data []byte) ([]Page, error) {
	text := scanTextObjects(data)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text objects found")
	}
	numPages := countDeclaredPages(data)
	if numPages <= 1 {
		return []Page{{Num: 1, Text: text}}, nil
	}
	words := strings.Fields(text)
	perPage := (len(words) + numPages - 1) / numPages
	var pages []Page
	for i := 0; i < numPages; i++ {
		start := i * perPage
		if start >= len(words) {
			break
		}
		end := start + perPage
		if end > len(words) {
			end = len(words)
		}
		pages = append(pages, Page{Num: i + 1, Text: strings.Join(words[start:end], " ")})
	}
	return pages, nil
}

func countDeclaredPages(data []byte) int {
	n := bytes.Count(data, []byte("/Type /Page")) + bytes.Count(data, []byte("/Type/Page"))
	n -= bytes.Count(data, []byte("/Type /Pages")) + bytes.Count(data, []byte("/Type/Pages"))
	if n < 1 {
		return 1
	}
	return n
}

func scanTextObjects(data []byte) string {
	var sb strings.Builder
	rest := data
	for {
		bt := bytes.Index(rest, []byte("BT"))
		if bt < 0 {
			break
		}
		rest = rest[bt+2:]
		et := bytes.Index(rest, []byte("ET"))
		if et < 0 {
			break
		}
		extractStringOperands(rest[:et], &sb)
		rest = rest[et+2:]
	}
	return textutil.CollapseWhitespace(sb.String())
}

// extractStringOperands pulls (…) literals out of a content stream span,
// honoring the \(, \) and \\ escapes.
func extractStringOperands(span []byte, sb *strings.Builder) {
	depth := 0
	escaped := false
	for _, ch := range span {
		if depth > 0 {
			if escaped {
				sb.WriteByte(ch)
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case '(':
				depth++
				sb.WriteByte(ch)
			case ')':
				depth--
				if depth == 0 {
					sb.WriteByte(' ')
				} else {
					sb.WriteByte(ch)
				}
			default:
				sb.WriteByte(ch)
			}
			continue
		}
		if ch == '(' {
			depth = 1
		}
	}
}

// ========== DOCX ==========

// parseDOCX extracts the full text as a single page. DOCX has no physical
// pages, so page_num is always 1. Images under word/media/ are collected
// best-effort for captioning.
func (p *Parser) parseDOCX(data []byte) []Page {
	text, err := docxText(data)
	if err != nil {
		// The library is strict about the package structure; fall back to
		// reading word/document.xml straight out of the zip.
		text, err = docxTextFromZip(data)
		if err != nil {
			return placeholderPage("DOCX", len(data), err)
		}
	}
	return []Page{{Num: 1, Text: text, Images: docxImages(data)}}
}

func docxText(data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("read docx: %w", err)
	}
	defer r.Close()
	return paragraphsToText(r.Editable().GetContent()), nil
}

func docxTextFromZip(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("read docx zip: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		return paragraphsToText(string(raw)), nil
	}
	return "", fmt.Errorf("word/document.xml not found")
}

// paragraphsToText splits DOCX XML on <w:p> paragraph tags and strips the
// remaining markup from each paragraph.
func paragraphsToText(xmlContent string) string {
	parts := strings.Split(xmlContent, "<w:p")
	var paragraphs []string
	for _, part := range parts {
		cleaned := strings.TrimSpace(stripTags(part))
		if cleaned != "" {
			paragraphs = append(paragraphs, cleaned)
		}
	}
	return strings.Join(paragraphs, "\n")
}

func stripTags(xmlStr string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range xmlStr {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func docxImages(data []byte) [][]byte {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil
	}
	var images [][]byte
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "word/media/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		blob, err := io.ReadAll(rc)
		rc.Close()
		if err == nil && len(blob) > 0 {
			images = append(images, blob)
		}
	}
	return images
}
