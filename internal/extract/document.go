package extract

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// DocumentPages extracts pages from a document by extension. PDFs get
// per-page extraction; plain text formats become a single page.
func DocumentPages(fileName string, data []byte) ([]Page, error) {
	if strings.EqualFold(filepath.Ext(fileName), ".pdf") {
		return PDFPages(data)
	}
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	return []Page{{Number: 1, Text: text}}, nil
}
