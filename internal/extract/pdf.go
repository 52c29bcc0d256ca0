package extract

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// PDFPages extracts per-page text and embedded JPEG images from a PDF.
// The underlying parser panics on malformed input, so the whole pass is
// guarded; a corrupt document surfaces as an error, not a crash.
func PDFPages(data []byte) (pages []Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			text = ""
		}

		pages = append(pages, Page{
			Number: i,
			Text:   text,
			Images: pageImages(page),
		})
	}
	return pages, nil
}

// pageImages pulls DCTDecode (JPEG) image XObjects off a page. Other
// encodings are skipped; a single bad stream never aborts the page.
func pageImages(page pdf.Page) [][]byte {
	xobjects := page.V.Key("Resources").Key("XObject")
	if xobjects.IsNull() {
		return nil
	}

	var images [][]byte
	for _, name := range xobjects.Keys() {
		obj := xobjects.Key(name)
		if obj.Kind() != pdf.Stream || obj.Key("Subtype").Name() != "Image" {
			continue
		}
		if !hasDCTDecode(obj.Key("Filter")) {
			continue
		}
		if data := readStream(obj); len(data) > 0 {
			images = append(images, data)
		}
	}
	return images
}

func hasDCTDecode(filter pdf.Value) bool {
	switch filter.Kind() {
	case pdf.Name:
		return filter.Name() == "DCTDecode"
	case pdf.Array:
		for i := 0; i < filter.Len(); i++ {
			if filter.Index(i).Name() == "DCTDecode" {
				return true
			}
		}
	}
	return false
}

func readStream(obj pdf.Value) (data []byte) {
	defer func() {
		if recover() != nil {
			data = nil
		}
	}()
	r := obj.Reader()
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return data
}
