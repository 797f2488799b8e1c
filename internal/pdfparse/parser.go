package pdfparse

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
)

var ErrNoText = errors.New("pdfparse: document has no extractable text")

type Parser struct {
	opts Options
}

func NewParser(opts Options) *Parser {
	return &Parser{opts: opts.withDefaults()}
}

// ParseFile extracts positioned text from every page of the PDF at path and
// groups it into chunks.
func (p *Parser) ParseFile(ctx context.Context, path string) ([]Chunk, error) {
	pages, err := readPages(ctx, path)
	if err != nil {
		return nil, err
	}

	chunks := Layout(pages, p.opts)
	if len(chunks) == 0 {
		return nil, ErrNoText
	}
	return chunks, nil
}

func readPages(ctx context.Context, path string) (pages []Page, err error) {
	// ledongthuc/pdf panics on some malformed content streams.
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		box := mediaBox(page.V)
		pages = append(pages, Page{Number: i, Width: box.w, Height: box.h, Runs: pageRuns(page.Content().Text, box)})
	}
	return pages, nil
}

type pageBox struct {
	x0, y0, w, h float64
}

// boxFromCorners normalises a MediaBox rectangle, whose corners may be
// given in either order.
func boxFromCorners(llx, lly, urx, ury float64) (pageBox, bool) {
	x0, x1 := min(llx, urx), max(llx, urx)
	y0, y1 := min(lly, ury), max(lly, ury)
	if x1-x0 <= 0 || y1-y0 <= 0 {
		return pageBox{}, false
	}
	return pageBox{x0: x0, y0: y0, w: x1 - x0, h: y1 - y0}, true
}

// mediaBox walks up the page tree since MediaBox is inheritable.
func mediaBox(v pdf.Value) pageBox {
	for depth := 0; depth < 16 && !v.IsNull(); depth++ {
		box := v.Key("MediaBox")
		if box.Kind() == pdf.Array && box.Len() == 4 {
			b, ok := boxFromCorners(box.Index(0).Float64(), box.Index(1).Float64(), box.Index(2).Float64(), box.Index(3).Float64())
			if ok {
				return b
			}
		}
		v = v.Key("Parent")
	}
	return pageBox{w: defaultPageWidth, h: defaultPageHeight}
}

// pageRuns converts text runs to coordinates relative to the page's
// lower-left corner.
func pageRuns(texts []pdf.Text, box pageBox) []Run {
	runs := make([]Run, 0, len(texts))
	for _, t := range texts {
		runs = append(runs, Run{
			X:        t.X - box.x0,
			Y:        t.Y - box.y0,
			W:        t.W,
			FontSize: t.FontSize,
			Font:     t.Font,
			Text:     t.S,
		})
	}
	return runs
}
