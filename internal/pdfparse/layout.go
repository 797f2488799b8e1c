// Package pdfparse turns PDF text runs into chunks of lines with page geometry.
package pdfparse

import (
	"math"
	"strings"
	"unicode"

	"pdfchat-platform/models"
)

// Default US Letter size, used when a page carries no usable MediaBox.
const (
	defaultPageWidth  = 612.0
	defaultPageHeight = 792.0
)

// Run is one text item as it appears in the page content stream. X and Y are
// the baseline origin in PDF user space (origin bottom-left).
type Run struct {
	X, Y     float64
	W        float64
	FontSize float64
	Font     string
	Text     string
}

type Page struct {
	Number        int
	Width, Height float64
	Runs          []Run
}

// Origin is the raw parser record kept alongside each line.
type Origin struct {
	PageNumber int      `json:"pageNumber"`
	Baseline   float64  `json:"baseline"`
	Left       float64  `json:"left"`
	Right      float64  `json:"right"`
	FontSize   float64  `json:"fontSize"`
	Fonts      []string `json:"fonts,omitempty"`
	RunCount   int      `json:"runCount"`
}

type Line struct {
	Text       string
	PageNumber int
	Rect       models.Rect
	Origin     Origin
}

// Chunk is a paragraph-sized group of consecutive lines on one page.
type Chunk struct {
	Text       string
	PageNumber int
	Lines      []Line
}

type Options struct {
	// MaxChunkSize caps the characters in one chunk; a single longer line
	// still forms its own chunk.
	MaxChunkSize int
	// ParagraphGap is the baseline distance, in multiples of font size,
	// above which a new chunk starts.
	ParagraphGap float64
}

func (o Options) withDefaults() Options {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = 1000
	}
	if o.ParagraphGap <= 0 {
		o.ParagraphGap = 1.6
	}
	return o
}

// Layout groups runs into lines and lines into chunks. Content-stream order
// is kept as reading order.
func Layout(pages []Page, opts Options) []Chunk {
	opts = opts.withDefaults()

	var chunks []Chunk
	for _, page := range pages {
		lines := groupLines(page)
		chunks = append(chunks, groupChunks(lines, opts)...)
	}
	return chunks
}

type lineBuilder struct {
	runs     []Run
	baseline float64
	fontSize float64
}

func groupLines(page Page) []Line {
	w, h := page.Width, page.Height
	if w <= 0 || h <= 0 {
		w, h = defaultPageWidth, defaultPageHeight
	}

	var (
		lines   []Line
		current *lineBuilder
	)
	flush := func() {
		if current == nil {
			return
		}
		if line, ok := current.build(page.Number, w, h); ok {
			lines = append(lines, line)
		}
		current = nil
	}

	for _, run := range page.Runs {
		if run.Text == "" {
			continue
		}
		size := run.FontSize
		if size <= 0 {
			size = 10
		}
		if current != nil && math.Abs(run.Y-current.baseline) > 0.5*math.Max(size, current.fontSize) {
			flush()
		}
		if current == nil {
			current = &lineBuilder{baseline: run.Y, fontSize: size}
		}
		current.runs = append(current.runs, run)
		if size > current.fontSize {
			current.fontSize = size
		}
	}
	flush()
	return lines
}

func runEnd(r Run) float64 {
	if r.W > 0 {
		return r.X + r.W
	}
	// Fonts without a widths table report zero advance.
	return r.X + 0.5*r.FontSize*float64(len([]rune(r.Text)))
}

func (b *lineBuilder) build(pageNumber int, pageW, pageH float64) (Line, bool) {
	var (
		sb                 strings.Builder
		left               = math.Inf(1)
		right              = math.Inf(-1)
		top                = math.Inf(-1)
		bottom             = math.Inf(1)
		fonts              []string
		seenFont           = map[string]bool{}
		prevEnd            float64
		prevKnown, started bool
	)

	for _, r := range b.runs {
		size := r.FontSize
		if size <= 0 {
			size = b.fontSize
		}
		if started && prevKnown && r.W > 0 && r.X-prevEnd > 0.15*size {
			if !endsWithSpace(sb.String()) && !startsWithSpace(r.Text) {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(r.Text)
		started = true
		prevEnd, prevKnown = runEnd(r), r.W > 0

		left = math.Min(left, r.X)
		right = math.Max(right, runEnd(r))
		top = math.Max(top, r.Y+size)
		bottom = math.Min(bottom, r.Y-0.2*size)

		if r.Font != "" && !seenFont[r.Font] {
			seenFont[r.Font] = true
			fonts = append(fonts, r.Font)
		}
	}

	text := strings.TrimSpace(collapseSpaces(sb.String()))
	if text == "" {
		return Line{}, false
	}

	rect := models.Rect{
		X1:     clamp(left, 0, pageW),
		Y1:     clamp(pageH-top, 0, pageH),
		X2:     clamp(right, 0, pageW),
		Y2:     clamp(pageH-bottom, 0, pageH),
		Width:  pageW,
		Height: pageH,
	}

	return Line{
		Text:       text,
		PageNumber: pageNumber,
		Rect:       rect,
		Origin: Origin{
			PageNumber: pageNumber,
			Baseline:   b.baseline,
			Left:       left,
			Right:      right,
			FontSize:   b.fontSize,
			Fonts:      fonts,
			RunCount:   len(b.runs),
		},
	}, true
}

func groupChunks(lines []Line, opts Options) []Chunk {
	var (
		chunks  []Chunk
		current *Chunk
		size    int
	)
	flush := func() {
		if current != nil && len(current.Lines) > 0 {
			parts := make([]string, len(current.Lines))
			for i, l := range current.Lines {
				parts[i] = l.Text
			}
			current.Text = strings.Join(parts, "\n")
			chunks = append(chunks, *current)
		}
		current, size = nil, 0
	}

	for i, line := range lines {
		if current != nil {
			prev := lines[i-1]
			gap := math.Abs(prev.Origin.Baseline - line.Origin.Baseline)
			fontSize := math.Max(prev.Origin.FontSize, line.Origin.FontSize)
			switch {
			case line.PageNumber != current.PageNumber:
				flush()
			case gap > opts.ParagraphGap*fontSize:
				flush()
			case size+len(line.Text)+1 > opts.MaxChunkSize:
				flush()
			}
		}
		if current == nil {
			current = &Chunk{PageNumber: line.PageNumber}
		}
		current.Lines = append(current.Lines, line)
		size += len(line.Text) + 1
	}
	flush()
	return chunks
}

func collapseSpaces(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !space {
				sb.WriteByte(' ')
			}
			space = true
			continue
		}
		space = false
		sb.WriteRune(r)
	}
	return sb.String()
}

func endsWithSpace(s string) bool {
	return s != "" && s[len(s)-1] == ' '
}

func startsWithSpace(s string) bool {
	return s != "" && s[0] == ' '
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
