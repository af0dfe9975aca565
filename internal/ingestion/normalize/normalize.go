package normalize

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"mime"
	"net/http"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

const (
	MediaTypePDF = "application/pdf"
	MediaTypePNG = "image/png"
)

var imageTypes = map[string]bool{
	"image/png":      true,
	"image/jpeg":     true,
	"image/gif":      true,
	"image/bmp":      true,
	"image/x-ms-bmp": true,
	"image/tiff":     true,
	"image/webp":     true,
}

type Upload struct {
	Data      []byte
	MediaType string
	Filename  string
}

// Page is one image handed to the extraction model. Index is 0-based and
// page 0 is the primary drawing.
type Page struct {
	Index     int
	MediaType string
	Data      []byte
	Width     int
	Height    int
}

type Document struct {
	Pages []Page
	// Text is the PDF text layer, trimmed to Config.MaxTextChars. Empty for images.
	Text string
	// MediaType is the resolved source type.
	MediaType string
	// SourcePages counts pages in the source, including any past MaxPages.
	SourcePages int
}

// Rasterizer turns a PDF into encoded page images, at most maxPages of them.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, maxPages int) (Raster, error)
}

type Raster struct {
	Pages      [][]byte
	TotalPages int
	Text       string
}

type Config struct {
	MaxSide      int
	MaxPages     int
	MaxPixels    int
	MaxTextChars int
	Concurrency  int
}

func (c Config) withDefaults() Config {
	if c.MaxSide <= 0 {
		c.MaxSide = 2048
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 8
	}
	if c.MaxPixels <= 0 {
		c.MaxPixels = 100_000_000
	}
	if c.MaxTextChars <= 0 {
		c.MaxTextChars = 1000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

type Normalizer struct {
	log    *logger.Logger
	cfg    Config
	raster Rasterizer
}

// New builds a Normalizer. A nil raster rejects PDFs as unsupported.
func New(log *logger.Logger, cfg Config, raster Rasterizer) *Normalizer {
	return &Normalizer{
		log:    log.With("service", "DocumentNormalizer"),
		cfg:    cfg.withDefaults(),
		raster: raster,
	}
}

func (n *Normalizer) Normalize(ctx context.Context, up Upload) (Document, error) {
	if len(up.Data) == 0 {
		return Document{}, scenegraph.Errorf(scenegraph.StageNormalize, scenegraph.KindCorruptDocument, "empty upload %q", up.Filename)
	}
	mt := ResolveMediaType(up.MediaType, up.Data)
	start := time.Now()

	var (
		doc Document
		err error
	)
	switch {
	case mt == MediaTypePDF:
		doc, err = n.normalizePDF(ctx, up)
	case imageTypes[mt]:
		var page Page
		page, err = n.normalizeImage(up.Data, 0)
		doc = Document{Pages: []Page{page}, SourcePages: 1}
	default:
		return Document{}, scenegraph.Errorf(scenegraph.StageNormalize, scenegraph.KindUnsupportedFormat, "media type %q is neither an image nor a PDF", mt)
	}
	if err != nil {
		return Document{}, err
	}
	doc.MediaType = mt
	n.log.Debug("document normalized",
		"filename", up.Filename,
		"media_type", mt,
		"pages", len(doc.Pages),
		"source_pages", doc.SourcePages,
		"text_chars", len([]rune(doc.Text)),
		"duration", time.Since(start).String(),
	)
	return doc, nil
}

func (n *Normalizer) normalizePDF(ctx context.Context, up Upload) (Document, error) {
	if n.raster == nil {
		return Document{}, scenegraph.Errorf(scenegraph.StageNormalize, scenegraph.KindUnsupportedFormat, "pdf rendering is not configured")
	}
	r, err := n.raster.Rasterize(ctx, up.Data, n.cfg.MaxPages)
	if err != nil {
		if ctx.Err() != nil {
			return Document{}, ctx.Err()
		}
		return Document{}, scenegraph.NewError(scenegraph.StageNormalize, scenegraph.KindCorruptDocument, err)
	}
	if len(r.Pages) == 0 {
		return Document{}, scenegraph.Errorf(scenegraph.StageNormalize, scenegraph.KindCorruptDocument, "pdf %q rendered no pages", up.Filename)
	}
	raw := r.Pages
	if len(raw) > n.cfg.MaxPages {
		raw = raw[:n.cfg.MaxPages]
	}
	if r.TotalPages > len(raw) {
		n.log.Warn("pdf pages skipped past limit",
			"filename", up.Filename,
			"total_pages", r.TotalPages,
			"max_pages", n.cfg.MaxPages,
		)
	}

	pages := make([]Page, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Concurrency)
	for i := range raw {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := n.normalizeImage(raw[i], i)
			if err != nil {
				return err
			}
			pages[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return Document{}, ctx.Err()
		}
		return Document{}, err
	}

	total := r.TotalPages
	if total < len(pages) {
		total = len(pages)
	}
	return Document{
		Pages:       pages,
		Text:        truncateRunes(strings.TrimSpace(r.Text), n.cfg.MaxTextChars),
		SourcePages: total,
	}, nil
}

func (n *Normalizer) normalizeImage(data []byte, index int) (Page, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Page{}, corrupt(index, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > n.cfg.MaxPixels {
		return Page{}, corrupt(index, fmt.Errorf("image dimensions %dx%d out of range", cfg.Width, cfg.Height))
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Page{}, corrupt(index, err)
	}
	dst := fitRGBA(src, n.cfg.MaxSide)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return Page{}, corrupt(index, fmt.Errorf("encode png: %w", err))
	}
	b := dst.Bounds()
	return Page{
		Index:     index,
		MediaType: MediaTypePNG,
		Data:      buf.Bytes(),
		Width:     b.Dx(),
		Height:    b.Dy(),
	}, nil
}

// fitRGBA converts src to RGBA, downscaling so neither side exceeds maxSide.
func fitRGBA(src image.Image, maxSide int) *image.RGBA {
	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	if w > maxSide || h > maxSide {
		if w >= h {
			h = max(1, h*maxSide/w)
			w = maxSide
		} else {
			w = max(1, w*maxSide/h)
			h = maxSide
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
		return dst
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
	return dst
}

func corrupt(index int, err error) error {
	return scenegraph.NewError(scenegraph.StageNormalize, scenegraph.KindCorruptDocument, fmt.Errorf("page %d: %w", index+1, err))
}

// ResolveMediaType lowercases the declared type and strips parameters. An
// empty or generic declaration is replaced by a sniff of the bytes.
func ResolveMediaType(declared string, data []byte) string {
	mt := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	switch mt {
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	case "image/tif":
		return "image/tiff"
	case "", "application/octet-stream", "binary/octet-stream":
		return sniff(data)
	}
	return mt
}

func sniff(data []byte) string {
	if bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")) {
		return "image/tiff"
	}
	mt := http.DetectContentType(data)
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	return mt
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
