package normalize

import (
	"context"
	"fmt"
	"os"

	"github.com/yungbote/scenegraph-backend/internal/platform/localmedia"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

// PopplerRasterizer renders PDFs with pdftoppm and reads the text layer with
// pdftotext. Work files live under the tools' work root and are removed
// before Rasterize returns.
type PopplerRasterizer struct {
	log   *logger.Logger
	tools localmedia.Tools
	dpi   int
}

func NewPopplerRasterizer(log *logger.Logger, tools localmedia.Tools, dpi int) *PopplerRasterizer {
	return &PopplerRasterizer{
		log:   log.With("service", "PopplerRasterizer"),
		tools: tools,
		dpi:   dpi,
	}
}

func (p *PopplerRasterizer) Rasterize(ctx context.Context, pdf []byte, maxPages int) (Raster, error) {
	path, cleanup, err := p.tools.WriteTempFile(ctx, pdf, ".pdf")
	if err != nil {
		return Raster{}, err
	}
	defer cleanup()

	total, err := p.tools.CountPDFPages(ctx, path)
	if err != nil {
		return Raster{}, err
	}
	last := total
	if maxPages > 0 && last > maxPages {
		last = maxPages
	}

	dir, cleanDir, err := p.tools.TempDir(ctx)
	if err != nil {
		return Raster{}, err
	}
	defer cleanDir()

	paths, err := p.tools.RenderPDFToImages(ctx, path, dir, localmedia.PDFRenderOptions{
		DPI:       p.dpi,
		Format:    "png",
		FirstPage: 1,
		LastPage:  last,
	})
	if err != nil {
		return Raster{}, err
	}

	pages := make([][]byte, 0, len(paths))
	for _, pp := range paths {
		b, err := os.ReadFile(pp)
		if err != nil {
			return Raster{}, fmt.Errorf("read rendered page: %w", err)
		}
		pages = append(pages, b)
	}

	text, err := p.tools.ExtractPDFText(ctx, path, localmedia.PDFTextOptions{FirstPage: 1, LastPage: last})
	if err != nil {
		p.log.Warn("pdf text extraction failed (continuing)", "error", err)
		text = ""
	}
	return Raster{Pages: pages, TotalPages: total, Text: text}, nil
}
