package localmedia

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/scenegraph-backend/internal/platform/ctxutil"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

// Tools wraps the poppler binaries used to turn PDFs into page images.
//
// REQUIRED BINARIES when PDFs are accepted:
// - pdfinfo (poppler-utils) for page counts
// - pdftoppm (poppler-utils) for PDF -> page images
// - pdftotext (poppler-utils) for the embedded text layer
type Tools interface {
	AssertReady(ctx context.Context) error

	CountPDFPages(ctx context.Context, pdfPath string) (int, error)
	RenderPDFToImages(ctx context.Context, pdfPath string, outDir string, opts PDFRenderOptions) ([]string, error)
	ExtractPDFText(ctx context.Context, pdfPath string, opts PDFTextOptions) (string, error)

	// Helpers for callers who only have bytes.
	WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error)
	TempDir(ctx context.Context) (string, func(), error)
}

type PDFRenderOptions struct {
	DPI       int
	Format    string // "png" or "jpeg"
	FirstPage int    // 1-based, 0 means default
	LastPage  int    // 1-based, 0 means default
}

type PDFTextOptions struct {
	FirstPage int
	LastPage  int
}

type Config struct {
	WorkRoot string
	Timeout  time.Duration
}

type tools struct {
	log *logger.Logger

	pdftoppmPath  string
	pdfinfoPath   string
	pdftotextPath string

	workRoot string

	defaultTimeout time.Duration
}

func New(log *logger.Logger, cfg Config) Tools {
	workRoot := strings.TrimSpace(cfg.WorkRoot)
	if workRoot == "" {
		workRoot = filepath.Join(os.TempDir(), "scenegraph-media")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &tools{
		log:            log.With("service", "MediaTools"),
		pdftoppmPath:   "pdftoppm",
		pdfinfoPath:    "pdfinfo",
		pdftotextPath:  "pdftotext",
		workRoot:       workRoot,
		defaultTimeout: timeout,
	}
}

func (m *tools) AssertReady(ctx context.Context) error {
	for _, bin := range []string{m.pdfinfoPath, m.pdftoppmPath, m.pdftotextPath} {
		if err := m.assertBinary(bin); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return fmt.Errorf("create workRoot: %w", err)
	}
	return nil
}

func (m *tools) assertBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("missing required binary %q in PATH: %w", name, err)
	}
	return nil
}

// WriteTempFile writes data to a uniquely named file under the work root.
// The returned cleanup removes it.
func (m *tools) WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error) {
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("mkdir workRoot: %w", err)
	}
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	f, err := os.CreateTemp(m.workRoot, "upload-*"+suffix)
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close temp file: %w", err)
	}
	return path, cleanup, nil
}

func (m *tools) TempDir(ctx context.Context) (string, func(), error) {
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("mkdir workRoot: %w", err)
	}
	dir, err := os.MkdirTemp(m.workRoot, "render-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func (m *tools) CountPDFPages(ctx context.Context, pdfPath string) (int, error) {
	ctx = ctxutil.Default(ctx)
	if pdfPath == "" {
		return 0, fmt.Errorf("pdfPath required")
	}
	if err := m.assertBinary(m.pdfinfoPath); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, m.pdfinfoPath, pdfPath).CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("pdfinfo failed: %w; out=%s", err, string(out))
	}
	return parsePDFInfoPages(string(out))
}

func parsePDFInfoPages(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Pages:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil || n <= 0 {
			continue
		}
		return n, nil
	}
	return 0, fmt.Errorf("pdfinfo output missing Pages field")
}

func (m *tools) RenderPDFToImages(ctx context.Context, pdfPath string, outDir string, opts PDFRenderOptions) ([]string, error) {
	ctx = ctxutil.Default(ctx)
	if pdfPath == "" {
		return nil, fmt.Errorf("pdfPath required")
	}
	if outDir == "" {
		return nil, fmt.Errorf("outDir required")
	}
	if err := m.assertBinary(m.pdftoppmPath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir outDir: %w", err)
	}

	dpi := opts.DPI
	if dpi <= 0 {
		dpi = 144
	}
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "png"
	}
	if format != "png" && format != "jpeg" && format != "jpg" {
		return nil, fmt.Errorf("unsupported render format: %s", format)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	args := []string{"-r", strconv.Itoa(dpi)}
	if format == "png" {
		args = append(args, "-png")
	} else {
		args = append(args, "-jpeg")
	}
	args = append(args, pageRangeArgs(opts.FirstPage, opts.LastPage)...)
	args = append(args, pdfPath, filepath.Join(outDir, "page"))

	out, err := exec.CommandContext(ctx, m.pdftoppmPath, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w; out=%s", err, string(out))
	}

	paths, err := globSorted(outDir, `^page-\d+\.(png|jpe?g)$`)
	if err != nil || len(paths) == 0 {
		return nil, fmt.Errorf("no images produced by pdftoppm; out=%s", string(out))
	}
	return paths, nil
}

// ExtractPDFText returns the text layer, which is empty for scanned drawings.
func (m *tools) ExtractPDFText(ctx context.Context, pdfPath string, opts PDFTextOptions) (string, error) {
	ctx = ctxutil.Default(ctx)
	if pdfPath == "" {
		return "", fmt.Errorf("pdfPath required")
	}
	if err := m.assertBinary(m.pdftotextPath); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	args := append([]string{"-layout", "-enc", "UTF-8"}, pageRangeArgs(opts.FirstPage, opts.LastPage)...)
	args = append(args, pdfPath, "-")
	cmd := exec.CommandContext(ctx, m.pdftotextPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w; out=%s", err, stderr.String())
	}
	return string(out), nil
}

func pageRangeArgs(first, last int) []string {
	var args []string
	if first > 0 {
		args = append(args, "-f", strconv.Itoa(first))
	}
	if last > 0 {
		args = append(args, "-l", strconv.Itoa(last))
	}
	return args
}

// globSorted lists files in dir whose lowercased names match pattern.
// pdftoppm zero-pads page numbers, so lexical order is page order.
func globSorted(dir string, pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if re.MatchString(strings.ToLower(e.Name())) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
