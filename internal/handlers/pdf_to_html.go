package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/text/encoding/htmlindex"

	"pdf2html/internal/htmlnorm"
	"pdf2html/internal/metrics"
	"pdf2html/internal/params"
	"pdf2html/internal/poppler"
	u "pdf2html/internal/utils"
	"pdf2html/internal/workspace"
)

// ResultsKey is the c.Locals key holding the request's *Results.
const ResultsKey = "pdf_to_html_results"

var (
	// ErrMissingBody signals a request without PDF bytes.
	ErrMissingBody = errors.New("request body is empty, expected a PDF document")
	// ErrReadBack signals that the converted HTML could not be read or decoded.
	ErrReadBack = errors.New("cannot read converted HTML")
)

// DocLocation points at the files a conversion left in the workspace.
type DocLocation struct {
	Directory string `json:"directory,omitempty"`
	HTML      string `json:"html,omitempty"`
	ID        string `json:"id,omitempty"`
	PDF       string `json:"pdf,omitempty"`
}

// Results is what the conversion stage hands to the route handler.
type Results struct {
	Body        string      `json:"body,omitempty"`
	DocLocation DocLocation `json:"docLocation"`
}

// InitResults attaches empty Results to every request so later stages never
// see a missing value.
func InitResults(c *fiber.Ctx) error {
	c.Locals(ResultsKey, &Results{})
	return c.Next()
}

// ResultsFrom returns the request's Results, attaching empty ones if needed.
func ResultsFrom(c *fiber.Ctx) *Results {
	if r, ok := c.Locals(ResultsKey).(*Results); ok && r != nil {
		return r
	}
	r := &Results{}
	c.Locals(ResultsKey, r)
	return r
}

// PDFToHTMLService converts request bodies with pdftohtml before the route
// handler runs.
type PDFToHTMLService struct {
	Config    u.PopplerConfig
	Converter poppler.Converter
	Pool      *poppler.Pool
	Redis     *redis.Client
	Ledger    *u.Ledger

	CacheEnabled bool
	CacheTTL     time.Duration
}

// NewPDFToHTMLService builds the service from the loaded configuration.
// rdb and ledger are optional.
func NewPDFToHTMLService(cfg u.Config, rdb *redis.Client, ledger *u.Ledger) *PDFToHTMLService {
	pc := mergePopplerConfig(defaultPopplerConfig(), cfg.Poppler)
	pool := poppler.NewPool(pc.MaxConcurrency)
	conv := poppler.NewPdfToHTML(pc.BinaryPath, time.Duration(pc.TimeoutSecs)*time.Second)

	return &PDFToHTMLService{
		Config:       pc,
		Converter:    poppler.Limit(conv, pool),
		Pool:         pool,
		Redis:        rdb,
		Ledger:       ledger,
		CacheEnabled: cfg.Cache.HTMLCacheEnabled,
		CacheTTL:     cfg.Cache.HTMLCacheTTL,
	}
}

func defaultPopplerConfig() u.PopplerConfig {
	return u.PopplerConfig{
		Encoding:         "UTF-8",
		TempDirectory:    filepath.Join(os.TempDir(), "pdf2html"),
		TimeoutSecs:      60,
		PdfToHTMLOptions: u.DefaultPdfToHTMLOptions(),
	}
}

// mergePopplerConfig overlays the non-zero fields of over on def.
func mergePopplerConfig(def, over u.PopplerConfig) u.PopplerConfig {
	out := def
	if over.BinaryPath != "" {
		out.BinaryPath = over.BinaryPath
	}
	if over.Encoding != "" {
		out.Encoding = over.Encoding
	}
	if over.TempDirectory != "" {
		out.TempDirectory = over.TempDirectory
	}
	if over.TimeoutSecs != 0 {
		out.TimeoutSecs = over.TimeoutSecs
	}
	if over.MaxConcurrency != 0 {
		out.MaxConcurrency = over.MaxConcurrency
	}
	out.PdfToHTMLOptions = params.Merge(def.PdfToHTMLOptions, over.PdfToHTMLOptions)
	return out
}

// Handle is the pre-handler: it converts the body, fills Results and passes
// control on. Any failure ends the request with 400.
func (svc *PDFToHTMLService) Handle(c *fiber.Ctx) error {
	res := ResultsFrom(c)
	query := params.Sanitize(c.Queries(), params.PdfToHTMLAccepted, params.PdfToHTMLVerbatim)
	options := params.Merge(svc.Config.PdfToHTMLOptions, query)

	out, err := svc.Convert(c.UserContext(), c.Body(), options)
	if err != nil {
		u.Error("PDF to HTML conversion failed", "path", c.Path(), "request_id", requestID(c), "error", err)
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	*res = out
	u.Info("PDF converted to HTML", "id", out.DocLocation.ID, "request_id", requestID(c))
	return c.Next()
}

// Convert runs the whole pipeline for one PDF document.
func (svc *PDFToHTMLService) Convert(ctx context.Context, body []byte, options params.Options) (res Results, err error) {
	start := time.Now()
	outcome := metrics.OutcomeSuccess
	defer func() {
		if err != nil {
			outcome = metrics.OutcomeFailure
		}
		metrics.ObserveConversion(outcome, time.Since(start))
	}()

	if len(body) == 0 {
		return Results{}, ErrMissingBody
	}
	opts, err := poppler.OptionsFromMap(options)
	if err != nil {
		return Results{}, err
	}

	ws, err := workspace.New(svc.Config.TempDirectory)
	if err != nil {
		return Results{}, err
	}
	if err := ws.Ensure(); err != nil {
		return Results{}, err
	}

	paths := ws.Allocate()
	defer func() { svc.record(ctx, ws.Dir(), paths, outcome, err) }()

	if err := os.WriteFile(paths.PDF, body, 0o600); err != nil {
		return Results{}, fmt.Errorf("write input: %w", err)
	}

	cacheKey := computeHTMLCacheKey(body, options, svc.Config.Encoding)
	hit, err := svc.restoreArtifacts(ctx, cacheKey, ws.Dir(), paths)
	if err != nil {
		return Results{}, err
	}

	htmlPath := paths.HTML
	if hit {
		outcome = metrics.OutcomeCacheHit
	} else {
		htmlPath, err = svc.Converter.Convert(ctx, paths.PDF, opts)
		if err != nil {
			return Results{}, err
		}
	}

	text, err := readWithEncoding(htmlPath, svc.Config.Encoding)
	if err != nil {
		return Results{}, err
	}

	normalized, err := htmlnorm.Normalize(text)
	if err != nil {
		return Results{}, fmt.Errorf("%w: %w", ErrReadBack, err)
	}

	if !hit {
		svc.storeArtifacts(ctx, cacheKey, ws.Dir(), paths.ID, htmlPath)
	}
	return newResults(ws.Dir(), paths.ID, paths.PDF, htmlPath, normalized), nil
}

func newResults(dir, id, pdf, html, body string) Results {
	return Results{
		Body: body,
		DocLocation: DocLocation{
			Directory: dir,
			HTML:      html,
			ID:        id,
			PDF:       pdf,
		},
	}
}

// readWithEncoding reads path and decodes it from the named charset.
func readWithEncoding(path, name string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReadBack, err)
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", fmt.Errorf("%w: unsupported encoding %q", ErrReadBack, name)
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReadBack, err)
	}
	return string(decoded), nil
}

// computeHTMLCacheKey hashes the document together with every option that
// changes the output.
func computeHTMLCacheKey(body []byte, options params.Options, encoding string) string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write(body)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s=%v", k, options[k])
	}
	h.Write([]byte(encoding))
	return "htmlcache:" + hex.EncodeToString(h.Sum(nil))
}

// Cached conversions are Redis hashes: the id they were produced under, the
// raw pdftohtml output and every other file named after that id (page
// backgrounds, images) keyed by the part of the name after the id.
const (
	cacheFieldID     = "id"
	cacheFieldHTML   = "html"
	cacheAssetPrefix = "asset:"
)

func (svc *PDFToHTMLService) cacheEnabled() bool {
	return svc.Redis != nil && svc.CacheEnabled
}

// restoreArtifacts writes a cached conversion into dir under the ids of paths.
// References to the original id inside the HTML are rewritten so they point
// at the restored files.
func (svc *PDFToHTMLService) restoreArtifacts(ctx context.Context, key, dir string, paths workspace.Paths) (bool, error) {
	if !svc.cacheEnabled() {
		return false, nil
	}
	ctxRedis, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	fields, err := svc.Redis.HGetAll(ctxRedis, key).Result()
	if err != nil {
		u.Warn("Redis read failed", "error", err)
		return false, nil
	}
	oldID, okID := fields[cacheFieldID]
	html, okHTML := fields[cacheFieldHTML]
	if !okID || !okHTML || oldID == "" {
		return false, nil
	}

	for field, data := range fields {
		suffix, ok := strings.CutPrefix(field, cacheAssetPrefix)
		if !ok || suffix == "" || strings.ContainsAny(suffix, `/\`) || strings.Contains(suffix, "..") {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, paths.ID+suffix), []byte(data), 0o600); err != nil {
			return false, fmt.Errorf("write cached asset: %w", err)
		}
	}

	rewritten := bytes.ReplaceAll([]byte(html), []byte(oldID), []byte(paths.ID))
	if err := os.WriteFile(paths.HTML, rewritten, 0o600); err != nil {
		return false, fmt.Errorf("write cached output: %w", err)
	}
	u.Info("HTML cache hit", "key", key, "source_id", oldID)
	return true, nil
}

// storeArtifacts caches the raw output of conversion id together with every
// file pdftohtml wrote next to it.
func (svc *PDFToHTMLService) storeArtifacts(ctx context.Context, key, dir, id, htmlPath string) {
	if !svc.cacheEnabled() {
		return
	}
	fields, err := collectArtifacts(dir, id, htmlPath)
	if err != nil {
		u.Warn("Cannot collect conversion artifacts for caching", "id", id, "error", err)
		return
	}

	ctxRedis, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	ttl := svc.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	_, err = svc.Redis.TxPipelined(ctxRedis, func(pipe redis.Pipeliner) error {
		pipe.Del(ctxRedis, key)
		pipe.HSet(ctxRedis, key, fields)
		pipe.Expire(ctxRedis, key, ttl)
		return nil
	})
	if err != nil {
		u.Warn("Redis write failed", "error", err)
	}
}

func collectArtifacts(dir, id, htmlPath string) (map[string]any, error) {
	html, err := os.ReadFile(htmlPath)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		cacheFieldID:   id,
		cacheFieldHTML: html,
	}

	matches, err := filepath.Glob(filepath.Join(dir, id+"*"))
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		name := filepath.Base(m)
		if m == htmlPath || name == id+".pdf" {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, err
		}
		fields[cacheAssetPrefix+strings.TrimPrefix(name, id)] = data
	}
	return fields, nil
}

func (svc *PDFToHTMLService) record(ctx context.Context, dir string, paths workspace.Paths, outcome string, convErr error) {
	if svc.Ledger == nil {
		return
	}
	rec := u.ConversionRecord{
		ID:        paths.ID,
		Directory: dir,
		PDFPath:   paths.PDF,
		HTMLPath:  paths.HTML,
		Outcome:   outcome,
	}
	if convErr != nil {
		rec.Outcome = metrics.OutcomeFailure
		rec.Message = convErr.Error()
	}
	if err := svc.Ledger.Record(ctx, rec); err != nil {
		u.Warn("Conversion ledger write failed", "id", paths.ID, "error", err)
	}
}

// SendHTML replies with the converted document.
func (svc *PDFToHTMLService) SendHTML(c *fiber.Ctx) error {
	res := ResultsFrom(c)
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(res.Body)
}

// RequirePDF rejects requests whose body is not declared as a PDF.
func RequirePDF(c *fiber.Ctx) error {
	if !c.Is("pdf") {
		return fiber.NewError(fiber.StatusUnsupportedMediaType, "Content-Type must be application/pdf")
	}
	return c.Next()
}

// HandlePopplerStats exposes the converter pool usage.
func (svc *PDFToHTMLService) HandlePopplerStats(c *fiber.Ctx) error {
	s := svc.Pool.Stats()
	return c.JSON(fiber.Map{
		"enabled":         s.Enabled,
		"capacity":        s.Capacity,
		"idle":            s.Idle,
		"in_use":          s.InUse,
		"completed":       s.Completed,
		"failed":          s.Failed,
		"max_concurrency": svc.Config.MaxConcurrency,
		"timeout_secs":    svc.Config.TimeoutSecs,
		"temp_directory":  svc.Config.TempDirectory,
	})
}

func requestID(c *fiber.Ctx) string {
	if id := c.Get(fiber.HeaderXRequestID); id != "" {
		return id
	}
	return c.GetRespHeader(fiber.HeaderXRequestID)
}
