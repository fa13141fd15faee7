package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf2html/internal/params"
	"pdf2html/internal/poppler"
	"pdf2html/internal/testdb"
	"pdf2html/internal/testpdf"
	u "pdf2html/internal/utils"
)

func testCfg(t *testing.T, binaryPath string) u.Config {
	t.Helper()
	var cfg u.Config
	cfg.Poppler.BinaryPath = binaryPath
	cfg.Poppler.TempDirectory = filepath.Join(t.TempDir(), "temp")
	cfg.Poppler.TimeoutSecs = 5
	return cfg
}

func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	bin, err := testpdf.WriteFakeConverter(t.TempDir(), body)
	require.NoError(t, err)
	return bin
}

func newTestApp(svc *PDFToHTMLService) *fiber.App {
	app := fiber.New()
	app.Use(InitResults)
	app.Post("/", svc.Handle, func(c *fiber.Ctx) error {
		return c.JSON(ResultsFrom(c))
	})
	app.Get("/results", func(c *fiber.Ctx) error {
		return c.JSON(ResultsFrom(c))
	})
	return app
}

func postPDF(t *testing.T, app *fiber.App, target string, body []byte) (int, Results) {
	t.Helper()
	req := httptest.NewRequest("POST", target, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/pdf")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var res Results
	if resp.StatusCode == fiber.StatusOK {
		require.NoError(t, json.Unmarshal(raw, &res), string(raw))
	}
	return resp.StatusCode, res
}

func countTag(s, tag string) int {
	return len(regexp.MustCompile(`<` + tag + `[\s/>]`).FindAllStringIndex(s, -1))
}

func TestHandle_ConvertsAndDeduplicates(t *testing.T) {
	cfg := testCfg(t, fakeBinary(t, testpdf.FakeOutput))
	svc := NewPDFToHTMLService(cfg, nil, nil)
	app := newTestApp(svc)

	code, res := postPDF(t, app, "/", testpdf.Pages("Hello"))
	require.Equal(t, fiber.StatusOK, code)

	assert.NotEmpty(t, res.Body)
	assert.Equal(t, 1, countTag(res.Body, "title"))
	assert.Equal(t, 1, countTag(res.Body, "meta"))
	assert.NotEmpty(t, res.DocLocation.ID)
	assert.Equal(t, cfg.Poppler.TempDirectory, res.DocLocation.Directory)
	assert.Equal(t, filepath.Join(cfg.Poppler.TempDirectory, res.DocLocation.ID+".pdf"), res.DocLocation.PDF)
	assert.Equal(t, filepath.Join(cfg.Poppler.TempDirectory, res.DocLocation.ID+"-html.html"), res.DocLocation.HTML)
	assert.FileExists(t, res.DocLocation.PDF)
	assert.FileExists(t, res.DocLocation.HTML)

	written, err := os.ReadFile(res.DocLocation.PDF)
	require.NoError(t, err)
	assert.Equal(t, testpdf.Pages("Hello"), written)
}

func TestHandle_DropsUnknownQueryParams(t *testing.T) {
	cfg := testCfg(t, fakeBinary(t, testpdf.FakeOutput))
	svc := NewPDFToHTMLService(cfg, nil, nil)
	app := newTestApp(svc)

	code, res := postPDF(t, app, "/?test=test&ignoreImages=true&firstPageToConvert=1", testpdf.Pages("Hello"))
	require.Equal(t, fiber.StatusOK, code)

	args, err := os.ReadFile(filepath.Join(cfg.Poppler.TempDirectory, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "-c -s -i -f 1 "+res.DocLocation.PDF, strings.TrimSpace(string(args)))
	assert.NotContains(t, string(args), "test")
}

func TestHandle_StringOptionsKeepQueryText(t *testing.T) {
	cfg := testCfg(t, fakeBinary(t, testpdf.FakeOutput))
	app := newTestApp(NewPDFToHTMLService(cfg, nil, nil))

	code, res := postPDF(t, app, "/?userPassword=007&ownerPassword=1e3", testpdf.Pages("Hello"))
	require.Equal(t, fiber.StatusOK, code)

	args, err := os.ReadFile(filepath.Join(cfg.Poppler.TempDirectory, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "-c -s -opw 1e3 -upw 007 "+res.DocLocation.PDF, strings.TrimSpace(string(args)))
}

func TestHandle_MissingBodyReturns400(t *testing.T) {
	cfg := testCfg(t, fakeBinary(t, testpdf.FakeOutput))
	svc := NewPDFToHTMLService(cfg, nil, nil)

	reached := false
	app := fiber.New()
	app.Use(InitResults)
	app.Post("/", svc.Handle, func(c *fiber.Ctx) error {
		reached = true
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Content-Type", "application/pdf")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.False(t, reached, "downstream handler must not run")
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), ErrMissingBody.Error())
}

func TestHandle_FailuresReturn400(t *testing.T) {
	tests := []struct {
		name  string
		bin   func(t *testing.T) string
		query string
	}{
		{"missing binary", func(t *testing.T) string { return "/definitely/missing/pdftohtml" }, ""},
		{"converter exits non-zero", func(t *testing.T) string { return fakeBinary(t, "echo 'Syntax Error' >&2\nexit 1\n") }, ""},
		{"converter writes nothing", func(t *testing.T) string { return fakeBinary(t, "exit 0\n") }, ""},
		{"invalid option value", func(t *testing.T) string { return fakeBinary(t, testpdf.FakeOutput) }, "?firstPageToConvert=abc"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewPDFToHTMLService(testCfg(t, tc.bin(t)), nil, nil)
			code, _ := postPDF(t, newTestApp(svc), "/"+tc.query, testpdf.Pages("Hello"))
			assert.Equal(t, fiber.StatusBadRequest, code)
		})
	}
}

func TestHandle_WorkspaceSetupFailureReturns400(t *testing.T) {
	cfg := testCfg(t, fakeBinary(t, testpdf.FakeOutput))
	cfg.Poppler.TempDirectory = "/dev/null/temp"
	svc := NewPDFToHTMLService(cfg, nil, nil)

	code, _ := postPDF(t, newTestApp(svc), "/", testpdf.Pages("Hello"))
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func TestHandle_SameInputDistinctIDsIdenticalBody(t *testing.T) {
	cfg := testCfg(t, fakeBinary(t, testpdf.FakeOutput))
	app := newTestApp(NewPDFToHTMLService(cfg, nil, nil))

	_, first := postPDF(t, app, "/", testpdf.Pages("Hello"))
	_, second := postPDF(t, app, "/", testpdf.Pages("Hello"))

	assert.NotEqual(t, first.DocLocation.ID, second.DocLocation.ID)
	assert.Equal(t, first.Body, second.Body)
}

func TestInitResults_ZeroValueBeforeConversion(t *testing.T) {
	svc := NewPDFToHTMLService(testCfg(t, ""), nil, nil)
	resp, err := newTestApp(svc).Test(httptest.NewRequest("GET", "/results", nil))
	require.NoError(t, err)

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"docLocation":{}}`, string(body))
}

func TestRequirePDF(t *testing.T) {
	app := fiber.New()
	app.Put("/", RequirePDF, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	req := httptest.NewRequest("PUT", "/", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)

	req = httptest.NewRequest("PUT", "/", strings.NewReader("%PDF"))
	req.Header.Set("Content-Type", "application/pdf; charset=binary")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

type failingConverter struct{ calls int }

func (f *failingConverter) Convert(ctx context.Context, inputPath string, opts poppler.Options) (string, error) {
	f.calls++
	return "", poppler.ErrConversionFailed
}

func TestConvert_CacheHitStillWritesArtifacts(t *testing.T) {
	mrs, err := miniredis.Run()
	require.NoError(t, err)
	defer mrs.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mrs.Addr()})

	cfg := testCfg(t, fakeBinary(t, testpdf.FakeOutput))
	cfg.Cache.HTMLCacheEnabled = true
	cfg.Cache.HTMLCacheTTL = time.Minute
	svc := NewPDFToHTMLService(cfg, rdb, nil)

	opts := params.Options{"complexOutput": true, "singlePage": true}
	first, err := svc.Convert(context.Background(), testpdf.Pages("Hello"), opts)
	require.NoError(t, err)

	key := computeHTMLCacheKey(testpdf.Pages("Hello"), opts, "UTF-8")
	assert.True(t, mrs.Exists(key))

	fc := &failingConverter{}
	svc.Converter = fc
	second, err := svc.Convert(context.Background(), testpdf.Pages("Hello"), opts)
	require.NoError(t, err)

	assert.Equal(t, 0, fc.calls)
	assert.Equal(t, first.Body, second.Body)
	assert.NotEqual(t, first.DocLocation.ID, second.DocLocation.ID)
	assert.FileExists(t, second.DocLocation.HTML)
	assert.FileExists(t, second.DocLocation.PDF)
}

func TestConvert_CacheHitRestoresAssetsUnderNewID(t *testing.T) {
	mrs := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mrs.Addr()})
	defer rdb.Close()

	cfg := testCfg(t, fakeBinary(t, testpdf.FakeOutputWithImage))
	cfg.Cache.HTMLCacheEnabled = true
	svc := NewPDFToHTMLService(cfg, rdb, nil)

	opts := params.Options{"complexOutput": true, "singlePage": true}
	first, err := svc.Convert(context.Background(), testpdf.Pages("Hello"), opts)
	require.NoError(t, err)
	assert.Contains(t, first.Body, first.DocLocation.ID+"001.png")

	fc := &failingConverter{}
	svc.Converter = fc
	second, err := svc.Convert(context.Background(), testpdf.Pages("Hello"), opts)
	require.NoError(t, err)
	require.Equal(t, 0, fc.calls)

	newID := second.DocLocation.ID
	assert.Contains(t, second.Body, `src="`+newID+`001.png"`)
	assert.NotContains(t, second.Body, first.DocLocation.ID)
	assert.Equal(t, strings.ReplaceAll(first.Body, first.DocLocation.ID, newID), second.Body)

	img, err := os.ReadFile(filepath.Join(second.DocLocation.Directory, newID+"001.png"))
	require.NoError(t, err)
	assert.Equal(t, "PNG", string(img))

	// Both paths leave raw pdftohtml output at docLocation.html.
	missHTML, err := os.ReadFile(first.DocLocation.HTML)
	require.NoError(t, err)
	hitHTML, err := os.ReadFile(second.DocLocation.HTML)
	require.NoError(t, err)
	assert.Equal(t, 2, countTag(string(missHTML), "title"))
	assert.Equal(t, strings.ReplaceAll(string(missHTML), first.DocLocation.ID, newID), string(hitHTML))
}

func TestConvert_CacheHitIgnoresLegacyStringEntry(t *testing.T) {
	mrs := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mrs.Addr()})
	defer rdb.Close()

	cfg := testCfg(t, fakeBinary(t, testpdf.FakeOutput))
	cfg.Cache.HTMLCacheEnabled = true
	svc := NewPDFToHTMLService(cfg, rdb, nil)

	opts := params.Options{"singlePage": true}
	key := computeHTMLCacheKey(testpdf.Pages("Hello"), opts, "UTF-8")
	require.NoError(t, mrs.Set(key, "<html>stale</html>"))

	res, err := svc.Convert(context.Background(), testpdf.Pages("Hello"), opts)
	require.NoError(t, err)
	assert.Contains(t, res.Body, "<p>Hello</p>")
	assert.Equal(t, res.DocLocation.ID, mrs.HGet(key, cacheFieldID))
}

func TestConvert_RecordsOutcomeInLedger(t *testing.T) {
	db, rec := testdb.Open(t)
	ledger, err := u.NewLedger(db)
	require.NoError(t, err)

	svc := NewPDFToHTMLService(testCfg(t, fakeBinary(t, testpdf.FakeOutput)), nil, ledger)
	ok, err := svc.Convert(context.Background(), testpdf.Pages("Hello"), params.Options{})
	require.NoError(t, err)

	svc.Converter = &failingConverter{}
	_, err = svc.Convert(context.Background(), testpdf.Pages("Hello"), params.Options{})
	require.Error(t, err)

	execs := rec.Execs()
	require.Len(t, execs, 4)

	success := execs[2].Args
	assert.Equal(t, ok.DocLocation.ID, success[0])
	assert.Equal(t, ok.DocLocation.PDF, success[2])
	assert.Equal(t, ok.DocLocation.HTML, success[3])
	assert.Equal(t, "success", success[4])
	assert.Equal(t, "", success[5])

	failure := execs[3].Args
	assert.NotEqual(t, ok.DocLocation.ID, failure[0])
	assert.Equal(t, "failure", failure[4])
	assert.Contains(t, failure[5], "pdftohtml exited with an error")
}

func TestConvert_CacheDisabledSkipsRedis(t *testing.T) {
	mrs, err := miniredis.Run()
	require.NoError(t, err)
	defer mrs.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mrs.Addr()})

	svc := NewPDFToHTMLService(testCfg(t, fakeBinary(t, testpdf.FakeOutput)), rdb, nil)
	_, err = svc.Convert(context.Background(), testpdf.Pages("Hello"), params.Options{})
	require.NoError(t, err)
	assert.Empty(t, mrs.Keys())
}

func TestConvert_ConverterErrorPropagates(t *testing.T) {
	svc := NewPDFToHTMLService(testCfg(t, ""), nil, nil)
	svc.Converter = &failingConverter{}

	_, err := svc.Convert(context.Background(), testpdf.Pages("Hello"), params.Options{})
	assert.True(t, errors.Is(err, poppler.ErrConversion), "got %v", err)
}

func TestComputeHTMLCacheKey_DependsOnOptions(t *testing.T) {
	body := []byte("%PDF-1.4")
	a := computeHTMLCacheKey(body, params.Options{"zoom": 1.5, "singlePage": true}, "UTF-8")
	b := computeHTMLCacheKey(body, params.Options{"singlePage": true, "zoom": 1.5}, "UTF-8")
	c := computeHTMLCacheKey(body, params.Options{"singlePage": true, "zoom": 2.0}, "UTF-8")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "htmlcache:"))
}

func TestReadWithEncoding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latin1.html")
	require.NoError(t, os.WriteFile(path, []byte{'c', 'a', 'f', 0xE9}, 0o644))

	got, err := readWithEncoding(path, "ISO-8859-1")
	require.NoError(t, err)
	assert.Equal(t, "café", got)

	_, err = readWithEncoding(path, "no-such-charset")
	assert.True(t, errors.Is(err, ErrReadBack), "got %v", err)

	_, err = readWithEncoding(filepath.Join(t.TempDir(), "missing.html"), "UTF-8")
	assert.True(t, errors.Is(err, ErrReadBack), "got %v", err)
}

func TestMergePopplerConfig(t *testing.T) {
	over := u.PopplerConfig{
		BinaryPath:       "/usr/bin",
		TempDirectory:    "/srv/temp",
		PdfToHTMLOptions: map[string]any{"zoom": 2.0},
	}
	got := mergePopplerConfig(defaultPopplerConfig(), over)

	assert.Equal(t, "/usr/bin", got.BinaryPath)
	assert.Equal(t, "UTF-8", got.Encoding)
	assert.Equal(t, "/srv/temp", got.TempDirectory)
	assert.Equal(t, 60, got.TimeoutSecs)
	assert.Equal(t, map[string]any{"complexOutput": true, "singlePage": true, "zoom": 2.0}, map[string]any(got.PdfToHTMLOptions))
}

func TestHandlePopplerStats(t *testing.T) {
	cfg := testCfg(t, "")
	cfg.Poppler.MaxConcurrency = 3
	svc := NewPDFToHTMLService(cfg, nil, nil)

	app := fiber.New()
	app.Get("/stats", svc.HandlePopplerStats)
	resp, err := app.Test(httptest.NewRequest("GET", "/stats", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, float64(3), body["capacity"])
	assert.Equal(t, float64(3), body["idle"])
}

func TestHandle_RealPdfToHTML(t *testing.T) {
	if _, err := exec.LookPath("pdftohtml"); err != nil {
		t.Skip("pdftohtml not installed")
	}
	svc := NewPDFToHTMLService(testCfg(t, ""), nil, nil)
	app := newTestApp(svc)

	code, res := postPDF(t, app, "/", testpdf.Pages("Hello", "World"))
	require.Equal(t, fiber.StatusOK, code)
	assert.LessOrEqual(t, countTag(res.Body, "title"), 1)
	assert.LessOrEqual(t, countTag(res.Body, "meta"), 1)
	assert.FileExists(t, res.DocLocation.HTML)
	assert.FileExists(t, res.DocLocation.PDF)

	code, _ = postPDF(t, app, "/", []byte("not a pdf"))
	assert.Equal(t, fiber.StatusBadRequest, code)
}
