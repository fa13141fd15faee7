// Package poppler runs Poppler's pdftohtml as a subprocess.
package poppler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const binaryName = "pdftohtml"

// ErrConversion is the root of every failure returned by a Converter.
var ErrConversion = errors.New("conversion failed")

// Sentinel errors returned by Convert. All of them match ErrConversion.
var (
	ErrBinaryNotFound   = fmt.Errorf("%w: pdftohtml binary not found", ErrConversion)
	ErrConversionFailed = fmt.Errorf("%w: pdftohtml exited with an error", ErrConversion)
	ErrNoOutput         = fmt.Errorf("%w: pdftohtml produced no output", ErrConversion)
	ErrTimeout          = fmt.Errorf("%w: pdftohtml timed out", ErrConversion)
)

// Converter converts the PDF at inputPath to HTML and returns the path of
// the written HTML file.
type Converter interface {
	Convert(ctx context.Context, inputPath string, opts Options) (string, error)
}

// PdfToHTML implements Converter by shelling out to pdftohtml.
type PdfToHTML struct {
	// BinaryPath is the pdftohtml executable or the directory holding it.
	// Empty means look it up on PATH.
	BinaryPath string
	// Timeout bounds a single invocation. Zero disables it.
	Timeout time.Duration
}

// NewPdfToHTML returns a converter for the given binary location.
func NewPdfToHTML(binaryPath string, timeout time.Duration) *PdfToHTML {
	return &PdfToHTML{BinaryPath: binaryPath, Timeout: timeout}
}

// OutputPath is where pdftohtml writes single-page output for inputPath.
func OutputPath(inputPath string) string {
	return strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "-html.html"
}

func (p *PdfToHTML) binary() (string, error) {
	if p.BinaryPath == "" {
		path, err := exec.LookPath(binaryName)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrBinaryNotFound, err)
		}
		return path, nil
	}

	path := p.BinaryPath
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		path = filepath.Join(path, binaryName)
		info, err = os.Stat(path)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBinaryNotFound, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s is not executable", ErrBinaryNotFound, path)
	}
	return path, nil
}

// Convert implements Converter.
func (p *PdfToHTML) Convert(ctx context.Context, inputPath string, opts Options) (string, error) {
	bin, err := p.binary()
	if err != nil {
		return "", err
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	args := append(opts.Args(), inputPath)
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	configureProcessGroup(cmd)

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, p.Timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s: %w", ErrConversionFailed, msg, err)
		}
		return "", fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}

	out := OutputPath(inputPath)
	if info, err := os.Stat(out); err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: expected %s", ErrNoOutput, out)
	}
	return out, nil
}
