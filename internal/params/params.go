// Package params turns untrusted query-string values into pdftohtml options.
package params

import (
	"math"
	"strconv"
)

// Options maps converter option names to bool, float64 or string values.
type Options map[string]any

// PdfToHTMLAccepted lists the query parameters allowed to reach pdftohtml.
// Anything else is dropped, including parameters consumed by later stages.
var PdfToHTMLAccepted = []string{
	"exchangePdfLinks",
	"extractHidden",
	"firstPageToConvert",
	"ignoreImages",
	"imageFormat",
	"lastPageToConvert",
	"noDrm",
	"noMergeParagraph",
	"outputEncoding",
	"ownerPassword",
	"userPassword",
	"wordBreakThreshold",
	"zoom",
}

// PdfToHTMLVerbatim lists the accepted parameters whose values are passed on
// as the exact query text. Passwords such as "007" must not become numbers.
var PdfToHTMLVerbatim = []string{
	"imageFormat",
	"outputEncoding",
	"ownerPassword",
	"userPassword",
}

// Coerce converts "true"/"false" to bool and numeric strings to float64.
// Any other value is returned unchanged.
func Coerce(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return v
	}
	return f
}

// Sanitize keeps only keys in allowed. Values of keys in verbatim stay
// strings, every other value goes through Coerce.
func Sanitize(query map[string]string, allowed, verbatim []string) Options {
	allow := set(allowed)
	raw := set(verbatim)

	out := make(Options, len(query))
	for k, v := range query {
		if _, ok := allow[k]; !ok {
			continue
		}
		if _, ok := raw[k]; ok {
			out[k] = v
			continue
		}
		out[k] = Coerce(v)
	}
	return out
}

func set(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// Merge returns a new Options holding defaults overlaid with overrides.
func Merge(defaults, overrides Options) Options {
	out := make(Options, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
