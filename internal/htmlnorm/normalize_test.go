package htmlnorm

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func count(t *testing.T, s, tag string) int {
	t.Helper()
	return len(regexp.MustCompile(`<`+tag+`[\s/>]`).FindAllStringIndex(s, -1))
}

func TestNormalize_RemovesDuplicateHeadElements(t *testing.T) {
	in := `<!DOCTYPE html>
<html><head><title>Page 1</title><meta name="generator" content="pdftohtml"/>
<meta charset="UTF-8"/></head><body>
<title>Page 2</title><meta name="generator" content="pdftohtml"/>
<p>Hello</p></body></html>`

	out, err := Normalize(in)
	require.NoError(t, err)

	assert.Equal(t, 1, count(t, out, "title"))
	assert.Equal(t, 1, count(t, out, "meta"))
	assert.Contains(t, out, "<title>Page 1</title>")
	assert.NotContains(t, out, "Page 2")
	assert.Contains(t, out, `<meta name="generator" content="pdftohtml"/>`)
	assert.Contains(t, out, "<p>Hello</p>")
	assert.True(t, strings.HasPrefix(out, "<html>"), out)
	assert.True(t, strings.HasSuffix(out, "</html>"), out)
}

func TestNormalize_NoDuplicatesUnchangedStructure(t *testing.T) {
	out, err := Normalize(`<html><head><title>T</title></head><body><p>x</p></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, `<html><head><title>T</title></head><body><p>x</p></body></html>`, out)
}

func TestNormalize_ToleratesMalformedInput(t *testing.T) {
	tests := []string{
		"",
		"plain text",
		"<p>unclosed <b>bold",
		"<title>a</title><title>b</title><div><meta><meta></div>",
		"</html></body><<<>>>",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			out, err := Normalize(in)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(out, "<html>"), out)
			assert.LessOrEqual(t, count(t, out, "title"), 1)
			assert.LessOrEqual(t, count(t, out, "meta"), 1)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	in := `<html><head><title>a</title><title>b</title><meta a="1"><meta b="2"></head><body></body></html>`
	once, err := Normalize(in)
	require.NoError(t, err)
	twice, err := Normalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}
