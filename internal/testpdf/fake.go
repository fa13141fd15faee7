package testpdf

import (
	"os"
	"path/filepath"
)

// FakeOutput is the script body of a pdftohtml stand-in that writes HTML with
// duplicated head elements next to its last argument, the way pdftohtml -s
// names single-page output, and records its arguments in args.txt.
const FakeOutput = `for last; do :; done
echo "$@" > "$(dirname "$last")/args.txt"
out="${last%.pdf}-html.html"
cat > "$out" <<'HTML'
<!DOCTYPE html>
<html><head><title>Page 1</title><meta name="generator" content="pdftohtml"/>
<meta charset="UTF-8"/></head><body>
<title>Page 2</title><meta name="generator" content="pdftohtml"/>
<p>Hello</p></body></html>
HTML
`

// WriteFakeConverter writes an executable shell script named pdftohtml into
// dir and returns its path.
func WriteFakeConverter(dir, body string) (string, error) {
	path := filepath.Join(dir, "pdftohtml")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// FakeOutputWithImage is a pdftohtml stand-in that, like pdftohtml -c, writes
// a page background named after the input and references it by relative name.
const FakeOutputWithImage = `for last; do :; done
base="${last%.pdf}"
name=$(basename "$base")
printf 'PNG' > "${base}001.png"
cat > "${base}-html.html" <<HTML
<!DOCTYPE html>
<html><head><title>Page 1</title></head><body>
<title>Page 2</title>
<img src="${name}001.png"/>
</body></html>
HTML
`
