package corpus

import (
	"bytes"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html/charset"
)

// htmlExts are the file extensions routed through article extraction
// before chunking.
var htmlExts = map[string]bool{".html": true, ".htm": true}

// preprocess turns raw file bytes into the text handed to the chunker.
// HTML source documents are reduced to their main article via readability
// and converted to Markdown so the chunker (and, downstream, the LLM
// context window) never sees markup; every other extension passes
// through unchanged, decoded to UTF-8 on a best-effort basis.
func preprocess(path string, raw []byte) string {
	if !htmlExts[extOf(path)] {
		return string(raw)
	}

	utf8Body, err := toUTF8(raw)
	if err != nil {
		utf8Body = raw
	}
	html := string(utf8Body)

	base, _ := url.Parse("file://" + path)
	art, rerr := readability.FromReader(strings.NewReader(html), base)

	articleHTML := html
	title := ""
	if rerr == nil && strings.TrimSpace(art.Content) != "" {
		articleHTML = art.Content
		title = strings.TrimSpace(art.Title)
	}

	md, mdErr := htmltomarkdown.ConvertString(articleHTML, converter.WithDomain(base.String()))
	if mdErr != nil {
		return html
	}
	if title != "" && !strings.HasPrefix(strings.TrimSpace(md), "# ") {
		md = "# " + title + "\n\n" + md
	}
	return strings.TrimSpace(md)
}

func extOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(path[i:])
}

func toUTF8(b []byte) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(b), "")
	if err != nil {
		return b, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return b, err
	}
	return buf.Bytes(), nil
}
