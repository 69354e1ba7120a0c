// Package rawhttp renders captured responses as raw HTTP text for inspection.
package rawhttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	"github.com/hrcloud/edge/domain"
	"github.com/yosssi/gohtml"
)

// Prettify indents a JSON, XML or HTML body. The content type picks the format when it names
// one, otherwise each format is tried in turn. An empty slice means the body was left as is.
func Prettify(body []byte, contentType string) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []byte{}, nil
	}

	switch {
	case strings.Contains(contentType, "json"):
		return prettyJSON(trimmed)
	case strings.Contains(contentType, "html"):
		return prettyHTML(trimmed), nil
	case strings.Contains(contentType, "xml"):
		return prettyXML(trimmed)
	}

	if out, err := prettyJSON(trimmed); err == nil && len(out) > 0 {
		return out, nil
	}
	if out, err := prettyXML(trimmed); err == nil && len(out) > 0 {
		return out, nil
	}
	if mimetype.Detect(trimmed).Is("text/html") ||
		(bytes.HasPrefix(trimmed, []byte("<")) && !bytes.HasPrefix(trimmed, []byte("<?xml"))) {
		return prettyHTML(trimmed), nil
	}
	return []byte{}, nil
}

func prettyJSON(body []byte) ([]byte, error) {
	if !json.Valid(body) {
		return []byte{}, nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return []byte{}, fmt.Errorf("indenting JSON: %w", err)
	}
	return out.Bytes(), nil
}

func prettyXML(body []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil || doc.Root() == nil {
		return []byte{}, nil
	}
	doc.Indent(1)
	var out bytes.Buffer
	if _, err := doc.WriteTo(&out); err != nil {
		return []byte{}, fmt.Errorf("writing indented XML : %w", err)
	}
	return out.Bytes(), nil
}

func prettyHTML(body []byte) []byte {
	out := gohtml.FormatBytes(body)
	if len(out) == 0 || bytes.Equal(out, body) {
		return []byte{}
	}
	return out
}

// IsText reports whether body is printable, going by its sniffed type and the type's parents.
func IsText(body []byte) bool {
	for mt := mimetype.Detect(body); mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

// DumpCaptured renders a stored entry as a raw HTTP response preceded by its key.
// Binary bodies are summarised, text bodies are prettified when pretty is set.
func DumpCaptured(key domain.RequestKey, captured *domain.CapturedResponse, pretty bool) ([]byte, error) {
	req, err := http.NewRequest(key.Method, key.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s : %w", key, err)
	}

	head, err := httputil.DumpResponse(captured.NewResponse(req), false)
	if err != nil {
		return nil, fmt.Errorf("dumping response for %s : %w", key, err)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "# %s\n# captured %s\n", key, captured.CapturedAt.Format("2006-01-02 15:04:05 MST"))
	out.Write(head)

	body := captured.Body
	contentType := captured.ContentType()
	if contentType == "" {
		contentType = mimetype.Detect(body).String()
	}
	switch {
	case len(body) == 0:
	case !IsText(body):
		fmt.Fprintf(&out, "[%d bytes of %s]\n", len(body), contentType)
	case pretty:
		prettified, err := Prettify(body, contentType)
		if err == nil && len(prettified) > 0 {
			body = prettified
		}
		out.Write(body)
	default:
		out.Write(body)
	}
	return out.Bytes(), nil
}
