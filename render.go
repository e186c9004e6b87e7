package hybridfs

import (
	"bytes"
	"html/template"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"
)

const (
	contentTypeMarkdown = "text/markdown; charset=utf-8"
	contentTypeHTML     = "text/html; charset=utf-8"
	contentTypeText     = "text/plain; charset=utf-8"
	contentTypeBinary   = "application/octet-stream"
)

var (
	// Documents follow plain CommonMark; generated pages need tables.
	documentRenderer = goldmark.New()
	pageRenderer     = goldmark.New(goldmark.WithExtensions(extension.Table))
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="branch" content="{{.Branch}}">
<meta name="repo" content="{{.Repo}}">
<title>{{.Title}}</title>
</head>
<body>
{{.Body}}
</body>
</html>
`))

type page struct {
	Title  string
	Branch string
	Repo   string
	Body   template.HTML
}

func isMarkdown(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// acceptsMarkdown reports whether the Accept header lists text/markdown
// with a non-zero quality.
func acceptsMarkdown(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mediaType != "text/markdown" && mediaType != "text/x-markdown" {
			continue
		}
		if q, ok := params["q"]; ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v <= 0 {
				continue
			}
		}
		return true
	}
	return false
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return contentTypeBinary
}

func (g *Gateway) renderFile(scope Scope, rel string, data []byte, accept string, origin Origin) *Result {
	if !isMarkdown(rel) {
		return &Result{Status: http.StatusOK, ContentType: contentType(rel), Body: data, Origin: origin}
	}
	if acceptsMarkdown(accept) {
		return &Result{Status: http.StatusOK, ContentType: contentTypeMarkdown, Body: data, Origin: origin}
	}
	body, err := renderPage(documentRenderer, data, path.Base(rel), scope)
	if err != nil {
		return g.failure(err)
	}
	return &Result{Status: http.StatusOK, ContentType: contentTypeHTML, Body: body, Origin: origin}
}

// renderMarkdown serves generated markdown as is or as an HTML page.
func (g *Gateway) renderMarkdown(scope Scope, title string, md []byte, accept string, status int, origin Origin) *Result {
	if acceptsMarkdown(accept) {
		return &Result{Status: status, ContentType: contentTypeMarkdown, Body: md, Origin: origin}
	}
	body, err := renderPage(pageRenderer, md, title, scope)
	if err != nil {
		g.log.Error("render page", zap.String("title", title), zap.Error(err))
		return &Result{Status: status, ContentType: contentTypeText, Body: md, Origin: origin}
	}
	return &Result{Status: status, ContentType: contentTypeHTML, Body: body, Origin: origin}
}

func renderPage(md goldmark.Markdown, src []byte, title string, scope Scope) ([]byte, error) {
	var fragment bytes.Buffer
	if err := md.Convert(src, &fragment); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	err := pageTemplate.Execute(&out, page{
		Title:  title,
		Branch: scope.Branch,
		Repo:   scope.Repo,
		Body:   template.HTML(fragment.String()),
	})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
