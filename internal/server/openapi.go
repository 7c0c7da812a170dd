package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"path"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"cellarline/internal/observability"
)

var (
	staffSecurity = []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	noSecurity    = []map[string][]string{}
)

// registerOpenAPI serves the document with the error envelope and security
// schemes filled in. It is rendered once, on first request.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, req *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorate(oas, basePath)
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			observability.LoggerFromContext(req.Context()).Error("render openapi", "err", err)
			http.Error(w, "openapi unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func decorate(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	oas.Security = staffSecurity

	errorResponse := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	eachOperation(oas, func(route string, op *huma.Operation) {
		if op.Responses == nil {
			op.Responses = map[string]*huma.Response{}
		}
		op.Responses["default"] = errorResponse
		if isPublicPath(basePath, route) {
			op.Security = noSecurity
		} else {
			op.Security = staffSecurity
		}
	})
}

func eachOperation(oas *huma.OpenAPI, fn func(route string, op *huma.Operation)) {
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				fn(route, op)
			}
		}
	}
}

var docsPage = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Cellarline API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
<div id="ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: {{.}}, dom_id: "#ui"});</script>
</body>
</html>
`))

func registerDocs(r chi.Router, basePath string) {
	specURL := path.Join("/", basePath, "openapi.json")
	r.Get("/docs", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := docsPage.Execute(w, specURL); err != nil {
			observability.LoggerFromContext(req.Context()).Error("render docs", "err", err)
		}
	})
}
