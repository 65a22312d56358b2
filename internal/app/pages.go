package app

import (
	"embed"
	"html/template"

	"sagaa-go/internal/epic"
)

//go:embed templates/*.html
var templatesFS embed.FS

var pageFuncs = template.FuncMap{
	"statusText": statusText,
}

func parsePages() (*template.Template, error) {
	return template.New("pages").Funcs(pageFuncs).ParseFS(templatesFS, "templates/*.html")
}

func statusText(s epic.ConnectionStatus) string {
	switch s {
	case epic.StatusConnecting:
		return "Connecting to Epic MyChart..."
	case epic.StatusConnected:
		return "Connected to Epic MyChart"
	case epic.StatusError:
		return "The last connection attempt failed"
	default:
		return "Not connected"
	}
}
