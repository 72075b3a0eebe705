package preview

import (
	"embed"
	"fmt"
	"html/template"
	"io"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Pages renders the hand-off and expired HTML documents.
type Pages struct {
	tmpl *template.Template
}

// ParsePages loads the embedded HTML templates.
func ParsePages() (*Pages, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Pages{tmpl: tmpl}, nil
}

// HandoffData is the view model for the hand-off page.
type HandoffData struct {
	Name       string
	HandoffURL string
	QRCodeURL  string
}

// RenderHandoff writes the device hand-off page.
func (p *Pages) RenderHandoff(w io.Writer, data HandoffData) error {
	return p.tmpl.ExecuteTemplate(w, "handoff.html", data)
}

// RenderExpired writes the static expired-link page.
func (p *Pages) RenderExpired(w io.Writer) error {
	return p.tmpl.ExecuteTemplate(w, "expired.html", nil)
}
