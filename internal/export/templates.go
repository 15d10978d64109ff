package export

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

var roadmapTemplate = template.Must(template.New("roadmap").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"percent": func(ratio float64) string {
		return fmt.Sprintf("%.0f%%", ratio*100)
	},
}).Parse(roadmapTemplateHTML))

// RenderRoadmapHTML renders the printable HTML for a roadmap.
func RenderRoadmapHTML(doc RoadmapDocument) (string, error) {
	var buf bytes.Buffer
	if err := roadmapTemplate.Execute(&buf, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const roadmapTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #14532d; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .node { background: #f6f8f6; padding: 1rem; margin: 1rem 0; border-left: 3px solid #14532d; page-break-inside: avoid; }
    .node h3 { margin: 0 0 0.25rem 0; }
    .status { display: inline-block; font-size: 0.75em; text-transform: uppercase; letter-spacing: 0.05em; color: #444; border: 1px solid #bbb; border-radius: 3px; padding: 0 0.4em; margin-left: 0.5em; }
    .status-done { color: #14532d; border-color: #14532d; }
    .resources { margin: 0.5rem 0 0 0; padding-left: 1.25rem; font-size: 0.9em; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="meta">
    {{len .Nodes}} milestones{{if .Followed}} &middot; {{percent .Progress}} complete{{end}}
  </div>
  {{range .Nodes}}
  <div class="node">
    <h3>{{.Label}}<span class="status{{if eq .Status "done"}} status-done{{end}}">{{.Status}}</span></h3>
    {{if .Description}}<p>{{.Description}}</p>{{end}}
    {{if .Resources}}
    <ul class="resources">
      {{range .Resources}}<li>{{if .Type}}[{{lower .Type}}] {{end}}<a href="{{.URL}}">{{.Label}}</a></li>{{end}}
    </ul>
    {{end}}
  </div>
  {{end}}
</body>
</html>`
