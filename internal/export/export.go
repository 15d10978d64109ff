// Package export renders roadmaps to PDF through headless Chrome.
package export

import "errors"

// ErrPDFDependencyMissing means no Chromium binary was found on the host.
var ErrPDFDependencyMissing = errors.New("pdf export dependency missing")

// RoadmapDocument is the printable projection of a roadmap, with the
// viewer's progress baked in when they follow it.
type RoadmapDocument struct {
	Title       string
	Description string
	Followed    bool
	Progress    float64
	Nodes       []NodeSection
}

type NodeSection struct {
	Label       string
	Description string
	Status      string
	Resources   []ResourceLink
}

type ResourceLink struct {
	Label string
	Type  string
	URL   string
}
