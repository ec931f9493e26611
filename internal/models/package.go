package models

import "strings"

// PackageBuild is one resolved package file, attached to a build or a solve
// in resolution order.
type PackageBuild struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Build       string   `json:"build"`
	BuildNumber int      `json:"build_number"`
	Channel     string   `json:"channel"`
	Subdir      string   `json:"subdir"`
	Filename    string   `json:"filename"`
	MD5         string   `json:"md5,omitempty"`
	SHA256      string   `json:"sha256,omitempty"`
	Size        int64    `json:"size"`
	License     string   `json:"license,omitempty"`
	Depends     []string `json:"depends,omitempty"`
}

// URL is the direct download location of the package file.
func (p *PackageBuild) URL() string {
	return strings.TrimSuffix(p.Channel, "/") + "/" + p.Subdir + "/" + p.Filename
}

// ExplicitURL is the URL line used in an @EXPLICIT listing, with the md5
// fragment when known.
func (p *PackageBuild) ExplicitURL() string {
	if p.MD5 == "" {
		return p.URL()
	}
	return p.URL() + "#" + p.MD5
}
