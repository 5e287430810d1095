package main

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
)

//go:embed templates/dashboard/*.tmpl dashboard_static/*
var dashboardAssetsFS embed.FS

type dashboardTemplateRenderer struct {
	env string
}

func newDashboardTemplateRenderer(env string) *dashboardTemplateRenderer {
	return &dashboardTemplateRenderer{
		env: env,
	}
}

// templatesForRender parses from disk in development so template edits show
// up without a rebuild.
func (r *dashboardTemplateRenderer) templatesForRender(contentTemplatePath string) (*template.Template, error) {
	var sourceFS fs.FS
	if r.env == "development" {
		sourceFS = os.DirFS(".")
	} else {
		sourceFS = dashboardAssetsFS
	}

	templates, err := template.New("layout.tmpl").Funcs(template.FuncMap{
		"json": func(v any) (template.JS, error) {
			raw, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return template.JS(raw), nil
		},
		"dataURI": func(s string) template.URL {
			return template.URL(s)
		},
	}).ParseFS(sourceFS, "templates/dashboard/layout.tmpl", contentTemplatePath)
	if err != nil {
		return nil, fmt.Errorf("parse dashboard templates: %w", err)
	}
	return templates, nil
}

func dashboardStaticFileSystem(env string) (http.FileSystem, error) {
	if env == "development" {
		return http.Dir("dashboard_static"), nil
	}

	sub, err := fs.Sub(dashboardAssetsFS, "dashboard_static")
	if err != nil {
		return nil, fmt.Errorf("dashboard static fs: %w", err)
	}
	return http.FS(sub), nil
}
