// Package webserver renders and installs per-application routing
// configuration (nginx server blocks or apache virtual hosts).
package webserver

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
)

const (
	KindNginx  = "nginx"
	KindApache = "apache"
	KindNone   = "none"
)

// Config selects the web server flavour and where site files live.
type Config struct {
	Kind       string `mapstructure:"kind"`
	SitesDir   string `mapstructure:"sites_dir"`
	ServerName string `mapstructure:"server_name"`
	// FastCGI is the php-fpm address nginx forwards .php requests to.
	FastCGI string `mapstructure:"fastcgi"`
	// Service names the supervised web server restarted after a site changes.
	Service string `mapstructure:"service"`
}

// Site is one application's routing entry.
type Site struct {
	AppID      string
	Port       int
	Root       string
	ServerName string
	FastCGI    string
}

const nginxTemplate = `# managed by appstack: {{.AppID}}
server {
    listen {{.Port}};
    server_name {{.ServerName}};
    root {{.Root}};
    index index.php index.html;

    access_log off;
    client_max_body_size 64m;

    location / {
        try_files $uri $uri/ /index.php?$query_string;
    }

    location ~ \.php$ {
        include fastcgi_params;
        fastcgi_pass {{.FastCGI}};
        fastcgi_param SCRIPT_FILENAME $realpath_root$fastcgi_script_name;
    }

    location ~ /\.(?!well-known) {
        deny all;
    }
}
`

const apacheTemplate = `# managed by appstack: {{.AppID}}
Listen {{.Port}}
<VirtualHost *:{{.Port}}>
    ServerName {{.ServerName}}
    DocumentRoot "{{.Root}}"
    <Directory "{{.Root}}">
        Options -Indexes +FollowSymLinks
        AllowOverride All
        Require all granted
    </Directory>
</VirtualHost>
`

// Generator writes site files for one web server kind.
type Generator struct {
	cfg  Config
	tmpl *template.Template
}

// New returns a Generator, or nil when routing is disabled (kind "" or "none").
func New(cfg Config) (*Generator, error) {
	var src string
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindNginx:
		src = nginxTemplate
	case KindApache:
		src = apacheTemplate
	default:
		return nil, fmt.Errorf("webserver: unknown kind %q", cfg.Kind)
	}
	if cfg.SitesDir == "" {
		return nil, errors.New("webserver: sites_dir is required")
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "localhost"
	}
	if cfg.FastCGI == "" {
		cfg.FastCGI = "127.0.0.1:9000"
	}
	t, err := template.New(cfg.Kind).Parse(src)
	if err != nil {
		return nil, err
	}
	return &Generator{cfg: cfg, tmpl: t}, nil
}

func (g *Generator) Kind() string { return g.cfg.Kind }

// Service is the supervised service to restart after a site change, if any.
func (g *Generator) Service() string { return g.cfg.Service }

// Path returns the site file location for appID.
func (g *Generator) Path(appID string) string {
	return filepath.Join(g.cfg.SitesDir, "appstack-"+appID+".conf")
}

// Render produces the site configuration. An install directory with a
// public/ subdirectory is served from there.
func (g *Generator) Render(s Site) ([]byte, error) {
	if s.AppID == "" || s.Port <= 0 || s.Root == "" {
		return nil, errors.New("webserver: site requires app id, port and root")
	}
	if s.ServerName == "" {
		s.ServerName = g.cfg.ServerName
	}
	if s.FastCGI == "" {
		s.FastCGI = g.cfg.FastCGI
	}
	if st, err := os.Stat(filepath.Join(s.Root, "public")); err == nil && st.IsDir() {
		s.Root = filepath.Join(s.Root, "public")
	}
	s.Root = filepath.ToSlash(s.Root)
	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write renders s into its site file and returns the path.
func (g *Generator) Write(s Site) (string, error) {
	b, err := g.Render(s)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(g.cfg.SitesDir, 0o755); err != nil {
		return "", fmt.Errorf("webserver: %w", err)
	}
	p := g.Path(s.AppID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", fmt.Errorf("webserver: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("webserver: %w", err)
	}
	return p, nil
}

// Remove deletes a site file. A missing file is not an error.
func (g *Generator) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("webserver: %w", err)
	}
	return nil
}
