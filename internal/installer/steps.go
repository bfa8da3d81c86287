package installer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/loykin/appstack/internal/database"
	"github.com/loykin/appstack/internal/process"
	"github.com/loykin/appstack/internal/registry"
)

// Toolchain holds the command lines of the provisioning steps.
type Toolchain struct {
	Composer      string `mapstructure:"composer"`
	NPM           string `mapstructure:"npm"`
	KeyGenerate   string `mapstructure:"key_generate"`
	Migrate       string `mapstructure:"migrate"`
	Seed          string `mapstructure:"seed"`
	FrontendBuild string `mapstructure:"frontend_build"`
}

// DefaultToolchain targets PHP applications with an npm-built frontend.
var DefaultToolchain = Toolchain{
	Composer:      "composer install --no-interaction --prefer-dist --optimize-autoloader",
	NPM:           "npm install",
	KeyGenerate:   "php artisan key:generate --force",
	Migrate:       "php artisan migrate --force",
	Seed:          "php artisan db:seed --force",
	FrontendBuild: "npm run build",
}

func (t Toolchain) withDefaults() Toolchain {
	def := DefaultToolchain
	pick := func(v, d string) string {
		if strings.TrimSpace(v) == "" {
			return d
		}
		return v
	}
	return Toolchain{
		Composer:      pick(t.Composer, def.Composer),
		NPM:           pick(t.NPM, def.NPM),
		KeyGenerate:   pick(t.KeyGenerate, def.KeyGenerate),
		Migrate:       pick(t.Migrate, def.Migrate),
		Seed:          pick(t.Seed, def.Seed),
		FrontendBuild: pick(t.FrontendBuild, def.FrontendBuild),
	}
}

type step struct {
	name string
	cmd  process.Command
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

// plan lists the provisioning commands enabled for an extracted package.
func (t Toolchain) plan(dir string, cfg registry.InstallConfig) []step {
	var out []step
	add := func(name, line string) { out = append(out, step{name: name, cmd: process.Shell(line)}) }
	if exists(dir, "composer.json") {
		add("composer", t.Composer)
	}
	if exists(dir, "package.json") {
		add("npm", t.NPM)
	}
	if exists(dir, "artisan") {
		add("key_generate", t.KeyGenerate)
	}
	if cfg.RunMigrations {
		add("migrate", t.Migrate)
	}
	if cfg.RunSeeders {
		add("seed", t.Seed)
	}
	if cfg.RequiresFrontendBuild {
		add("frontend_build", t.FrontendBuild)
	}
	for i, line := range cfg.PostInstall {
		add("post_install_"+strconv.Itoa(i+1), line)
	}
	return out
}

type envVar struct{ key, value string }

// envValues lists the settings written into the application's .env.
func envValues(name, url string, webPort int, db *registry.DatabaseInfo, ep database.Endpoint, dbPath string) []envVar {
	vals := []envVar{
		{"APP_NAME", name},
		{"APP_ENV", "production"},
		{"APP_DEBUG", "false"},
		{"APP_URL", url},
		{"APP_PORT", strconv.Itoa(webPort)},
	}
	if db == nil {
		return vals
	}
	driver := db.Driver
	if driver == "" {
		driver = "pgsql"
	}
	if dbPath != "" {
		return append(vals, envVar{"DB_CONNECTION", driver}, envVar{"DB_DATABASE", filepath.ToSlash(dbPath)})
	}
	port := db.Port
	if ep.Port > 0 {
		port = ep.Port
	}
	return append(vals,
		envVar{"DB_CONNECTION", driver},
		envVar{"DB_HOST", db.Host},
		envVar{"DB_PORT", strconv.Itoa(port)},
		envVar{"DB_DATABASE", db.Name},
		envVar{"DB_USERNAME", db.User},
		envVar{"DB_PASSWORD", db.Password},
	)
}

var plainValue = regexp.MustCompile(`^[A-Za-z0-9_./:@-]*$`)

func quoteEnv(v string) string {
	if plainValue.MatchString(v) {
		return v
	}
	if !strings.Contains(v, "'") {
		return "'" + v + "'"
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`)
	return `"` + r.Replace(v) + `"`
}

// writeEnvFile materializes dir/.env from dir/.env.example when present.
// The first assignment of a known key is replaced in place and any later
// assignment of it is dropped; keys the example lacks are appended.
func writeEnvFile(dir string, vals []envVar) error {
	example, err := os.ReadFile(filepath.Join(dir, ".env.example"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	byKey := make(map[string]string, len(vals))
	for _, v := range vals {
		byKey[v.key] = quoteEnv(v.value)
	}
	written := make(map[string]bool, len(vals))
	var b strings.Builder
	if len(example) > 0 {
		for _, line := range strings.Split(strings.ReplaceAll(string(example), "\r\n", "\n"), "\n") {
			key := assignedKey(line)
			if v, ok := byKey[key]; ok {
				if !written[key] {
					fmt.Fprintf(&b, "%s=%s\n", key, v)
					written[key] = true
				}
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	for _, v := range vals {
		if !written[v.key] {
			fmt.Fprintf(&b, "%s=%s\n", v.key, byKey[v.key])
		}
	}
	out := strings.TrimRight(b.String(), "\n") + "\n"
	return os.WriteFile(filepath.Join(dir, ".env"), []byte(out), 0o600)
}

func assignedKey(line string) string {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") {
		return ""
	}
	s = strings.TrimPrefix(s, "export ")
	k, _, ok := strings.Cut(s, "=")
	if !ok {
		return ""
	}
	return strings.TrimSpace(k)
}
