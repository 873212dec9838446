// Package config loads shaderkit settings from a key=value file and
// SHADERKIT_* environment overrides.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"shaderkit/internal/cachekey"
)

// DefaultPath is read when neither an explicit path nor $SHADERKIT_CONFIG is set.
const DefaultPath = "/etc/shaderkit.conf"

const (
	KeyCacheDir    = "SHADERKIT_CACHE_DIR"
	KeyJobs        = "SHADERKIT_JOBS"
	KeyIOJobs      = "SHADERKIT_IO_JOBS"
	KeyMaxArchive  = "SHADERKIT_MAX_ARCHIVE_BYTES"
	KeyTarget      = "SHADERKIT_TARGET"
	KeyOptimize    = "SHADERKIT_OPTIMIZE"
	KeyURLTemplate = "SHADERKIT_URL_TEMPLATE"
	KeyMirror      = "SHADERKIT_MIRROR"
	KeyS3Endpoint  = "SHADERKIT_S3_ENDPOINT"
	KeyS3Region    = "SHADERKIT_S3_REGION"
	KeyS3AccessKey = "SHADERKIT_S3_ACCESS_KEY_ID"
	KeyS3Secret    = "SHADERKIT_S3_SECRET_ACCESS_KEY"
	KeyLogLevel    = "SHADERKIT_LOG_LEVEL"
	KeyLogFormat   = "SHADERKIT_LOG_FORMAT"
	KeyDebug       = "SHADERKIT_DEBUG"
	KeyNoGit       = "SHADERKIT_NO_GIT"
	KeyNoStamps    = "SHADERKIT_NO_STAMPS"
)

// noGitSuffix marks per-project toggles such as DXC_NO_GIT.
const noGitSuffix = "_NO_GIT"

// Config holds raw key/value settings.
type Config struct {
	Values map[string]string
}

// Settings is the typed view of a Config.
type Settings struct {
	CacheRoot       string
	Jobs            int
	IOJobs          int
	MaxArchiveBytes int64
	Target          string
	Optimize        string
	URLTemplate     string
	Mirror          string
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	LogLevel        string
	LogFormat       string
	Debug           bool
	NoGit           bool
	NoStamps        bool
}

// Path returns the config file location: explicit, then $SHADERKIT_CONFIG,
// then DefaultPath.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("SHADERKIT_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path (a missing file is not an error) and merges environment
// overrides on top.
func Load(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to open config %s: %w", path, err)
	}

	mergeEnvOverrides(cfg)
	return cfg, nil
}

// mergeEnvOverrides copies SHADERKIT_* and *_NO_GIT variables from the
// environment, replacing file values.
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.HasPrefix(parts[0], "SHADERKIT_") || strings.HasSuffix(parts[0], noGitSuffix) {
			cfg.Values[parts[0]] = parts[1]
		}
	}
}

// ParseBool accepts 1/true/yes/on (any case) as true; everything else is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Bool reports whether key is set to a true value.
func (c *Config) Bool(key string) bool {
	return ParseBool(c.Values[key])
}

// GitDisabled reports whether git acquisition is switched off for a
// dependency, either globally or through <NAME>_NO_GIT for any of names.
func (c *Config) GitDisabled(names ...string) bool {
	if c.Bool(KeyNoGit) {
		return true
	}
	for _, n := range names {
		if n == "" {
			continue
		}
		if c.Bool(ToggleName(n)) {
			return true
		}
	}
	return false
}

// ToggleName derives the per-project environment toggle, e.g. "dxc" gives
// "DXC_NO_GIT" and "spirv-tools" gives "SPIRV_TOOLS_NO_GIT". A name that is
// already a toggle is returned unchanged.
func ToggleName(project string) string {
	if strings.HasSuffix(project, noGitSuffix) {
		return project
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(project) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String() + noGitSuffix
}

// Settings materializes typed settings with defaults applied.
func (c *Config) Settings() (*Settings, error) {
	s := &Settings{
		CacheRoot:   c.Values[KeyCacheDir],
		Target:      c.Values[KeyTarget],
		Optimize:    c.Values[KeyOptimize],
		URLTemplate: c.Values[KeyURLTemplate],
		Mirror:      strings.TrimSpace(c.Values[KeyMirror]),
		S3Endpoint:  c.Values[KeyS3Endpoint],
		S3Region:    c.Values[KeyS3Region],
		S3AccessKey: c.Values[KeyS3AccessKey],
		S3SecretKey: c.Values[KeyS3Secret],
		LogLevel:    c.Values[KeyLogLevel],
		LogFormat:   c.Values[KeyLogFormat],
		Debug:       c.Bool(KeyDebug),
		NoGit:       c.Bool(KeyNoGit),
		NoStamps:    c.Bool(KeyNoStamps),
	}

	if s.CacheRoot == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		s.CacheRoot = filepath.Join(base, "shaderkit")
	}
	if s.Target == "" {
		s.Target = DefaultTarget()
	}
	if s.Optimize == "" {
		s.Optimize = "Debug"
	}
	if s.URLTemplate == "" {
		s.URLTemplate = cachekey.DefaultURLTemplate
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
		if s.Debug {
			s.LogLevel = "debug"
		}
	}
	if s.LogFormat == "" {
		s.LogFormat = "text"
	}

	var err error
	if s.Jobs, err = intValue(c.Values, KeyJobs, runtime.NumCPU()); err != nil {
		return nil, err
	}
	if s.IOJobs, err = intValue(c.Values, KeyIOJobs, runtime.NumCPU()); err != nil {
		return nil, err
	}
	maxBytes, err := intValue(c.Values, KeyMaxArchive, 0)
	if err != nil {
		return nil, err
	}
	s.MaxArchiveBytes = int64(maxBytes)
	return s, nil
}

// ArchiveTemplate is the URL template downloads use: the mirror when one is
// configured, the primary template otherwise.
func (s *Settings) ArchiveTemplate() string {
	if s.Mirror != "" {
		return s.Mirror
	}
	return s.URLTemplate
}

func intValue(values map[string]string, key string, def int) (int, error) {
	v := strings.TrimSpace(values[key])
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	if n == 0 {
		return def, nil
	}
	return n, nil
}

// DefaultTarget derives a target triple for the host, e.g. x86_64-linux-gnu.
func DefaultTarget() string {
	return Triple(runtime.GOOS, runtime.GOARCH)
}

// Triple maps a GOOS/GOARCH pair onto the arch-os-abi form used in artifact
// names.
func Triple(goos, goarch string) string {
	arch := goarch
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "x86"
	}

	switch goos {
	case "linux":
		return arch + "-linux-gnu"
	case "darwin":
		return arch + "-macos-none"
	case "windows":
		return arch + "-windows-gnu"
	}
	return arch + "-" + goos + "-none"
}
