// Package config resolves DreamLake client configuration from an optional
// YAML defaults file, environment variables, and explicit construction
// options, in that order of increasing precedence (spec §6 "Session
// construction options").
package config

import (
	"os"
	"strings"

	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"gopkg.in/yaml.v3"
)

const component = "config"

// Environment variable names read as fallbacks for construction options
// left unset. EnvConfigFile is declared here but Load does not read it.
const (
	EnvLocalPath  = "DREAMLAKE_LOCAL_PATH"
	EnvAPIURL     = "DREAMLAKE_API_URL"
	EnvAPIKey     = "DREAMLAKE_API_KEY"
	EnvUserName   = "DREAMLAKE_USER_NAME"
	EnvConfigFile = "DREAMLAKE_CONFIG_FILE"
)

// Defaults holds the YAML-file-sourced fallbacks read before environment
// variables and construction options are applied.
type Defaults struct {
	LocalPath string `yaml:"local_path"`
	APIURL    string `yaml:"api_url"`
	APIKey    string `yaml:"api_key"`
	UserName  string `yaml:"user_name"`
}

// Resolved is the fully-settled configuration an Open() call builds a
// Backend from.
type Resolved struct {
	LocalPath string
	APIURL    string
	APIKey    string
	UserName  string
}

// Load reads defaultsFile (if non-empty and present) then layers
// environment variables on top, and finally layers explicit overrides on
// top of both, implementing the precedence spec §6 describes: explicit
// construction options beat environment variables beat the YAML file.
func Load(defaultsFile string, overrides Resolved) (Resolved, error) {
	var d Defaults
	if defaultsFile != "" {
		if _, err := os.Stat(defaultsFile); err == nil {
			raw, err := os.ReadFile(defaultsFile)
			if err != nil {
				return Resolved{}, dlerrors.Transientf(component, "load", err, "read defaults file %s", defaultsFile)
			}
			if err := yaml.Unmarshal(raw, &d); err != nil {
				return Resolved{}, dlerrors.Wrap(dlerrors.BadInput, component, "load", "parse defaults file "+defaultsFile, err)
			}
		}
	}

	resolved := Resolved{
		LocalPath: d.LocalPath,
		APIURL:    d.APIURL,
		APIKey:    d.APIKey,
		UserName:  d.UserName,
	}
	applyEnv(&resolved)
	applyOverrides(&resolved, overrides)

	if err := Validate(resolved); err != nil {
		return Resolved{}, err
	}
	return resolved, nil
}

func applyEnv(r *Resolved) {
	if v := getEnvString(EnvLocalPath, ""); v != "" {
		r.LocalPath = v
	}
	if v := getEnvString(EnvAPIURL, ""); v != "" {
		r.APIURL = v
	}
	if v := getEnvString(EnvAPIKey, ""); v != "" {
		r.APIKey = v
	}
	if v := getEnvString(EnvUserName, ""); v != "" {
		r.UserName = v
	}
}

func applyOverrides(r *Resolved, overrides Resolved) {
	if overrides.LocalPath != "" {
		r.LocalPath = overrides.LocalPath
		if overrides.APIURL == "" {
			r.APIURL = ""
		}
	}
	if overrides.APIURL != "" {
		r.APIURL = overrides.APIURL
		if overrides.LocalPath == "" {
			r.LocalPath = ""
		}
	}
	if overrides.APIKey != "" {
		r.APIKey = overrides.APIKey
	}
	if overrides.UserName != "" {
		r.UserName = overrides.UserName
	}
}

// Validate enforces spec §6's "exactly one of local_path or remote_url"
// rule: a Session backend is either local or remote, never both, never
// neither.
func Validate(r Resolved) error {
	hasLocal := r.LocalPath != ""
	hasRemote := r.APIURL != ""
	if hasLocal && hasRemote {
		return dlerrors.BadInputf(component, "validate", "both local_path (%q) and remote_url (%q) are set; a session backend is one or the other", r.LocalPath, r.APIURL)
	}
	if !hasLocal && !hasRemote {
		return dlerrors.BadInputf(component, "validate", "neither local_path nor remote_url is set (construction option, %s, or %s)", EnvLocalPath, EnvAPIURL)
	}
	if hasRemote && r.APIKey == "" && r.UserName == "" {
		return dlerrors.BadInputf(component, "validate", "remote_url is set but neither api_key nor user_name is set (construction option or %s/%s)", EnvAPIKey, EnvUserName)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

