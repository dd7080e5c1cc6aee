// Package catalog describes the code-hosting providers the client can
// authenticate against. Each provider is a small descriptor (authorize URL,
// token URL, profile URL, scopes) consumed by one parameterized flow
// implementation instead of duplicated per-provider code paths.
package catalog

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// Provider tags one of the supported code-hosting services.
type Provider string

const (
	GitHub Provider = "github"
	Gitee  Provider = "gitee"
)

// ProvidersFileEnv names an optional yaml file overriding descriptor
// endpoints, mainly for tests and self-hosted mirrors.
const ProvidersFileEnv = "MGIT_PROVIDERS_FILE"

// Descriptor holds everything the authorization flow needs to talk to a
// provider: where to send the user, where to exchange the code, and where to
// fetch the profile afterwards.
type Descriptor struct {
	ID           Provider
	AuthorizeURL string
	TokenURL     string
	ProfileURL   string
	Scopes       []string
}

type fileConfig struct {
	Providers []providerOverride `yaml:"providers"`
}

type providerOverride struct {
	ID           string   `yaml:"id"`
	AuthorizeURL string   `yaml:"authorize_url"`
	TokenURL     string   `yaml:"token_url"`
	ProfileURL   string   `yaml:"profile_url"`
	Scopes       []string `yaml:"scopes"`
}

var builtins = map[Provider]Descriptor{
	GitHub: {
		ID:           GitHub,
		AuthorizeURL: "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		ProfileURL:   "https://api.github.com/user",
		Scopes:       []string{"repo", "read:user"},
	},
	Gitee: {
		ID:           Gitee,
		AuthorizeURL: "https://gitee.com/oauth/authorize",
		TokenURL:     "https://gitee.com/oauth/token",
		ProfileURL:   "https://gitee.com/api/v5/user",
		Scopes:       []string{"user_info", "projects"},
	},
}

var (
	stateMu      sync.RWMutex
	initialized  bool
	descriptorBy map[Provider]Descriptor
)

// Init loads built-in descriptors and applies the override file if present.
func Init() error {
	stateMu.Lock()
	defer stateMu.Unlock()

	descriptorBy = make(map[Provider]Descriptor, len(builtins))
	for id, d := range builtins {
		descriptorBy[id] = d
	}
	initialized = true

	path := os.Getenv(ProvidersFileEnv)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read providers file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse providers file: %w", err)
	}
	for _, o := range cfg.Providers {
		id, err := Parse(o.ID)
		if err != nil {
			return err
		}
		d := descriptorBy[id]
		if o.AuthorizeURL != "" {
			d.AuthorizeURL = o.AuthorizeURL
		}
		if o.TokenURL != "" {
			d.TokenURL = o.TokenURL
		}
		if o.ProfileURL != "" {
			d.ProfileURL = o.ProfileURL
		}
		if len(o.Scopes) > 0 {
			d.Scopes = o.Scopes
		}
		descriptorBy[id] = d
	}
	return nil
}

func ensureInitialized() {
	stateMu.RLock()
	ok := initialized
	stateMu.RUnlock()
	if ok {
		return
	}
	_ = Init()
}

// ResetForTest resets in-memory state so tests can force reload.
func ResetForTest() {
	stateMu.Lock()
	defer stateMu.Unlock()
	initialized = false
	descriptorBy = nil
}

// Parse validates a provider tag.
func Parse(s string) (Provider, error) {
	switch Provider(s) {
	case GitHub:
		return GitHub, nil
	case Gitee:
		return Gitee, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Get returns the descriptor for a provider.
func Get(id Provider) (Descriptor, bool) {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()
	d, ok := descriptorBy[id]
	return d, ok
}

// All returns every known descriptor, github first.
func All() []Descriptor {
	result := make([]Descriptor, 0, 2)
	for _, id := range []Provider{GitHub, Gitee} {
		if d, ok := Get(id); ok {
			result = append(result, d)
		}
	}
	return result
}

// OAuthConfig builds the oauth2 config for one authorization attempt.
func (d Descriptor) OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       d.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  d.AuthorizeURL,
			TokenURL: d.TokenURL,
		},
	}
}

// CallbackPath is the redirect path the local listener serves for this
// provider.
func (d Descriptor) CallbackPath() string {
	return "/" + string(d.ID) + "/callback"
}
