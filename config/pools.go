package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiclient/goproxy/account"
)

// PoolAccountEntry is one account's on-disk shape inside a provider-pools
// file: enough to construct an account.Account plus the token credential
// fields a CredentialPath-less OAuth account needs seeded before its first
// refresh.
type PoolAccountEntry struct {
	UUID           string `yaml:"uuid"`
	CredentialPath string `yaml:"credentialPath"`
	CustomName     string `yaml:"customName"`
	CheckHealth    bool   `yaml:"checkHealth"`
	CheckModelName string `yaml:"checkModelName"`
	Disabled       bool   `yaml:"disabled"`

	AccessToken  string `yaml:"accessToken"`
	RefreshToken string `yaml:"refreshToken"`
	ExpiresAt    int64  `yaml:"expiresAt"`
}

// AdapterSettings is one provider type's connection settings: the subset of
// providers.StaticKeyConfig/OAuthConfig/ForwardConfig that varies by
// deployment rather than by account. cmd/goproxy splits these back out by
// provider family when constructing each Service Adapter.
type AdapterSettings struct {
	BaseURL      string        `yaml:"baseUrl"`
	TokenURL     string        `yaml:"tokenUrl"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	ClientID     string        `yaml:"clientId"`
	ClientSecret string        `yaml:"clientSecret"`
}

// ProviderPoolsFile is the top-level provider-pools YAML document spec.md
// §6's --provider-pools-file names: per-providerType adapter settings plus
// the accounts that make up each pool.
type ProviderPoolsFile struct {
	Providers map[account.ProviderType]AdapterSettings `yaml:"providers"`
	Pools     map[account.ProviderType][]PoolAccountEntry `yaml:"pools"`
}

// LoadProviderPools reads the --provider-pools-file/ProviderPoolsFile
// document and converts its accounts into the Account (plus seed
// TokenCredential) shape the store's SetProviderPool expects. A missing
// path is not an error: a deployment backed entirely by accounts already
// persisted in the store from a previous run has nothing to load.
func LoadProviderPools(path string) (*ProviderPoolsFile, map[account.ProviderType][]*account.Account, map[string]*account.TokenCredential, error) {
	doc := &ProviderPoolsFile{}
	accounts := make(map[account.ProviderType][]*account.Account)
	credentials := make(map[string]*account.TokenCredential)

	if path == "" {
		return doc, accounts, credentials, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, accounts, credentials, nil
		}
		return nil, nil, nil, fmt.Errorf("read provider pools file: %w", err)
	}

	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, nil, nil, fmt.Errorf("parse provider pools file: %w", err)
	}

	for pt, entries := range doc.Pools {
		if !pt.Valid() {
			return nil, nil, nil, fmt.Errorf("provider pools file: unknown provider type %q", pt)
		}
		for _, e := range entries {
			if e.UUID == "" {
				return nil, nil, nil, fmt.Errorf("provider pools file: %s entry missing uuid", pt)
			}
			acc := &account.Account{
				UUID:           e.UUID,
				ProviderType:   pt,
				CredentialPath: e.CredentialPath,
				CustomName:     e.CustomName,
				IsHealthy:      true,
				IsDisabled:     e.Disabled,
				CheckHealth:    e.CheckHealth,
				CheckModelName: e.CheckModelName,
			}
			accounts[pt] = append(accounts[pt], acc)

			if e.AccessToken != "" || e.RefreshToken != "" {
				credentials[e.UUID] = &account.TokenCredential{
					AccessToken:  e.AccessToken,
					RefreshToken: e.RefreshToken,
					ExpiresAt:    e.ExpiresAt,
				}
			}
		}
	}

	return doc, accounts, credentials, nil
}
