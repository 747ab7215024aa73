package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// clientSecretMinLen is the minimum length for pre-shared client secrets.
const clientSecretMinLen = 32

// StaticClient is a pre-registered client loaded from STATIC_CLIENTS_FILE.
// These are first-party integrations whose credentials are provisioned
// out of band instead of through dynamic registration.
type StaticClient struct {
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	ClientName    string   `yaml:"client_name"`
	RedirectURIs  []string `yaml:"redirect_uris"`
	Scope         string   `yaml:"scope"`
	GrantTypes    []string `yaml:"grant_types"`
	ResponseTypes []string `yaml:"response_types"`
}

type staticClientsFile struct {
	Clients []StaticClient `yaml:"clients"`
}

// LoadStaticClients parses the static client seed file. An empty path
// yields no clients.
func (c *Config) LoadStaticClients() ([]StaticClient, error) {
	if c.StaticClientsFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.StaticClientsFile)
	if err != nil {
		return nil, fmt.Errorf("reading static clients file: %w", err)
	}

	return parseStaticClients(data)
}

func parseStaticClients(data []byte) ([]StaticClient, error) {
	var f staticClientsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing static clients file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Clients))

	for i, sc := range f.Clients {
		if sc.ClientID == "" {
			return nil, fmt.Errorf("static client %d: client_id is required", i+1)
		}

		if len(sc.ClientSecret) < clientSecretMinLen {
			return nil, fmt.Errorf("static client %q: client_secret must be at least %d characters", sc.ClientID, clientSecretMinLen)
		}

		if len(sc.RedirectURIs) == 0 {
			return nil, fmt.Errorf("static client %q: at least one redirect_uri is required", sc.ClientID)
		}

		if _, dup := seen[sc.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q in static clients file", sc.ClientID)
		}

		seen[sc.ClientID] = struct{}{}

		if sc.ClientName == "" {
			f.Clients[i].ClientName = sc.ClientID
		}
	}

	return f.Clients, nil
}
