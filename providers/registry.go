// Package providers provides a unified registry for all provider
// adapters, allowing automatic adapter lookup from configuration.
package providers

import (
	"fmt"
	"sync"

	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/providers/anthropic"
	"github.com/modelmux/modelmux/providers/azure"
	"github.com/modelmux/modelmux/providers/mock"
	"github.com/modelmux/modelmux/providers/openai"
	"github.com/modelmux/modelmux/providers/openrouter"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]provider.Adapter)
)

// Register registers an adapter under the given provider name. Adapters
// are stateless; one instance serves all deployments of a provider.
func Register(name string, adapter provider.Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = adapter
}

// Get returns the adapter for the given provider name. Unknown providers
// fail at deployment load time, not at request time.
func Get(name string) (provider.Adapter, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if a, ok := registry[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("unknown provider %q (available: %v)", name, list())
}

// List returns all registered provider names.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return list()
}

func list() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

func init() {
	Register(openai.ProviderName, openai.New())
	Register(anthropic.ProviderName, anthropic.New())
	Register(azure.ProviderName, azure.New())
	Register(openrouter.ProviderName, openrouter.New())
	Register(mock.ProviderName, mock.New(""))
}
