package provider

import "fmt"

// Factory builds a Provider from its already-decoded options blob.
// Concrete adapters register one of these from an init() func, the
// same self-registration idiom backend/sia/sia.go and backend/s3/s3.go
// use with fs.Register.
type Factory func(rawConfig []byte) (Provider, error)

var registry = map[string]Factory{}

// Register adds name to the provider registry. Called from adapter
// package init() funcs (internal/provider/s3provider,
// renterdprovider, encryptprovider, remoteprovider).
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic("provider: duplicate registration for " + name)
	}
	registry[name] = factory
}

// New looks up name in the registry and builds a Provider from
// rawConfig (the provider-specific sub-object from config.json, e.g.
// S3Config/HostConfig/EncryptConfig/RemoteConfig per spec §6).
func New(name string, rawConfig []byte) (Provider, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q", name)
	}
	return factory(rawConfig)
}

// Names returns every registered provider name.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}
