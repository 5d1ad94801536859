package secrets

import "os"

type environmentProvider struct{}

func newEnvironmentProvider() Provider { return &environmentProvider{} }

func (p *environmentProvider) Get(key string) (string, bool) {
	return os.LookupEnv(key)
}

func (p *environmentProvider) Required(keys ...string) error {
	return requiredFrom(p, keys...)
}
