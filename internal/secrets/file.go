package secrets

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// fileProvider reads KEY=VALUE pairs from a 0640 environment file
// (spec.md §6, /etc/wellmonitor/environment). The whole file is loaded
// once at construction; secrets do not hot-reload (only non-secret config
// does, via internal/config's fsnotify watch).
type fileProvider struct {
	values map[string]string
}

func newFileProvider(path string) (Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("secrets: file mode requires a path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: stat %s: %w", path, err)
	}
	if info.Mode().Perm()&0037 != 0 {
		return nil, fmt.Errorf("secrets: %s must not be group-writable or world-accessible (mode %o)", path, info.Mode().Perm())
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		values[strings.TrimSpace(kv[0])] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &fileProvider{values: values}, nil
}

func (p *fileProvider) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p *fileProvider) Required(keys ...string) error {
	return requiredFrom(p, keys...)
}
