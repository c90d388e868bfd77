package secrets

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cuemby/rollout/pkg/types"
)

// Provider resolves the secret bundle of an environment
type Provider interface {
	Resolve(ctx context.Context, environment string) (types.EnvBundle, error)
	Name() string
}

// None is a provider with no secrets
type None struct{}

// Resolve returns an empty bundle
func (None) Resolve(ctx context.Context, environment string) (types.EnvBundle, error) {
	return types.EnvBundle{}, ctx.Err()
}

// Name returns "none"
func (None) Name() string { return "none" }

// ParseEnv reads KEY=VALUE lines. Blank lines, comments and an "export "
// prefix are ignored. Surrounding quotes are stripped from values, more
// than one layer if the value was quoted twice.
func ParseEnv(r io.Reader) (types.EnvBundle, error) {
	bundle := make(types.EnvBundle)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", lineNo)
		}
		bundle[key] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	return bundle, nil
}

func unquote(v string) string {
	for len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if first != last || (first != '"' && first != '\'') {
			break
		}
		v = v[1 : len(v)-1]
	}
	return v
}

// FormatEnv renders the bundle as a docker --env-file, keys sorted. Docker
// reads env files literally, so values are not quoted and may not span
// lines.
func FormatEnv(bundle types.EnvBundle) ([]byte, error) {
	keys := bundle.Keys()
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		v := bundle[k]
		if strings.ContainsAny(v, "\r\n") {
			return nil, fmt.Errorf("value of %s spans lines, not representable in an env file", k)
		}
		fmt.Fprintf(&buf, "%s=%s\n", k, v)
	}
	return buf.Bytes(), nil
}
