package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// SecretResolver turns a stored secret reference into the secret itself.
type SecretResolver interface {
	Resolve(ref string) (string, error)
}

const envPrefix = "env:"

// EnvResolver reads "env:NAME" references from the environment and returns any other reference unchanged.
type EnvResolver struct{}

func (EnvResolver) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("empty secret reference")
	}
	name, ok := strings.CutPrefix(ref, envPrefix)
	if !ok {
		return ref, nil
	}
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
