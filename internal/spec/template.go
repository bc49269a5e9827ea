package spec

import (
	"fmt"
	"math/rand/v2"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// maxExpansion caps the output of a single template.
const maxExpansion = 16 << 20

const alphanumerics = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	envPattern      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)
	templatePattern = regexp.MustCompile(`\{\{([a-z]+)(?::([^}]*))?\}\}`)
)

// expandEnvVars replaces $VAR and ${VAR} with their values. Unset variables
// are left as written.
func expandEnvVars(data string, getenv func(string) string) string {
	return envPattern.ReplaceAllStringFunc(data, func(match string) string {
		varName := strings.TrimPrefix(match, "$")
		varName = strings.TrimPrefix(varName, "{")
		varName = strings.TrimSuffix(varName, "}")

		if val := getenv(varName); val != "" {
			return val
		}
		return match
	})
}

// expandTemplates resolves {{host}}, {{rand:N}} and {{repeat:S:N}}.
func expandTemplates(data, host string) (string, error) {
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(data, func(match string) string {
		m := templatePattern.FindStringSubmatch(match)
		name, arg := m[1], m[2]
		var (
			s   string
			err error
		)
		switch name {
		case "host":
			s = host
		case "rand":
			s, err = randomString(arg)
		case "repeat":
			s, err = repeat(arg)
		default:
			err = fmt.Errorf("unknown template %q", match)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return s
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func count(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid count %q", s)
	}
	if n > maxExpansion {
		return 0, fmt.Errorf("count %d exceeds %d", n, maxExpansion)
	}
	return n, nil
}

func randomString(arg string) (string, error) {
	n, err := count(arg)
	if err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumerics[rand.IntN(len(alphanumerics))]
	}
	return string(b), nil
}

func repeat(arg string) (string, error) {
	idx := strings.LastIndex(arg, ":")
	if idx == -1 {
		return "", fmt.Errorf("repeat: want {{repeat:S:N}}, got %q", arg)
	}
	unit := arg[:idx]
	n, err := count(arg[idx+1:])
	if err != nil {
		return "", fmt.Errorf("repeat: %w", err)
	}
	if len(unit)*n > maxExpansion {
		return "", fmt.Errorf("repeat: %d bytes exceeds %d", len(unit)*n, maxExpansion)
	}
	return strings.Repeat(unit, n), nil
}

func (t *Text) resolve(s, host string) (string, error) {
	if t.Env {
		getenv := t.Getenv
		if getenv == nil {
			getenv = os.Getenv
		}
		s = expandEnvVars(s, getenv)
	}
	return expandTemplates(s, host)
}
