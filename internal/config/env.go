package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadEnvFile sets the KEY=VALUE pairs of a dotenv file in the process
// environment. Blank lines and # comments are skipped; malformed lines are
// reported to warn and skipped.
func LoadEnvFile(path string, warn io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("environment file not found: %s", path)
	}
	defer func() {
		// Close file, error is not actionable here
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			fmt.Fprintf(warn, "[!] Warning: Invalid line %d in %s: %s\n", lineNum, path, line)
			continue
		}
		value = unquote(strings.TrimSpace(value))

		if err := os.Setenv(key, value); err != nil {
			fmt.Fprintf(warn, "[!] Warning: failed to set environment variable %s: %v\n", key, err)
		}
	}
	return scanner.Err()
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}
