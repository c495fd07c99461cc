package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// configFilePath resolves the ccache.conf-style file -k/-o read and write,
// honoring CCACHE_CONFIGPATH (spec.md §6) before falling back to a file
// next to the cache root. This is deliberately not the dropped TOML/YAML/
// JSON cli-altsrc chain (DESIGN.md) — just the flat "key = value" format
// spec.md's on-disk layout names as an external collaborator, read back
// here only for the -k/-o admin actions themselves.
func configFilePath(cacheDir string) string {
	if p := os.Getenv("CCACHE_CONFIGPATH"); p != "" {
		return p
	}
	return filepath.Join(cacheDir, "ccache.conf")
}

// readConfigFileLines parses a flat "key = value" file, one per line,
// ignoring blank lines and "#"-prefixed comments, preserving line order so
// setConfigKey can rewrite a matched key in place.
func readConfigFileLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cmd: opening %q: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func splitConfigLine(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	k, v, found := strings.Cut(trimmed, "=")
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), true
}

// getConfigKey returns the value last assigned to key in path, the
// -k/--get-config admin action.
func getConfigKey(path, key string) (string, bool, error) {
	lines, err := readConfigFileLines(path)
	if err != nil {
		return "", false, err
	}

	value, found := "", false
	for _, line := range lines {
		k, v, ok := splitConfigLine(line)
		if ok && k == key {
			value, found = v, true
		}
	}
	return value, found, nil
}

// setConfigKey assigns key = value in path, rewriting an existing
// assignment in place or appending a new one, the -o/--set-config admin
// action.
func setConfigKey(path, key, value string) error {
	lines, err := readConfigFileLines(path)
	if err != nil {
		return err
	}

	replaced := false
	for i, line := range lines {
		k, _, ok := splitConfigLine(line)
		if ok && k == key {
			lines[i] = fmt.Sprintf("%s = %s", key, value)
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, fmt.Sprintf("%s = %s", key, value))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cmd: creating config dir: %w", err)
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}
