// Package gradleprops mutates a Gradle project's gradle.properties file to
// route its dependency downloads through the proxy and trust its root
// certificate, preserving every unrelated key already in the file.
package gradleprops

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// proxyKeys is the fixed set of keys this package owns.
var proxyKeys = []string{
	"systemProp.http.proxyHost",
	"systemProp.http.proxyPort",
	"systemProp.https.proxyHost",
	"systemProp.https.proxyPort",
	"systemProp.javax.net.ssl.trustStore",
	"systemProp.javax.net.ssl.trustStorePassword",
	"systemProp.javax.net.ssl.trustStoreType",
}

const trustStorePassword = "changeit"

// SetProxies rewrites path so Gradle routes HTTP(S) dependency fetches
// through host:port and trusts the certificate in the JKS truststore at
// trustStorePath, leaving every other key in the file untouched.
func SetProxies(path, host string, port int, trustStorePath string) error {
	values := map[string]string{
		"systemProp.http.proxyHost":                    host,
		"systemProp.http.proxyPort":                    fmt.Sprintf("%d", port),
		"systemProp.https.proxyHost":                   host,
		"systemProp.https.proxyPort":                   fmt.Sprintf("%d", port),
		"systemProp.javax.net.ssl.trustStore":          trustStorePath,
		"systemProp.javax.net.ssl.trustStorePassword":  trustStorePassword,
		"systemProp.javax.net.ssl.trustStoreType":      "JKS",
	}
	return rewrite(path, values)
}

// ClearProxies removes every key SetProxies would have written, leaving
// the rest of the file exactly as found.
func ClearProxies(path string) error {
	return rewrite(path, nil)
}

// rewrite reads path line by line. For each line it extracts the key
// before "=": if values is non-nil and has an entry for that key, the line
// is replaced (and the key marked seen); if values is nil and the key is
// one of proxyKeys, the line is dropped; otherwise the line passes through
// untouched. Keys from values not already present in the file are
// appended at the end, in proxyKeys order.
func rewrite(path string, values map[string]string) error {
	owned := make(map[string]bool, len(proxyKeys))
	for _, k := range proxyKeys {
		owned[k] = true
	}

	var lines []string
	seen := make(map[string]bool)

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			key := strings.TrimSpace(strings.SplitN(line, "=", 2)[0])
			switch {
			case values != nil && hasKey(values, key):
				lines = append(lines, key+"="+values[key])
				seen[key] = true
			case values == nil && owned[key]:
				// drop
			default:
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// nothing to read; an empty file is the starting point
	default:
		return fmt.Errorf("opening %s: %w", path, err)
	}

	for _, k := range proxyKeys {
		if v, ok := values[k]; ok && !seen[k] {
			lines = append(lines, k+"="+v)
		}
	}

	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func hasKey(m map[string]string, key string) bool {
	_, ok := m[key]
	return ok
}
