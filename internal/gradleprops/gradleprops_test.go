package gradleprops

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetProxiesCreatesFileFromScratch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gradle.properties")
	if err := SetProxies(path, "127.0.0.1", 27579, "/tmp/truststore.jks"); err != nil {
		t.Fatalf("SetProxies: %v", err)
	}
	content := readFile(t, path)
	for _, want := range []string{
		"systemProp.http.proxyHost=127.0.0.1",
		"systemProp.http.proxyPort=27579",
		"systemProp.https.proxyHost=127.0.0.1",
		"systemProp.https.proxyPort=27579",
		"systemProp.javax.net.ssl.trustStore=/tmp/truststore.jks",
		"systemProp.javax.net.ssl.trustStorePassword=changeit",
		"systemProp.javax.net.ssl.trustStoreType=JKS",
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected content to contain %q, got:\n%s", want, content)
		}
	}
}

func TestSetProxiesPreservesUnrelatedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gradle.properties")
	initial := "org.gradle.jvmargs=-Xmx2g\nsystemProp.http.proxyHost=old.example\n"
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := SetProxies(path, "10.0.0.1", 8080, "/x/truststore.jks"); err != nil {
		t.Fatalf("SetProxies: %v", err)
	}
	content := readFile(t, path)
	if !strings.Contains(content, "org.gradle.jvmargs=-Xmx2g") {
		t.Fatalf("expected unrelated line preserved, got:\n%s", content)
	}
	if !strings.Contains(content, "systemProp.http.proxyHost=10.0.0.1") {
		t.Fatalf("expected proxyHost overwritten, got:\n%s", content)
	}
	if strings.Contains(content, "old.example") {
		t.Fatalf("expected old proxyHost value gone, got:\n%s", content)
	}
	if n := strings.Count(content, "systemProp.http.proxyHost"); n != 1 {
		t.Fatalf("expected exactly one proxyHost line, got %d in:\n%s", n, content)
	}
}

func TestClearProxiesRemovesOnlyOwnedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gradle.properties")
	if err := SetProxies(path, "127.0.0.1", 27579, "/tmp/truststore.jks"); err != nil {
		t.Fatalf("SetProxies: %v", err)
	}
	if err := os.WriteFile(path, append(readFileBytes(t, path), []byte("my.custom.key=keep-me\n")...), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := ClearProxies(path); err != nil {
		t.Fatalf("ClearProxies: %v", err)
	}
	content := readFile(t, path)
	if strings.Contains(content, "systemProp.") {
		t.Fatalf("expected all systemProp keys removed, got:\n%s", content)
	}
	if !strings.Contains(content, "my.custom.key=keep-me") {
		t.Fatalf("expected unrelated key preserved, got:\n%s", content)
	}
}

func TestClearProxiesOnMissingFileLeavesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gradle.properties")
	if err := ClearProxies(path); err != nil {
		t.Fatalf("ClearProxies: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist (even if empty) after ClearProxies: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	return string(readFileBytes(t, path))
}

func readFileBytes(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return b
}
