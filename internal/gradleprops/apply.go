package gradleprops

import "path/filepath"

// Apply writes a JKS truststore containing rootCertDER next to
// propertiesPath and points gradle.properties at the proxy and that
// truststore. It is the entry point cmd/rangeproxyd wires behind --gradle.
func Apply(propertiesPath, host string, port int, rootCertDER []byte) error {
	trustStorePath := filepath.Join(filepath.Dir(propertiesPath), "rangeproxy-truststore.jks")
	if err := WriteTrustStore(trustStorePath, "rangeproxy-root", rootCertDER, trustStorePassword); err != nil {
		return err
	}
	return SetProxies(propertiesPath, host, port, trustStorePath)
}

// Remove undoes Apply's gradle.properties edits. It leaves a previously
// written truststore file on disk rather than deleting something it did
// not create the containing directory for.
func Remove(propertiesPath string) error {
	return ClearProxies(propertiesPath)
}
