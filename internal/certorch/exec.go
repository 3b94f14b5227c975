package certorch

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// newACMECommand builds the argv-array invocation of the ACME client. No
// argument ever passes through a shell (spec.md §4.10, §9).
func newACMECommand(ctx context.Context, binary string, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, binary, args...)
}

// parseCertExpiry extracts notAfter and issuer CN from a PEM fullchain.
func parseCertExpiry(fullchainPEM []byte) (notAfter time.Time, issuer string, err error) {
	block, _ := pem.Decode(fullchainPEM)
	if block == nil {
		return time.Time{}, "", fmt.Errorf("no PEM block found in fullchain")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parse leaf certificate: %w", err)
	}
	return cert.NotAfter, cert.Issuer.CommonName, nil
}

func joinDomains(domains []string) string {
	return strings.Join(domains, ",")
}

func splitDomains(domainNames string) []string {
	if domainNames == "" {
		return nil
	}
	parts := strings.Split(domainNames, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

type acmeConfig struct {
	Email string `json:"email"`
}

func encodeACMEConfig(email string) string {
	raw, _ := json.Marshal(acmeConfig{Email: email})
	return string(raw)
}

func extractStoredEmail(acmeConfigJSON string) string {
	var cfg acmeConfig
	if err := json.Unmarshal([]byte(acmeConfigJSON), &cfg); err != nil {
		return ""
	}
	return cfg.Email
}
