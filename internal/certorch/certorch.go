// Package certorch orchestrates ACME HTTP-01/DNS-01 issuance and renewal
// via an external ACME client (spec.md §4.10, L4 CertOrchestrator).
// Grounded on the retrieval pack's nginx-manager.go SetupSSL (certbot
// invocation + cron renewal) and the teacher's backup_scheduler.go
// scheduled-sweep idiom, but redesigned per spec.md §9: argv arrays instead
// of shell string concatenation, and an explicit renewal sweep instead of
// delegating to system cron.
package certorch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arcfence/controlplane/internal/credcrypto"
	"github.com/arcfence/controlplane/internal/cperrors"
	"github.com/arcfence/controlplane/internal/reconciler"
	"github.com/arcfence/controlplane/internal/store"
	"github.com/arcfence/controlplane/internal/validator"
)

// Reconciler is the subset of *reconciler.Reconciler CertOrchestrator needs,
// so tests can substitute a fake.
type Reconciler interface {
	RegenerateMultiple(ids []uint) map[uint]error
}

var _ Reconciler = (*reconciler.Reconciler)(nil)

// DNSCredentialPayload is the JSON shape stored, encrypted, in a
// Credential row of type "dns".
type DNSCredentialPayload struct {
	APIKey string            `json:"api_key,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// Orchestrator issues and renews certificates.
type Orchestrator struct {
	store       *store.Store
	reconciler  Reconciler
	certCipher  *credcrypto.Cipher

	acmeBinary string
	timeout    time.Duration

	challengeDir    string // webroot for HTTP-01
	letsEncryptDir  string // ACME client's own config/work/logs root
	sslDir          string
	certbotCredsDir string

	mu       sync.Mutex
	nameLock map[string]*sync.Mutex
}

// New constructs an Orchestrator.
func New(s *store.Store, rec Reconciler, certCipher *credcrypto.Cipher, acmeBinary string, timeout time.Duration, challengeDir, letsEncryptDir, sslDir, certbotCredsDir string) *Orchestrator {
	return &Orchestrator{
		store:           s,
		reconciler:      rec,
		certCipher:      certCipher,
		acmeBinary:      acmeBinary,
		timeout:         timeout,
		challengeDir:    challengeDir,
		letsEncryptDir:  letsEncryptDir,
		sslDir:          sslDir,
		certbotCredsDir: certbotCredsDir,
		nameLock:        make(map[string]*sync.Mutex),
	}
}

// lockFor serializes concurrent orders for the same cert name (spec.md §5:
// "concurrent orders for the same cert name are serialized").
func (o *Orchestrator) lockFor(name string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.nameLock[name]; ok {
		return l
	}
	l := &sync.Mutex{}
	o.nameLock[name] = l
	return l
}

// IssueHTTP01 issues a certificate via the HTTP-01 challenge. Wildcard
// domains are rejected (spec.md §4.10 "Wildcard": HTTP-01 + any `*` domain
// fails InvalidInput).
func (o *Orchestrator) IssueHTTP01(name, email string, domains []string) (*store.Cert, error) {
	if err := validator.ValidateEmail(email); err != nil {
		return nil, err
	}
	for _, d := range domains {
		if validator.IsWildcard(d) {
			return nil, cperrors.InvalidInput("HTTP-01 challenge does not support wildcard domain %q", d)
		}
		if err := validator.ValidateDomain(d); err != nil {
			return nil, err
		}
	}

	lock := o.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	args := []string{
		"certonly", "--webroot", "-w", o.challengeDir,
		"--config-dir", filepath.Join(o.letsEncryptDir, "config"),
		"--work-dir", filepath.Join(o.letsEncryptDir, "work"),
		"--logs-dir", filepath.Join(o.letsEncryptDir, "logs"),
		"--email", email, "--agree-tos", "--non-interactive",
	}
	for _, d := range domains {
		args = append(args, "-d", d)
	}

	if err := o.runACME(args); err != nil {
		return nil, err
	}

	return o.finishIssuance(name, domains, store.ChallengeHTTP01, nil, email)
}

// IssueDNS01 issues a certificate via the DNS-01 challenge, required for
// wildcard domains. The dns Credential's decrypted payload is written to a
// 0600 temp file, always removed afterward, even on failure (spec.md §4.10,
// §7).
func (o *Orchestrator) IssueDNS01(name, email string, domains []string, dnsCredentialID uint, provider string) (*store.Cert, error) {
	if err := validator.ValidateEmail(email); err != nil {
		return nil, err
	}
	for _, d := range domains {
		if err := validator.ValidateWildcardDomain(d); err != nil {
			return nil, err
		}
	}

	var cred store.Credential
	if err := o.store.DB.First(&cred, dnsCredentialID).Error; err != nil {
		return nil, cperrors.NotFound("dns credential %d not found", dnsCredentialID)
	}

	var payload DNSCredentialPayload
	if err := o.certCipher.DecryptJSON(cred.CredentialsEncrypted, &payload); err != nil {
		return nil, cperrors.Internal(err, "decrypt dns credential %d", dnsCredentialID)
	}

	lock := o.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	credFile, err := o.writeTempCredentialsFile(name, provider, payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.Remove(credFile); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Printf("[certorch] failed to remove temp dns credentials file %s: %v", credFile, rmErr)
		}
	}()

	args := []string{
		"certonly", fmt.Sprintf("--dns-%s", provider),
		fmt.Sprintf("--dns-%s-credentials", provider), credFile,
		"--config-dir", filepath.Join(o.letsEncryptDir, "config"),
		"--work-dir", filepath.Join(o.letsEncryptDir, "work"),
		"--logs-dir", filepath.Join(o.letsEncryptDir, "logs"),
		"--email", email, "--agree-tos", "--non-interactive",
	}
	for _, d := range domains {
		args = append(args, "-d", d)
	}

	if err := o.runACME(args); err != nil {
		return nil, err
	}

	return o.finishIssuance(name, domains, store.ChallengeDNS01, &dnsCredentialID, email)
}

func (o *Orchestrator) writeTempCredentialsFile(name, provider string, payload DNSCredentialPayload) (string, error) {
	if err := validator.ValidateIdentifier(name); err != nil {
		return "", err
	}
	path := filepath.Join(o.certbotCredsDir, fmt.Sprintf("%s-%s.ini", name, provider))
	content := fmt.Sprintf("dns_%s_api_key = %s\n", provider, payload.APIKey)
	for k, v := range payload.Extra {
		content += fmt.Sprintf("dns_%s_%s = %s\n", provider, k, v)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", cperrors.ExternalFailure(err, "write temp dns credentials file")
	}
	return path, nil
}

func (o *Orchestrator) runACME(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	cmd := newACMECommand(ctx, o.acmeBinary, args)
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return cperrors.TransientFailure(err, "acme client timed out after %s", o.timeout)
	}
	if err != nil {
		return cperrors.ExternalFailure(err, "acme client failed: %s", string(output))
	}
	return nil
}

// finishIssuance reads live/<name>/{fullchain,privkey}.pem on success,
// parses expiry, calls saveCert, and inserts the Cert row (spec.md §4.10).
func (o *Orchestrator) finishIssuance(name string, domains []string, challenge store.ChallengeType, dnsCredentialID *uint, email string) (*store.Cert, error) {
	liveDir := filepath.Join(o.letsEncryptDir, "config", "live", name)
	fullchainSrc := filepath.Join(liveDir, "fullchain.pem")
	privkeySrc := filepath.Join(liveDir, "privkey.pem")

	fullchain, err := os.ReadFile(fullchainSrc)
	if err != nil {
		return nil, cperrors.ExternalFailure(err, "read issued fullchain.pem for %s", name)
	}
	privkey, err := os.ReadFile(privkeySrc)
	if err != nil {
		return nil, cperrors.ExternalFailure(err, "read issued privkey.pem for %s", name)
	}

	notAfter, issuer, err := parseCertExpiry(fullchain)
	if err != nil {
		return nil, cperrors.Internal(err, "parse issued certificate for %s", name)
	}

	certPath, keyPath, err := o.saveCert(name, fullchain, privkey)
	if err != nil {
		return nil, err
	}

	domainNames := joinDomains(domains)
	cert := store.Cert{
		Name:            name,
		DomainNames:     domainNames,
		Issuer:          issuer,
		ExpiresAt:       &notAfter,
		CertPath:        certPath,
		KeyPath:         keyPath,
		Source:          store.CertSourceACME,
		AutoRenew:       true,
		ChallengeType:   challenge,
		DNSCredentialID: dnsCredentialID,
		ACMEConfig:      encodeACMEConfig(email),
	}

	var existing store.Cert
	if err := o.store.DB.Where("name = ?", name).First(&existing).Error; err == nil {
		cert.ID = existing.ID
		if err := o.store.DB.Save(&cert).Error; err != nil {
			return nil, cperrors.Internal(err, "update cert row for %s", name)
		}
	} else if err := o.store.DB.Create(&cert).Error; err != nil {
		return nil, cperrors.Internal(err, "insert cert row for %s", name)
	}

	return &cert, nil
}

// saveCert writes fullchain/privkey to the ssl directory with 0644/0600
// perms respectively (spec.md §6).
func (o *Orchestrator) saveCert(name string, fullchain, privkey []byte) (certPath, keyPath string, err error) {
	certPath = filepath.Join(o.sslDir, name+".crt")
	keyPath = filepath.Join(o.sslDir, name+".key")

	if err := os.WriteFile(certPath, fullchain, 0o644); err != nil {
		return "", "", cperrors.ExternalFailure(err, "write cert file %s", certPath)
	}
	if err := os.WriteFile(keyPath, privkey, 0o600); err != nil {
		return "", "", cperrors.ExternalFailure(err, "write key file %s", keyPath)
	}
	return certPath, keyPath, nil
}

// renewalWindow is spec.md §4.10's "expires_at - now <= 30 days".
const renewalWindow = 30 * 24 * time.Hour

// CheckRenewals sweeps every auto_renew cert nearing expiry, renews it, and
// regenerates every proxy referencing it (spec.md §4.10 Renewal).
func (o *Orchestrator) CheckRenewals() error {
	var certs []store.Cert
	if err := o.store.DB.Where("auto_renew = ?", true).Find(&certs).Error; err != nil {
		return cperrors.Internal(err, "list auto-renew certs")
	}

	now := time.Now()
	for _, cert := range certs {
		if cert.ExpiresAt == nil || cert.ExpiresAt.Sub(now) > renewalWindow {
			continue
		}

		domains := splitDomains(cert.DomainNames)
		email := extractStoredEmail(cert.ACMEConfig)
		var renewErr error
		if cert.ChallengeType == store.ChallengeDNS01 && cert.DNSCredentialID != nil {
			provider := "manual"
			if _, err := o.IssueDNS01(cert.Name, email, domains, *cert.DNSCredentialID, provider); err != nil {
				renewErr = err
			}
		} else {
			if _, err := o.IssueHTTP01(cert.Name, email, domains); err != nil {
				renewErr = err
			}
		}
		if renewErr != nil {
			log.Printf("[certorch] renewal failed for cert %q: %v", cert.Name, renewErr)
			continue
		}

		o.regenerateProxiesForCert(cert.ID)
	}
	return nil
}

// Delete disables SSL on every proxy referencing certID, regenerates them
// in one batch, then removes the cert's files and row (spec.md §4.10
// Delete, §3 Cert delete-cascade invariant, scenario S2).
func (o *Orchestrator) Delete(certID uint) error {
	var cert store.Cert
	if err := o.store.DB.First(&cert, certID).Error; err != nil {
		return cperrors.NotFound("cert %d not found", certID)
	}

	var proxies []store.Proxy
	if err := o.store.DB.Where("ssl_cert_id = ?", certID).Find(&proxies).Error; err != nil {
		return cperrors.Internal(err, "list proxies referencing cert %d", certID)
	}

	ids := make([]uint, 0, len(proxies))
	for _, p := range proxies {
		ids = append(ids, p.ID)
	}
	if len(ids) > 0 {
		if err := o.store.DB.Model(&store.Proxy{}).Where("ssl_cert_id = ?", certID).
			Updates(map[string]any{"ssl_enabled": false, "ssl_cert_id": nil}).Error; err != nil {
			return cperrors.Internal(err, "clear ssl fields for proxies referencing cert %d", certID)
		}
		if errs := o.reconciler.RegenerateMultiple(ids); len(errs) > 0 {
			for id, err := range errs {
				log.Printf("[certorch] regenerate proxy %d after cert delete failed: %v", id, err)
			}
		}
	}

	adminCertSetting, _ := o.store.GetSetting("admin_cert_id")
	if adminCertSetting == fmt.Sprintf("%d", certID) {
		_ = o.store.SetSetting("admin_cert_id", "")
	}

	if cert.CertPath != "" {
		_ = os.Remove(cert.CertPath)
	}
	if cert.KeyPath != "" {
		_ = os.Remove(cert.KeyPath)
	}

	if err := o.store.DB.Delete(&store.Cert{}, certID).Error; err != nil {
		return cperrors.Internal(err, "delete cert row %d", certID)
	}
	return nil
}

func (o *Orchestrator) regenerateProxiesForCert(certID uint) {
	var ids []uint
	o.store.DB.Model(&store.Proxy{}).Select("id").Where("ssl_cert_id = ?", certID).Find(&ids)
	if len(ids) == 0 {
		return
	}
	if errs := o.reconciler.RegenerateMultiple(ids); len(errs) > 0 {
		for id, err := range errs {
			log.Printf("[certorch] regenerate proxy %d after cert change failed: %v", id, err)
		}
	}
}
