package store

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// ProxyType enumerates the kinds of virtual host the control plane manages.
type ProxyType string

const (
	ProxyTypeReverse ProxyType = "reverse"
	ProxyTypeStream  ProxyType = "stream"
	ProxyType404     ProxyType = "404"
)

type ForwardScheme string

const (
	ForwardSchemeHTTP  ForwardScheme = "http"
	ForwardSchemeHTTPS ForwardScheme = "https"
)

type ConfigStatus string

const (
	ConfigStatusPending ConfigStatus = "pending"
	ConfigStatusActive  ConfigStatus = "active"
	ConfigStatusError   ConfigStatus = "error"
)

// Proxy is a managed virtual host materialized as nginx configuration
// (spec.md §3).
type Proxy struct {
	ID               uint           `gorm:"column:id;primaryKey" json:"id"`
	Name             string         `gorm:"column:name;size:200;not null;uniqueIndex" json:"name"`
	Type             ProxyType      `gorm:"column:type;size:20;not null;default:reverse" json:"type"`
	Enabled          bool           `gorm:"column:enabled;default:true" json:"enabled"`
	DomainNames      string         `gorm:"column:domain_names;type:text" json:"domain_names"` // comma-separated, or "N/A" for custom-editor mode
	ForwardScheme    ForwardScheme  `gorm:"column:forward_scheme;size:10;default:http" json:"forward_scheme"`
	ForwardHost      string         `gorm:"column:forward_host;size:255" json:"forward_host"`
	ForwardPort      int            `gorm:"column:forward_port" json:"forward_port"`
	IncomingPort     int            `gorm:"column:incoming_port" json:"incoming_port"`
	StreamProtocol   string         `gorm:"column:stream_protocol;size:10" json:"stream_protocol"` // tcp|udp
	SSLEnabled       bool           `gorm:"column:ssl_enabled;default:false" json:"ssl_enabled"`
	SSLCertID        *uint          `gorm:"column:ssl_cert_id" json:"ssl_cert_id"`
	AdvancedConfig   string         `gorm:"column:advanced_config;type:text" json:"advanced_config"`
	LaunchURL        string         `gorm:"column:launch_url;size:255" json:"launch_url"`
	WAFProfileID     *uint          `gorm:"column:waf_profile_id" json:"waf_profile_id"`
	ConfigFilename   string         `gorm:"column:config_filename;size:255" json:"config_filename"`
	ConfigStatus     ConfigStatus   `gorm:"column:config_status;size:20;default:pending" json:"config_status"`
	ConfigError      string         `gorm:"column:config_error;type:text" json:"config_error"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsCustomEditorMode reports whether this proxy is configured via raw
// advanced_config rather than the structured fields.
func (p *Proxy) IsCustomEditorMode() bool {
	return p.DomainNames == "N/A" && p.AdvancedConfig != ""
}

// DomainNamesList splits the stored comma-separated domain list.
func (p *Proxy) DomainNamesList() []string {
	if p.DomainNames == "" || p.DomainNames == "N/A" {
		return nil
	}
	parts := strings.Split(p.DomainNames, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ModuleLevel is where in the nginx server block a module's snippet belongs.
type ModuleLevel string

const (
	ModuleLevelServer   ModuleLevel = "server"
	ModuleLevelLocation ModuleLevel = "location"
	ModuleLevelRedirect ModuleLevel = "redirect"
)

// Module is a reusable nginx snippet (spec.md §3, §4.1).
type Module struct {
	ID          uint        `gorm:"column:id;primaryKey" json:"id"`
	Name        string      `gorm:"column:name;size:200;not null;uniqueIndex" json:"name"`
	Description string      `gorm:"column:description;size:500" json:"description"`
	Content     string      `gorm:"column:content;type:text" json:"content"`
	Tag         string      `gorm:"column:tag;size:100" json:"tag"`
	Level       ModuleLevel `gorm:"column:level;size:20;default:server" json:"level"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ProxyModule is the many-to-many association between Proxy and Module. Its
// own auto-increment ID is the ordering key ConfigGen renders modules by
// (spec.md §4.1 "ordered by insertion id").
type ProxyModule struct {
	ID       uint `gorm:"column:id;primaryKey" json:"id"`
	ProxyID  uint `gorm:"column:proxy_id;index;not null" json:"proxy_id"`
	ModuleID uint `gorm:"column:module_id;index;not null" json:"module_id"`
}

type CertSource string

const (
	CertSourceUpload CertSource = "upload"
	CertSourceACME   CertSource = "acme"
)

type ChallengeType string

const (
	ChallengeHTTP01 ChallengeType = "http-01"
	ChallengeDNS01  ChallengeType = "dns-01"
)

// Cert is a TLS certificate, uploaded or ACME-issued (spec.md §3, §4.10).
type Cert struct {
	ID             uint           `gorm:"column:id;primaryKey" json:"id"`
	Name           string         `gorm:"column:name;size:200;not null;uniqueIndex" json:"name"`
	DomainNames    string         `gorm:"column:domain_names;type:text" json:"domain_names"`
	Issuer         string         `gorm:"column:issuer;size:200" json:"issuer"`
	ExpiresAt      *time.Time     `gorm:"column:expires_at" json:"expires_at"`
	CertPath       string         `gorm:"column:cert_path;size:500" json:"cert_path"`
	KeyPath        string         `gorm:"column:key_path;size:500" json:"key_path"`
	Source         CertSource     `gorm:"column:source;size:20;default:upload" json:"source"`
	AutoRenew      bool           `gorm:"column:auto_renew;default:false" json:"auto_renew"`
	ChallengeType  ChallengeType  `gorm:"column:challenge_type;size:20" json:"challenge_type"`
	DNSCredentialID *uint         `gorm:"column:dns_credential_id" json:"dns_credential_id"`
	ACMEConfig     string         `gorm:"column:acme_config;type:text" json:"acme_config"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// WAFProfile is a paranoia-level + ruleset selection (spec.md §3).
type WAFProfile struct {
	ID            uint   `gorm:"column:id;primaryKey" json:"id"`
	Name          string `gorm:"column:name;size:200;not null" json:"name"`
	Ruleset       string `gorm:"column:ruleset;size:200" json:"ruleset"`
	ParanoiaLevel int    `gorm:"column:paranoia_level;default:1" json:"paranoia_level"`
	ConfigJSON    string `gorm:"column:config_json;type:text" json:"config_json"`
	Enabled       bool   `gorm:"column:enabled;default:true" json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WAFExclusion suppresses a ModSecurity rule for a path/parameter.
type WAFExclusion struct {
	ID            uint   `gorm:"column:id;primaryKey" json:"id"`
	ProfileID     uint   `gorm:"column:profile_id;index;not null" json:"profile_id"`
	RuleID        string `gorm:"column:rule_id;size:100;not null" json:"rule_id"`
	PathPattern   string `gorm:"column:path_pattern;size:500" json:"path_pattern"`
	ParameterName string `gorm:"column:parameter_name;size:200" json:"parameter_name"`
	Reason        string `gorm:"column:reason;size:500" json:"reason"`
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
	SeverityAll      Severity = "ALL"
)

var severityOrdinal = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityAtLeast reports whether sev is ordinally >= floor. ALL matches
// everything (spec.md §4.6 "severity_filter ordinal >=").
func SeverityAtLeast(sev Severity, floor Severity) bool {
	if floor == SeverityAll || floor == "" {
		return true
	}
	return severityOrdinal[sev] >= severityOrdinal[floor]
}

// WAFEvent is an append-only ModSecurity audit record (spec.md §3, §4.5).
type WAFEvent struct {
	ID          uint      `gorm:"column:id;primaryKey" json:"id"`
	Timestamp   time.Time `gorm:"column:timestamp;index" json:"timestamp"`
	ProxyID     *uint     `gorm:"column:proxy_id;index" json:"proxy_id"`
	ClientIP    string    `gorm:"column:client_ip;size:64;index" json:"client_ip"`
	AttackType  string    `gorm:"column:attack_type;size:100;index" json:"attack_type"`
	Severity    Severity  `gorm:"column:severity;size:10" json:"severity"`
	Blocked     bool      `gorm:"column:blocked" json:"blocked"`
	RequestURI  string    `gorm:"column:request_uri;size:2000" json:"request_uri"`
	RawLog      string    `gorm:"column:raw_log;type:text" json:"raw_log"`
	HTTPStatus  int       `gorm:"column:http_status" json:"http_status"`
	TransactionID string  `gorm:"column:transaction_id;size:100;index" json:"transaction_id"`
	RuleID        string  `gorm:"column:rule_id;size:100" json:"rule_id"`
}

type CredentialType string

const (
	CredentialTypeDNS CredentialType = "dns"
	CredentialTypeBan CredentialType = "ban"
)

// Credential holds an encrypted provider secret (spec.md §3, §4.12). The
// plaintext payload is only ever materialized at the use site via
// internal/credcrypto.
type Credential struct {
	ID                  uint           `gorm:"column:id;primaryKey" json:"id"`
	Name                string         `gorm:"column:name;size:200;not null" json:"name"`
	CredentialType      CredentialType `gorm:"column:credential_type;size:20" json:"credential_type"`
	Provider            string         `gorm:"column:provider;size:100" json:"provider"`
	CredentialsEncrypted string        `gorm:"column:credentials_encrypted;type:text" json:"-"`
	CreatedBy           string         `gorm:"column:created_by;size:200" json:"created_by"`
	CreatedAt           time.Time      `json:"created_at"`
}

// BanIntegration is an external firewall/CDN endpoint (spec.md §3, §4.8).
type BanIntegration struct {
	ID               uint       `gorm:"column:id;primaryKey" json:"id"`
	Name             string     `gorm:"column:name;size:200;not null" json:"name"`
	Type             string     `gorm:"column:type;size:50;not null" json:"type"` // provider-type tag, e.g. "unifi", "firewalld", "ufw", "ipset"
	CredentialID     *uint      `gorm:"column:credential_id" json:"credential_id"`
	ConfigJSON       string     `gorm:"column:config_json;type:text" json:"config_json"`
	Enabled          bool       `gorm:"column:enabled;default:true" json:"enabled"`
	LastSuccess      *time.Time `gorm:"column:last_success" json:"last_success"`
	LastError        string     `gorm:"column:last_error;type:text" json:"last_error"`
	TotalBansSent    int64      `gorm:"column:total_bans_sent;default:0" json:"total_bans_sent"`
	TotalUnbansSent  int64      `gorm:"column:total_unbans_sent;default:0" json:"total_unbans_sent"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IPBan is an active or historical ban decision (spec.md §3, §4.6).
type IPBan struct {
	ID                   uint       `gorm:"column:id;primaryKey" json:"id"`
	IPAddress            string     `gorm:"column:ip_address;size:64;index;not null" json:"ip_address"`
	Reason               string     `gorm:"column:reason;size:500" json:"reason"`
	Severity             Severity   `gorm:"column:severity;size:10" json:"severity"`
	AutoBanned           bool       `gorm:"column:auto_banned;default:false" json:"auto_banned"`
	DetectionRuleID      *uint      `gorm:"column:detection_rule_id" json:"detection_rule_id"`
	BannedAt             time.Time  `gorm:"column:banned_at" json:"banned_at"`
	ExpiresAt            *time.Time `gorm:"column:expires_at" json:"expires_at"`
	BannedBy             string     `gorm:"column:banned_by;size:200" json:"banned_by"`
	IntegrationsNotified string     `gorm:"column:integrations_notified;type:text" json:"integrations_notified"` // json array
	UnbannedAt           *time.Time `gorm:"column:unbanned_at" json:"unbanned_at"`
}

// IsActive reports whether the ban is currently in effect (spec.md §3).
func (b *IPBan) IsActive(now time.Time) bool {
	if b.UnbannedAt != nil {
		return false
	}
	if b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
		return false
	}
	return true
}

type WhitelistType string

const (
	WhitelistTypeManual WhitelistType = "manual"
	WhitelistTypeSystem WhitelistType = "system"
)

// IPWhitelist protects an IP or CIDR from ban decisions (spec.md §3, §4.6).
type IPWhitelist struct {
	ID        uint          `gorm:"column:id;primaryKey" json:"id"`
	IPAddress string        `gorm:"column:ip_address;size:64" json:"ip_address"`
	IPRange   string        `gorm:"column:ip_range;size:64" json:"ip_range"` // CIDR
	Type      WhitelistType `gorm:"column:type;size:20;default:manual" json:"type"`
	Reason    string        `gorm:"column:reason;size:500" json:"reason"`
	Priority  int           `gorm:"column:priority;default:0" json:"priority"`
	AddedBy   string        `gorm:"column:added_by;size:200" json:"added_by"`
	CreatedAt time.Time     `json:"created_at"`
}

// DetectionRule is a threshold+window+filter over WAF events (spec.md §3,
// §4.6).
type DetectionRule struct {
	ID              uint     `gorm:"column:id;primaryKey" json:"id"`
	Name            string   `gorm:"column:name;size:200;not null" json:"name"`
	Threshold       int      `gorm:"column:threshold;not null" json:"threshold"`
	TimeWindowS     int      `gorm:"column:time_window_s;not null" json:"time_window_s"`
	AttackTypes     string   `gorm:"column:attack_types;size:500" json:"attack_types"` // comma-separated, empty = any
	SeverityFilter  Severity `gorm:"column:severity_filter;size:10;default:ALL" json:"severity_filter"`
	ProxyID         *uint    `gorm:"column:proxy_id" json:"proxy_id"`
	BanDurationS    int      `gorm:"column:ban_duration_s;not null" json:"ban_duration_s"`
	BanSeverity     Severity `gorm:"column:ban_severity;size:10" json:"ban_severity"`
	Priority        int      `gorm:"column:priority;default:0" json:"priority"`
	Enabled         bool     `gorm:"column:enabled;default:true" json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Setting is a control plane key/value configuration row (spec.md §6).
type Setting struct {
	Key   string `gorm:"column:key;primaryKey;size:200" json:"key"`
	Value string `gorm:"column:value;type:text" json:"value"`
}

// AuditLog is an append-only record of mutating operations. Not otherwise
// consumed by the core (spec.md §3).
type AuditLog struct {
	ID         uint      `gorm:"column:id;primaryKey" json:"id"`
	Actor      string    `gorm:"column:actor;size:200" json:"actor"`
	Action     string    `gorm:"column:action;size:200" json:"action"`
	EntityType string    `gorm:"column:entity_type;size:100" json:"entity_type"`
	EntityID   uint      `gorm:"column:entity_id" json:"entity_id"`
	Detail     string    `gorm:"column:detail;type:text" json:"detail"`
	CreatedAt  time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// AllModels lists every entity for AutoMigrate.
func AllModels() []any {
	return []any{
		&Proxy{}, &Module{}, &ProxyModule{},
		&Cert{}, &WAFProfile{}, &WAFExclusion{}, &WAFEvent{},
		&Credential{}, &BanIntegration{}, &IPBan{}, &IPWhitelist{},
		&DetectionRule{}, &Setting{}, &AuditLog{},
	}
}
