// Package configgen renders nginx configuration from the control plane's
// desired state (spec.md §4.1, L3 ConfigGen). Grounded on the
// strings.Builder server-block assembly style in the retrieval pack's
// nginx-manager.go reference implementation, generalized from its
// single-site upstream/server pair to the full reverse/stream/404 + modules
// + WAF + global-security rendering spec.md requires.
package configgen

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/arcfence/controlplane/internal/store"
	"github.com/arcfence/controlplane/internal/validator"
)

// SSL placeholder tokens substituted by ConfigReconciler once it has looked
// up the referenced Cert (spec.md §4.1: "substitution is global and
// idempotent").
const (
	SSLCertPlaceholder = "{{SSL_CERT_PATH}}"
	SSLKeyPlaceholder  = "{{SSL_KEY_PATH}}"
)

// ForceHTTPSModuleName is implicitly associated whenever ssl_enabled is true
// (spec.md §4.1).
const ForceHTTPSModuleName = "Force HTTPS"

// NamedModule pairs a Module row with the ProxyModule association id that
// orders it (spec.md §3: "ordered by insertion id").
type NamedModule struct {
	AssociationID uint
	Module        store.Module
}

// Input is the complete, pure-function input to Render (spec.md §4.1
// contract).
type Input struct {
	Proxy      store.Proxy
	Modules    []NamedModule
	WAFProfile *store.WAFProfile
}

var slugPattern = regexp.MustCompile(`[^a-z0-9-]+`)

// Slugify derives the filesystem-safe module slug used for
// modules/<slug>.conf (spec.md §4.1).
func Slugify(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	lower = strings.ReplaceAll(lower, " ", "-")
	lower = slugPattern.ReplaceAllString(lower, "")
	lower = strings.Trim(lower, "-")
	if lower == "" {
		lower = "module"
	}
	return lower
}

// sortedModules returns in.Modules ordered by AssociationID ascending,
// copying so callers' slices are never mutated.
func sortedModules(mods []NamedModule) []NamedModule {
	out := make([]NamedModule, len(mods))
	copy(out, mods)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AssociationID < out[j].AssociationID })
	return out
}

// Render is the pure function spec.md §4.1 requires: identical input
// produces byte-identical output (testable property 1).
func Render(in Input) (string, error) {
	switch in.Proxy.Type {
	case store.ProxyType404:
		return render404(in.Proxy), nil
	case store.ProxyTypeStream:
		return renderStream(in.Proxy), nil
	case store.ProxyTypeReverse, "":
		return renderReverse(in), nil
	default:
		return "", fmt.Errorf("configgen: unknown proxy type %q", in.Proxy.Type)
	}
}

func render404(p store.Proxy) string {
	var b strings.Builder
	b.WriteString("server {\n")
	b.WriteString("    listen 80;\n")
	if p.SSLEnabled {
		b.WriteString("    listen 443 ssl http2;\n")
		b.WriteString(fmt.Sprintf("    ssl_certificate %s;\n", SSLCertPlaceholder))
		b.WriteString(fmt.Sprintf("    ssl_certificate_key %s;\n", SSLKeyPlaceholder))
	}
	if p.DomainNames != "" && p.DomainNames != "N/A" {
		b.WriteString(fmt.Sprintf("    server_name %s;\n", normalizeDomainNames(p.DomainNames)))
	}
	b.WriteString("    return 404;\n")
	b.WriteString("}\n")
	return b.String()
}

func renderStream(p store.Proxy) string {
	upstreamName := Slugify(p.Name)
	var b strings.Builder
	b.WriteString(fmt.Sprintf("upstream %s {\n", upstreamName))
	b.WriteString(fmt.Sprintf("    server %s:%d;\n", p.ForwardHost, p.ForwardPort))
	b.WriteString("}\n\n")

	b.WriteString("server {\n")
	listenProto := ""
	if p.StreamProtocol == "udp" {
		listenProto = " udp"
	}
	b.WriteString(fmt.Sprintf("    listen %d%s;\n", p.IncomingPort, listenProto))
	b.WriteString(fmt.Sprintf("    proxy_pass %s;\n", upstreamName))
	if p.AdvancedConfig != "" {
		b.WriteString(indentBlock(p.AdvancedConfig, "    "))
	}
	b.WriteString("}\n")
	return b.String()
}

func renderReverse(in Input) string {
	p := in.Proxy
	var b strings.Builder
	b.WriteString("server {\n")
	b.WriteString("    listen 80;\n")
	if p.SSLEnabled {
		b.WriteString("    listen 443 ssl http2;\n")
		b.WriteString(fmt.Sprintf("    ssl_certificate %s;\n", SSLCertPlaceholder))
		b.WriteString(fmt.Sprintf("    ssl_certificate_key %s;\n", SSLKeyPlaceholder))
	}
	if p.DomainNames != "" && p.DomainNames != "N/A" {
		b.WriteString(fmt.Sprintf("    server_name %s;\n", normalizeDomainNames(p.DomainNames)))
	}

	if in.WAFProfile != nil {
		b.WriteString("    modsecurity on;\n")
		b.WriteString(fmt.Sprintf("    modsecurity_rules_file %s;\n", modsecProfilePath(in.WAFProfile.ID)))
		b.WriteString(fmt.Sprintf("    include %s;\n", modsecExclusionsPath(in.WAFProfile.ID)))
	}

	for _, m := range sortedModules(in.Modules) {
		if m.Module.Level != store.ModuleLevelServer {
			continue
		}
		b.WriteString(fmt.Sprintf("\n    # module: %s\n", m.Module.Name))
		b.WriteString(indentBlock(m.Module.Content, "    "))
	}

	b.WriteString("\n    location / {\n")
	b.WriteString(fmt.Sprintf("        proxy_pass %s://%s:%d;\n", p.ForwardScheme, p.ForwardHost, p.ForwardPort))
	b.WriteString("        proxy_set_header Host $host;\n")
	b.WriteString("        proxy_set_header X-Real-IP $remote_addr;\n")
	b.WriteString("        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	b.WriteString("        proxy_set_header X-Forwarded-Proto $scheme;\n")

	for _, m := range sortedModules(in.Modules) {
		if m.Module.Level != store.ModuleLevelLocation {
			continue
		}
		b.WriteString(fmt.Sprintf("\n        # module: %s\n", m.Module.Name))
		b.WriteString(indentBlock(m.Module.Content, "        "))
	}

	if p.AdvancedConfig != "" {
		b.WriteString("\n")
		b.WriteString(indentBlock(p.AdvancedConfig, "        "))
	}
	b.WriteString("    }\n")

	for _, m := range sortedModules(in.Modules) {
		if m.Module.Level != store.ModuleLevelRedirect {
			continue
		}
		b.WriteString(fmt.Sprintf("\n    # module: %s\n", m.Module.Name))
		b.WriteString(indentBlock(m.Module.Content, "    "))
	}

	b.WriteString("}\n")
	return b.String()
}

// RenderModuleFile materializes a standalone modules/<slug>.conf so that
// `include` directives elsewhere can resolve it (spec.md §4.1).
func RenderModuleFile(m store.Module) string {
	return m.Content
}

// RenderWAFProfileFile renders modsec-profiles/profile_{id}.conf.
func RenderWAFProfileFile(p store.WAFProfile) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("SecRuleEngine %s\n", ruleEngineMode(p.Enabled)))
	b.WriteString(fmt.Sprintf("SecAction \"id:900000,phase:1,nolog,pass,t:none,setvar:tx.paranoia_level=%d\"\n", p.ParanoiaLevel))
	if p.Ruleset != "" {
		b.WriteString(fmt.Sprintf("Include %s\n", p.Ruleset))
	}
	return b.String()
}

func ruleEngineMode(enabled bool) string {
	if enabled {
		return "On"
	}
	return "DetectionOnly"
}

// RenderWAFExclusionsFile renders modsec-profiles/exclusions_profile_{id}.conf.
func RenderWAFExclusionsFile(exclusions []store.WAFExclusion) string {
	var b strings.Builder
	for _, ex := range exclusions {
		b.WriteString(fmt.Sprintf("# %s\n", ex.Reason))
		switch {
		case ex.PathPattern != "" && ex.ParameterName != "":
			b.WriteString(fmt.Sprintf("SecRule REQUEST_URI \"@streq %s\" \"id:%s,phase:1,nolog,pass,ctl:ruleRemoveTargetById=%s;ARGS:%s\"\n", ex.PathPattern, ex.RuleID, ex.RuleID, ex.ParameterName))
		case ex.PathPattern != "":
			b.WriteString(fmt.Sprintf("SecRule REQUEST_URI \"@streq %s\" \"id:%s,phase:1,nolog,pass,ctl:ruleRemoveById=%s\"\n", ex.PathPattern, ex.RuleID, ex.RuleID))
		default:
			b.WriteString(fmt.Sprintf("SecRuleRemoveById %s\n", ex.RuleID))
		}
	}
	return b.String()
}

// GlobalSecurityInput is the aggregate input to RenderGlobalSecurity.
type GlobalSecurityInput struct {
	BlacklistedIPs  []string
	BlockedAgents   []string
	RateLimitZones  map[string]string // zone name -> rate, e.g. "proxy_3_ratelimit" -> "10r/s"
}

// RenderGlobalSecurity regenerates global_security.conf whenever security
// rules or rate limits change (spec.md §4.1).
func RenderGlobalSecurity(in GlobalSecurityInput) string {
	var b strings.Builder
	if len(in.BlacklistedIPs) > 0 {
		b.WriteString("geo $blacklisted_ip {\n    default 0;\n")
		for _, ip := range in.BlacklistedIPs {
			b.WriteString(fmt.Sprintf("    %s 1;\n", ip))
		}
		b.WriteString("}\n\n")
	}
	if len(in.BlockedAgents) > 0 {
		b.WriteString("map $http_user_agent $blocked_agent {\n    default 0;\n")
		for _, agent := range in.BlockedAgents {
			b.WriteString(fmt.Sprintf("    \"~*%s\" 1;\n", agent))
		}
		b.WriteString("}\n\n")
	}
	zoneNames := make([]string, 0, len(in.RateLimitZones))
	for zone := range in.RateLimitZones {
		zoneNames = append(zoneNames, zone)
	}
	sort.Strings(zoneNames)
	for _, zone := range zoneNames {
		b.WriteString(fmt.Sprintf("limit_req_zone $binary_remote_addr zone=%s:10m rate=%s;\n", zone, in.RateLimitZones[zone]))
	}
	return b.String()
}

// RateLimitZoneName derives the zone name a proxy's config references
// (spec.md §4.1: "proxy_{id}_ratelimit").
func RateLimitZoneName(proxyID uint) string {
	return fmt.Sprintf("proxy_%d_ratelimit", proxyID)
}

func modsecProfilePath(profileID uint) string {
	return fmt.Sprintf("modsec-profiles/profile_%d.conf", profileID)
}

func modsecExclusionsPath(profileID uint) string {
	return fmt.Sprintf("modsec-profiles/exclusions_profile_%d.conf", profileID)
}

// ConfigFilename derives `<id>-<sanitized>.conf` (spec.md §4.1).
func ConfigFilename(proxyID uint, name string, epochMillis int64) string {
	sanitized := validator.SanitizeFilename(name, epochMillis)
	return fmt.Sprintf("%d-%s.conf", proxyID, sanitized)
}

func normalizeDomainNames(domainNames string) string {
	parts := strings.Split(domainNames, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, " ")
}

func indentBlock(content, indent string) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	var b strings.Builder
	for _, line := range lines {
		if line == "" {
			b.WriteString("\n")
			continue
		}
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
