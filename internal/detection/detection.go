// Package detection implements DetectionEngine: sliding-window threshold
// counters over WAF events that decide IP bans (spec.md §4.6, L5
// DetectionEngine). Grounded on the teacher's
// internal/services/sharing_detection_service.go thresholded sliding
// detection scan, generalized from a single fixed rule to an arbitrary set
// of DetectionRule rows and their whitelist/severity/attack-type filters.
package detection

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arcfence/controlplane/internal/store"
)

// Event is the subset of a WAFEvent the engine needs to evaluate rules.
type Event struct {
	ClientIP   string
	AttackType string
	Severity   store.Severity
	ProxyID    *uint
	Timestamp  time.Time
}

// BanDecision is what the engine emits once a rule's threshold is met
// (spec.md §4.6).
type BanDecision struct {
	IP              string
	DurationSeconds int
	Severity        store.Severity
	Reason          string
	DetectionRuleID uint
}

// whitelistEntry is a parsed IPWhitelist row.
type whitelistEntry struct {
	system bool
	ip     net.IP
	cidr   *net.IPNet
}

func (e whitelistEntry) matches(ip net.IP) bool {
	if e.cidr != nil {
		return e.cidr.Contains(ip)
	}
	return e.ip != nil && e.ip.Equal(ip)
}

// ruleKey identifies a sliding counter: one per (rule, client_ip).
type ruleKey struct {
	ruleID uint
	ip     string
}

// Engine holds the in-memory counters and the rules/whitelist snapshot it
// evaluates against.
type Engine struct {
	s *store.Store

	mu        sync.Mutex
	counters  map[ruleKey][]time.Time
	rules     []store.DetectionRule
	whitelist []whitelistEntry
}

// New constructs an Engine and performs the initial whitelist/rule load
// (spec.md §4.6: "built at start and on change").
func New(s *store.Store) *Engine {
	e := &Engine{s: s, counters: make(map[ruleKey][]time.Time)}
	e.Reload()
	return e
}

// Reload rebuilds the rule set and whitelist interval structure from the
// Store. Callers invoke this after any DetectionRule/IPWhitelist mutation.
func (e *Engine) Reload() {
	var rules []store.DetectionRule
	e.s.DB.Where("enabled = ?", true).Find(&rules)

	var whitelistRows []store.IPWhitelist
	e.s.DB.Find(&whitelistRows)

	entries := make([]whitelistEntry, 0, len(whitelistRows))
	for _, row := range whitelistRows {
		entry := whitelistEntry{system: row.Type == store.WhitelistTypeSystem}
		if row.IPRange != "" {
			if _, cidr, err := net.ParseCIDR(row.IPRange); err == nil {
				entry.cidr = cidr
			} else {
				continue
			}
		} else if row.IPAddress != "" {
			ip := net.ParseIP(row.IPAddress)
			if ip == nil {
				continue
			}
			entry.ip = ip
		} else {
			continue
		}
		entries = append(entries, entry)
	}
	// System entries first so IsWhitelisted's "system takes precedence"
	// guarantee is cheap to express even though, structurally, any match
	// already short-circuits the check.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].system && !entries[j].system })

	e.mu.Lock()
	e.rules = rules
	e.whitelist = entries
	e.mu.Unlock()
}

// IsWhitelisted reports whether ip matches any whitelist entry (spec.md
// §4.6 whitelist check; testable property 5).
func (e *Engine) IsWhitelisted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.whitelist {
		if entry.matches(ip) {
			return true
		}
	}
	return false
}

func matchesFilter(rule store.DetectionRule, ev Event) bool {
	if rule.AttackTypes != "" {
		found := false
		for _, t := range strings.Split(rule.AttackTypes, ",") {
			if strings.TrimSpace(t) == ev.AttackType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !store.SeverityAtLeast(ev.Severity, rule.SeverityFilter) {
		return false
	}
	if rule.ProxyID != nil {
		if ev.ProxyID == nil || *ev.ProxyID != *rule.ProxyID {
			return false
		}
	}
	return true
}

// Evaluate feeds one WAF event through every enabled rule and returns the
// ban decisions it triggers, tie-broken per rule when multiple fire for the
// same IP in this call (spec.md §4.6: highest severity, max duration, union
// of reasons).
func (e *Engine) Evaluate(ev Event) []BanDecision {
	if e.IsWhitelisted(ev.ClientIP) {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var triggered []BanDecision
	for _, rule := range e.rules {
		if !matchesFilter(rule, ev) {
			continue
		}

		key := ruleKey{ruleID: rule.ID, ip: ev.ClientIP}
		window := time.Duration(rule.TimeWindowS) * time.Second
		cutoff := ev.Timestamp.Add(-window)

		times := e.counters[key]
		times = append(times, ev.Timestamp)
		pruned := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				pruned = append(pruned, t)
			}
		}
		e.counters[key] = pruned

		if len(pruned) >= rule.Threshold {
			triggered = append(triggered, BanDecision{
				IP:              ev.ClientIP,
				DurationSeconds: rule.BanDurationS,
				Severity:        rule.BanSeverity,
				Reason:          rule.Name,
				DetectionRuleID: rule.ID,
			})
			// Reset to prevent flapping (spec.md §4.6).
			e.counters[key] = nil
		}
	}

	return mergeTieBreak(triggered)
}

var severityRank = map[store.Severity]int{
	store.SeverityLow:      1,
	store.SeverityMedium:   2,
	store.SeverityHigh:     3,
	store.SeverityCritical: 4,
}

// mergeTieBreak folds multiple simultaneous decisions for the same IP into
// one: highest ban_severity, max(ban_duration_s), union of reasons (spec.md
// §4.6).
func mergeTieBreak(decisions []BanDecision) []BanDecision {
	if len(decisions) <= 1 {
		return decisions
	}
	merged := decisions[0]
	reasons := []string{merged.Reason}
	for _, d := range decisions[1:] {
		if severityRank[d.Severity] > severityRank[merged.Severity] {
			merged.Severity = d.Severity
		}
		if d.DurationSeconds > merged.DurationSeconds {
			merged.DurationSeconds = d.DurationSeconds
		}
		reasons = append(reasons, d.Reason)
	}
	merged.Reason = strings.Join(reasons, "; ")
	return []BanDecision{merged}
}

// GC drops sliding-window counters that can no longer contribute to a
// threshold: either their rule was deleted/disabled since the counter was
// created, or every timestamp has already aged out of that rule's window.
// Scheduler calls this periodically so long-idle client IPs don't pin
// memory indefinitely (spec.md §2 L6 "detection-window GC").
func (e *Engine) GC() {
	e.mu.Lock()
	defer e.mu.Unlock()

	windowByRule := make(map[uint]time.Duration, len(e.rules))
	for _, r := range e.rules {
		windowByRule[r.ID] = time.Duration(r.TimeWindowS) * time.Second
	}

	now := time.Now()
	for key, times := range e.counters {
		window, ok := windowByRule[key.ruleID]
		if !ok {
			delete(e.counters, key)
			continue
		}
		if len(times) == 0 {
			delete(e.counters, key)
			continue
		}
		newest := times[len(times)-1]
		if now.Sub(newest) > window {
			delete(e.counters, key)
		}
	}
}
