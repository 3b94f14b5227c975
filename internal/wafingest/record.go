package wafingest

import (
	"strconv"
	"strings"

	"github.com/arcfence/controlplane/internal/store"
)

// auditRecord is the subset of a ModSecurity JSON audit log entry
// (SecAuditLogFormat json) this ingestor cares about. Field names match
// the on-disk JSON exactly; unused fields are intentionally omitted.
type auditRecord struct {
	Transaction struct {
		ID        string `json:"id"`
		TimeStamp string `json:"time_stamp"`
		ClientIP  string `json:"client_ip"`
		Request   struct {
			Headers map[string]string `json:"headers"`
			URI     string            `json:"uri"`
		} `json:"request"`
		Response struct {
			HTTPCode int               `json:"http_code"`
			Headers  map[string]string `json:"headers"`
		} `json:"response"`
		Messages []struct {
			Message string `json:"message"`
			Details struct {
				RuleID      string   `json:"ruleId"`
				Severity    string   `json:"severity"`
				Tags        []string `json:"tags"`
				Disruptive  bool     `json:"disruptive"`
			} `json:"details"`
		} `json:"messages"`
	} `json:"transaction"`
}

// parsed is the normalized shape of one audit record, derived after
// extraction (spec.md §4.5).
type parsed struct {
	TransactionID string
	RuleID        string
	ClientIP      string
	Host          string
	RequestURI    string
	HTTPStatus    int
	AttackType    string
	Severity      store.Severity
	Blocked       bool
}

// extract normalizes one ModSecurity record. A record without any rule
// message is not an attack signal and is dropped (nil, false).
func extract(rec auditRecord) (parsed, bool) {
	if len(rec.Transaction.Messages) == 0 {
		return parsed{}, false
	}

	msg := rec.Transaction.Messages[0]
	// The first disruptive message wins when a transaction carries several
	// matched rules; without one, the first message is used.
	for _, m := range rec.Transaction.Messages {
		if m.Details.Disruptive {
			msg = m
			break
		}
	}

	attackType := "unknown"
	for _, tag := range msg.Details.Tags {
		if strings.HasPrefix(tag, "attack-") {
			attackType = strings.TrimPrefix(tag, "attack-")
			break
		}
	}

	blocked := rec.Transaction.Response.HTTPCode == 403 || rec.Transaction.Response.HTTPCode == 406
	for _, m := range rec.Transaction.Messages {
		if m.Details.Disruptive {
			blocked = true
			break
		}
	}

	host := headerLookup(rec.Transaction.Request.Headers, "Host")

	return parsed{
		TransactionID: rec.Transaction.ID,
		RuleID:        msg.Details.RuleID,
		ClientIP:      rec.Transaction.ClientIP,
		Host:          host,
		RequestURI:    rec.Transaction.Request.URI,
		HTTPStatus:    rec.Transaction.Response.HTTPCode,
		AttackType:    attackType,
		Severity:      normalizeSeverity(msg.Details.Severity),
		Blocked:       blocked,
	}, true
}

func headerLookup(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// normalizeSeverity accepts both ModSecurity's numeric severities
// (0=EMERGENCY..7=DEBUG, lower is worse) and its named severities.
func normalizeSeverity(raw string) store.Severity {
	raw = strings.TrimSpace(strings.ToUpper(raw))
	switch raw {
	case "EMERGENCY", "ALERT", "CRITICAL", "0", "1", "2":
		return store.SeverityCritical
	case "ERROR", "3":
		return store.SeverityHigh
	case "WARNING", "4":
		return store.SeverityMedium
	case "NOTICE", "INFO", "DEBUG", "5", "6", "7":
		return store.SeverityLow
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 2 {
			return store.SeverityCritical
		} else if n == 3 {
			return store.SeverityHigh
		} else if n == 4 {
			return store.SeverityMedium
		}
		return store.SeverityLow
	}
	return store.SeverityMedium
}
