package providers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/arcfence/controlplane/internal/cperrors"
	"github.com/arcfence/controlplane/internal/validator"
)

// runArgv executes binary with argv exactly as given, never through a
// shell, so no operator input can be interpreted as a shell metacharacter
// (spec.md §4.8, §9; testable property 9). stdin, if non-nil, is piped to
// the child.
func runArgv(ctx context.Context, timeout time.Duration, binary string, args []string, stdin string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, binary, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return out.String(), cperrors.TransientFailure(cctx.Err(), "%s timed out", binary)
	}
	if err != nil {
		return out.String(), cperrors.ExternalFailure(err, "%s failed: %s", binary, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// validateIPs rejects the whole batch if any member fails validation, so a
// single malformed entry can never reach a child process (spec.md §9).
func validateIPs(ips ...string) error {
	for _, ip := range ips {
		if err := validator.ValidateIPOrCIDR(ip); err != nil {
			return err
		}
	}
	return nil
}

// --- Firewalld -------------------------------------------------------------

// Firewalld drives `firewall-cmd` rich rules in the named zone (spec.md
// §4.8). Each ban is one "rich rule" reject, added to both the runtime and
// permanent configuration so it survives a daemon restart.
type Firewalld struct {
	Binary  string
	Zone    string
	Timeout time.Duration
}

func NewFirewalld(zone string) *Firewalld {
	return &Firewalld{Binary: "firewall-cmd", Zone: zone, Timeout: 10 * time.Second}
}

func (f *Firewalld) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: false, SupportsExpiry: false, SupportsSync: true}
}

func (f *Firewalld) richRule(ip string) string {
	return fmt.Sprintf(`rule family="ipv4" source address="%s" reject`, ip)
}

func (f *Firewalld) TestConnection(ctx context.Context) (bool, string, error) {
	out, err := runArgv(ctx, f.Timeout, f.Binary, []string{"--state"}, "")
	if err != nil {
		return false, err.Error(), err
	}
	return true, strings.TrimSpace(out), nil
}

func (f *Firewalld) BanIP(ctx context.Context, ip, reason string, durationSeconds int) (string, error) {
	if err := validateIPs(ip); err != nil {
		return "", err
	}
	rule := f.richRule(ip)
	if _, err := runArgv(ctx, f.Timeout, f.Binary, []string{"--zone=" + f.Zone, "--add-rich-rule=" + rule}, ""); err != nil {
		return "", err
	}
	if _, err := runArgv(ctx, f.Timeout, f.Binary, []string{"--permanent", "--zone=" + f.Zone, "--add-rich-rule=" + rule}, ""); err != nil {
		return "", err
	}
	return ip, nil
}

func (f *Firewalld) UnbanIP(ctx context.Context, ip, banID string) error {
	if err := validateIPs(ip); err != nil {
		return err
	}
	rule := f.richRule(ip)
	if _, err := runArgv(ctx, f.Timeout, f.Binary, []string{"--zone=" + f.Zone, "--remove-rich-rule=" + rule}, ""); err != nil {
		return err
	}
	_, err := runArgv(ctx, f.Timeout, f.Binary, []string{"--permanent", "--zone=" + f.Zone, "--remove-rich-rule=" + rule}, "")
	return err
}

func (f *Firewalld) GetBannedIPs(ctx context.Context) ([]BannedIP, error) {
	out, err := runArgv(ctx, f.Timeout, f.Binary, []string{"--zone=" + f.Zone, "--list-rich-rules"}, "")
	if err != nil {
		return nil, err
	}
	var bans []BannedIP
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "reject") {
			continue
		}
		start := strings.Index(line, `address="`)
		if start < 0 {
			continue
		}
		start += len(`address="`)
		end := strings.Index(line[start:], `"`)
		if end < 0 {
			continue
		}
		ip := line[start : start+end]
		bans = append(bans, BannedIP{IP: ip, BanID: ip})
	}
	return bans, nil
}

func (f *Firewalld) BatchBanIPs(ctx context.Context, ips []BanRequest) (int, map[string]string, error) {
	return 0, nil, cperrors.InvalidInput("firewalld provider does not support batch operations")
}

func (f *Firewalld) BatchUnbanIPs(ctx context.Context, ips []string) (int, error) {
	return 0, cperrors.InvalidInput("firewalld provider does not support batch operations")
}

// --- UFW ---------------------------------------------------------------

// UFW drives Uncomplicated Firewall via `ufw` argv invocations (spec.md
// §4.8). UFW has no native "list my rules by tag" output format stable
// enough to parse reliably, so GetBannedIPs reports an empty list;
// ban/unban remain authoritative against the live ruleset.
type UFW struct {
	Binary  string
	Timeout time.Duration
}

func NewUFW() *UFW {
	return &UFW{Binary: "ufw", Timeout: 10 * time.Second}
}

func (u *UFW) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: false, SupportsExpiry: false, SupportsSync: false}
}

func (u *UFW) TestConnection(ctx context.Context) (bool, string, error) {
	out, err := runArgv(ctx, u.Timeout, u.Binary, []string{"status"}, "")
	if err != nil {
		return false, err.Error(), err
	}
	return true, strings.TrimSpace(out), nil
}

func (u *UFW) BanIP(ctx context.Context, ip, reason string, durationSeconds int) (string, error) {
	if err := validateIPs(ip); err != nil {
		return "", err
	}
	if _, err := runArgv(ctx, u.Timeout, u.Binary, []string{"insert", "1", "deny", "from", ip, "to", "any"}, ""); err != nil {
		return "", err
	}
	return ip, nil
}

func (u *UFW) UnbanIP(ctx context.Context, ip, banID string) error {
	if err := validateIPs(ip); err != nil {
		return err
	}
	_, err := runArgv(ctx, u.Timeout, u.Binary, []string{"delete", "deny", "from", ip, "to", "any"}, "")
	return err
}

func (u *UFW) GetBannedIPs(ctx context.Context) ([]BannedIP, error) {
	return nil, nil
}

func (u *UFW) BatchBanIPs(ctx context.Context, ips []BanRequest) (int, map[string]string, error) {
	return 0, nil, cperrors.InvalidInput("ufw provider does not support batch operations")
}

func (u *UFW) BatchUnbanIPs(ctx context.Context, ips []string) (int, error) {
	return 0, cperrors.InvalidInput("ufw provider does not support batch operations")
}

// --- ipset ---------------------------------------------------------------

// IPSet drives a single ipset set (hash:ip family) via `ipset` argv
// invocations, feeding batch operations through `ipset restore` on stdin
// rather than spawning one process per IP (spec.md §4.8: "batch-capable
// providers dispatch as a single operation").
type IPSet struct {
	Binary  string
	SetName string
	Timeout time.Duration
}

func NewIPSet(setName string) *IPSet {
	return &IPSet{Binary: "ipset", SetName: setName, Timeout: 10 * time.Second}
}

func (s *IPSet) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: true, SupportsExpiry: true, SupportsSync: true}
}

func (s *IPSet) TestConnection(ctx context.Context) (bool, string, error) {
	out, err := runArgv(ctx, s.Timeout, s.Binary, []string{"list", s.SetName, "-name"}, "")
	if err != nil {
		return false, err.Error(), err
	}
	return true, strings.TrimSpace(out), nil
}

func (s *IPSet) BanIP(ctx context.Context, ip, reason string, durationSeconds int) (string, error) {
	if err := validateIPs(ip); err != nil {
		return "", err
	}
	args := []string{"add", s.SetName, ip, "-exist"}
	if durationSeconds > 0 {
		args = append(args, "timeout", fmt.Sprintf("%d", durationSeconds))
	}
	if _, err := runArgv(ctx, s.Timeout, s.Binary, args, ""); err != nil {
		return "", err
	}
	return ip, nil
}

func (s *IPSet) UnbanIP(ctx context.Context, ip, banID string) error {
	if err := validateIPs(ip); err != nil {
		return err
	}
	_, err := runArgv(ctx, s.Timeout, s.Binary, []string{"del", s.SetName, ip, "-exist"}, "")
	return err
}

func (s *IPSet) GetBannedIPs(ctx context.Context) ([]BannedIP, error) {
	out, err := runArgv(ctx, s.Timeout, s.Binary, []string{"list", s.SetName}, "")
	if err != nil {
		return nil, err
	}
	var bans []BannedIP
	inMembers := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "Members:" {
			inMembers = true
			continue
		}
		if !inMembers || line == "" {
			continue
		}
		ip := strings.Fields(line)[0]
		bans = append(bans, BannedIP{IP: ip, BanID: ip})
	}
	return bans, nil
}

// BatchBanIPs writes one `ipset restore` script covering every requested IP
// so N bans become a single child-process invocation.
func (s *IPSet) BatchBanIPs(ctx context.Context, reqs []BanRequest) (int, map[string]string, error) {
	for _, r := range reqs {
		if err := validateIPs(r.IP); err != nil {
			return 0, nil, err
		}
	}
	var script strings.Builder
	banIDs := make(map[string]string, len(reqs))
	for _, r := range reqs {
		fmt.Fprintf(&script, "add %s %s -exist", s.SetName, r.IP)
		if r.DurationSeconds > 0 {
			fmt.Fprintf(&script, " timeout %d", r.DurationSeconds)
		}
		script.WriteString("\n")
		banIDs[r.IP] = r.IP
	}
	if _, err := runArgv(ctx, s.Timeout, s.Binary, []string{"restore"}, script.String()); err != nil {
		return 0, nil, err
	}
	return len(reqs), banIDs, nil
}

func (s *IPSet) BatchUnbanIPs(ctx context.Context, ips []string) (int, error) {
	if err := validateIPs(ips...); err != nil {
		return 0, err
	}
	var script strings.Builder
	for _, ip := range ips {
		fmt.Fprintf(&script, "del %s %s -exist\n", s.SetName, ip)
	}
	if _, err := runArgv(ctx, s.Timeout, s.Binary, []string{"restore"}, script.String()); err != nil {
		return 0, err
	}
	return len(ips), nil
}
