package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arcfence/controlplane/internal/cperrors"
	"github.com/arcfence/controlplane/internal/validator"
)

// UniFi talks to a UniFi Network Controller's firewall-group API (cloud or
// local variant, spec.md §4.8). Batch support is implemented client-side by
// rewriting the controller's firewall group membership in one request.
type UniFi struct {
	BaseURL    string
	APIKey     string
	SiteID     string
	GroupID    string // firewall group holding banned addresses
	HTTPClient *http.Client
}

// NewUniFi constructs a UniFi provider with a bounded HTTP client
// (spec.md §5: "provider HTTP ≤ 30 s").
func NewUniFi(baseURL, apiKey, siteID, groupID string) *UniFi {
	return &UniFi{
		BaseURL: baseURL, APIKey: apiKey, SiteID: siteID, GroupID: groupID,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (u *UniFi) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: true, SupportsExpiry: false, SupportsSync: true}
}

type unifiGroupResponse struct {
	Data []struct {
		ID            string   `json:"_id"`
		GroupMembers  []string `json:"group_members"`
	} `json:"data"`
}

func (u *UniFi) groupURL() string {
	return fmt.Sprintf("%s/api/s/%s/rest/firewallgroup/%s", u.BaseURL, u.SiteID, u.GroupID)
}

func (u *UniFi) doRequest(ctx context.Context, method, url string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, cperrors.Internal(err, "marshal unifi request body")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, cperrors.Internal(err, "build unifi request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", u.APIKey)

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return nil, cperrors.ExternalFailure(err, "unifi controller request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cperrors.ExternalFailure(err, "read unifi response body")
	}
	if resp.StatusCode >= 400 {
		return nil, cperrors.ExternalFailure(fmt.Errorf("status %d", resp.StatusCode), "unifi controller returned error: %s", string(data))
	}
	return data, nil
}

func (u *UniFi) fetchGroup(ctx context.Context) (id string, members []string, err error) {
	data, err := u.doRequest(ctx, http.MethodGet, u.groupURL(), nil)
	if err != nil {
		return "", nil, err
	}
	var parsed unifiGroupResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", nil, cperrors.ExternalFailure(err, "parse unifi firewall group response")
	}
	if len(parsed.Data) == 0 {
		return "", nil, cperrors.ExternalFailure(nil, "unifi firewall group %s not found", u.GroupID)
	}
	return parsed.Data[0].ID, parsed.Data[0].GroupMembers, nil
}

func (u *UniFi) putGroup(ctx context.Context, id string, members []string) error {
	_, err := u.doRequest(ctx, http.MethodPut, u.groupURL(), map[string]any{
		"_id":           id,
		"group_members": members,
	})
	return err
}

func (u *UniFi) TestConnection(ctx context.Context) (bool, string, error) {
	_, _, err := u.fetchGroup(ctx)
	if err != nil {
		return false, err.Error(), err
	}
	return true, "ok", nil
}

func (u *UniFi) BanIP(ctx context.Context, ip, reason string, durationSeconds int) (string, error) {
	if err := validator.ValidateIPOrCIDR(ip); err != nil {
		return "", err
	}
	id, members, err := u.fetchGroup(ctx)
	if err != nil {
		return "", err
	}
	if !containsString(members, ip) {
		members = append(members, ip)
		if err := u.putGroup(ctx, id, members); err != nil {
			return "", err
		}
	}
	return ip, nil
}

func (u *UniFi) UnbanIP(ctx context.Context, ip, banID string) error {
	if err := validator.ValidateIPOrCIDR(ip); err != nil {
		return err
	}
	id, members, err := u.fetchGroup(ctx)
	if err != nil {
		return err
	}
	filtered := removeString(members, ip)
	return u.putGroup(ctx, id, filtered)
}

func (u *UniFi) GetBannedIPs(ctx context.Context) ([]BannedIP, error) {
	_, members, err := u.fetchGroup(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BannedIP, 0, len(members))
	for _, ip := range members {
		out = append(out, BannedIP{IP: ip, BanID: ip})
	}
	return out, nil
}

func (u *UniFi) BatchBanIPs(ctx context.Context, reqs []BanRequest) (int, map[string]string, error) {
	for _, r := range reqs {
		if err := validator.ValidateIPOrCIDR(r.IP); err != nil {
			return 0, nil, err
		}
	}
	id, members, err := u.fetchGroup(ctx)
	if err != nil {
		return 0, nil, err
	}
	banIDs := make(map[string]string, len(reqs))
	added := 0
	for _, r := range reqs {
		if !containsString(members, r.IP) {
			members = append(members, r.IP)
			added++
		}
		banIDs[r.IP] = r.IP
	}
	if added > 0 {
		if err := u.putGroup(ctx, id, members); err != nil {
			return 0, nil, err
		}
	}
	return added, banIDs, nil
}

func (u *UniFi) BatchUnbanIPs(ctx context.Context, ips []string) (int, error) {
	for _, ip := range ips {
		if err := validator.ValidateIPOrCIDR(ip); err != nil {
			return 0, err
		}
	}
	id, members, err := u.fetchGroup(ctx)
	if err != nil {
		return 0, err
	}
	before := len(members)
	for _, ip := range ips {
		members = removeString(members, ip)
	}
	removed := before - len(members)
	if removed > 0 {
		if err := u.putGroup(ctx, id, members); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
