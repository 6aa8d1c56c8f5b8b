package client

import (
	"context"
	"net/http"
	"time"
)

// MembersClient changes what a member may do. The caller needs
// can_manage_grants.
type MembersClient struct {
	client *Client
}

func capabilityPath(familyID, memberID, capability string) string {
	return familyPath(familyID, "members", memberID, "capabilities", capability)
}

// Grant adds a capability such as "can_export_data".
func (m *MembersClient) Grant(ctx context.Context, familyID, memberID, capability string) (*Member, error) {
	var out Member
	if err := m.client.post(ctx, capabilityPath(familyID, memberID, capability), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *MembersClient) Revoke(ctx context.Context, familyID, memberID, capability string) (*Member, error) {
	var out Member
	if err := m.client.delete(ctx, capabilityPath(familyID, memberID, capability), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetExpiry bounds the member's access. A nil expiresAt makes it permanent.
func (m *MembersClient) SetExpiry(ctx context.Context, familyID, memberID string, expiresAt *time.Time) (*Member, error) {
	body := struct {
		ExpiresAt *time.Time `json:"expires_at"`
	}{expiresAt}

	var out Member
	if err := m.client.put(ctx, familyPath(familyID, "members", memberID, "expiry"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetChildScope limits the member to the given children. An empty list
// removes the limit.
func (m *MembersClient) SetChildScope(ctx context.Context, familyID, memberID string, childIDs []string) (*Member, error) {
	if childIDs == nil {
		childIDs = []string{}
	}
	body := struct {
		ChildIDs []string `json:"child_ids"`
	}{childIDs}

	var out Member
	if err := m.client.put(ctx, familyPath(familyID, "members", memberID, "scope"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PresenceClient reports and reads who is currently caring.
type PresenceClient struct {
	client *Client
}

// Heartbeat refreshes the caller's presence. Status is ONLINE, CARING or
// OFFLINE; CARING takes the child being cared for.
func (p *PresenceClient) Heartbeat(ctx context.Context, familyID string, req *HeartbeatRequest) (*PresenceRecord, error) {
	r := newRequest(http.MethodPost, familyPath(familyID, "presence", "heartbeat"))
	r.body = req
	r.idempotent = true

	var out PresenceRecord
	if _, err := p.client.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PresenceClient) List(ctx context.Context, familyID string) ([]*PresenceRecord, error) {
	var out []*PresenceRecord
	if err := p.client.get(ctx, familyPath(familyID, "presence"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SyncClient uploads actions a device queued while offline.
type SyncClient struct {
	client *Client
}

// Push sends a batch. Per-action failures are reported in the results, not
// as an error. Batches are keyed by device sequence, so a retried push does
// not apply an action twice.
func (s *SyncClient) Push(ctx context.Context, familyID string, batch *SyncBatch) (*SyncBatchResult, error) {
	r := newRequest(http.MethodPost, familyPath(familyID, "sync"))
	r.body = batch
	r.idempotent = true
	if batch.DeviceID != "" {
		r.header.Set("X-Device-ID", batch.DeviceID)
	}

	var out SyncBatchResult
	if _, err := s.client.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
