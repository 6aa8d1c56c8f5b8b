package client

import (
	"context"
)

// InvitationsClient issues, revokes and redeems invitations.
type InvitationsClient struct {
	client *Client
}

// Create issues an invitation. The returned Invitation.Token is shown only
// here; hand it to the invitee out of band.
func (i *InvitationsClient) Create(ctx context.Context, familyID string, req *CreateInvitationRequest) (*Invitation, error) {
	var out Invitation
	if err := i.client.post(ctx, familyPath(familyID, "invitations"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (i *InvitationsClient) List(ctx context.Context, familyID string) ([]*Invitation, error) {
	var out []*Invitation
	if err := i.client.get(ctx, familyPath(familyID, "invitations"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *InvitationsClient) Revoke(ctx context.Context, familyID, invitationID string) (*Invitation, error) {
	var out Invitation
	if err := i.client.delete(ctx, familyPath(familyID, "invitations", invitationID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Accept redeems token for the caller. An empty displayName falls back to
// the name in the caller's bearer token.
func (i *InvitationsClient) Accept(ctx context.Context, token, displayName string) (*AcceptResult, error) {
	body := struct {
		Token       string `json:"token"`
		DisplayName string `json:"display_name,omitempty"`
	}{Token: token, DisplayName: displayName}

	var out AcceptResult
	if err := i.client.post(ctx, "/invitations/accept", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
