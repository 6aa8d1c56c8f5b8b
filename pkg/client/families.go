package client

import (
	"context"
)

// FamiliesClient manages families, their children and membership.
type FamiliesClient struct {
	client *Client
}

// List returns the families the caller belongs to.
func (f *FamiliesClient) List(ctx context.Context) ([]*Family, error) {
	var out []*Family
	if err := f.client.get(ctx, "/families", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create makes a new family with the caller as owner.
func (f *FamiliesClient) Create(ctx context.Context, req *CreateFamilyRequest) (*FamilyView, error) {
	var out FamilyView
	if err := f.client.post(ctx, "/families", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *FamiliesClient) Get(ctx context.Context, familyID string) (*FamilyView, error) {
	var out FamilyView
	if err := f.client.get(ctx, familyPath(familyID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Archive makes the family read-only. Only the owner may archive.
func (f *FamiliesClient) Archive(ctx context.Context, familyID string) (*Family, error) {
	var out Family
	if err := f.client.post(ctx, familyPath(familyID, "archive"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *FamiliesClient) AddChild(ctx context.Context, familyID string, req *AddChildRequest) (*Child, error) {
	var out Child
	if err := f.client.post(ctx, familyPath(familyID, "children"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *FamiliesClient) ListChildren(ctx context.Context, familyID string) ([]*Child, error) {
	var out []*Child
	if err := f.client.get(ctx, familyPath(familyID, "children"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FamiliesClient) ListMembers(ctx context.Context, familyID string) ([]*Member, error) {
	var out []*Member
	if err := f.client.get(ctx, familyPath(familyID, "members"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FamiliesClient) RemoveMember(ctx context.Context, familyID, memberID string) error {
	return f.client.delete(ctx, familyPath(familyID, "members", memberID), nil)
}
