package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ConflictsClient lists and resolves duplicate or overlapping records.
type ConflictsClient struct {
	client *Client
}

// ConflictListOptions filters List. Statuses match case-insensitively.
type ConflictListOptions struct {
	Statuses []string
	ChildID  string
	Limit    int
}

func (c *ConflictsClient) List(ctx context.Context, familyID string, opts *ConflictListOptions) ([]*Conflict, error) {
	q := url.Values{}
	if opts != nil {
		if len(opts.Statuses) > 0 {
			q.Set("status", strings.Join(opts.Statuses, ","))
		}
		if opts.ChildID != "" {
			q.Set("child_id", opts.ChildID)
		}
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	var out []*Conflict
	if err := c.client.get(ctx, familyPath(familyID, "conflicts"), q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ConflictsClient) Get(ctx context.Context, familyID, conflictID string) (*Conflict, error) {
	var out Conflict
	if err := c.client.get(ctx, familyPath(familyID, "conflicts", conflictID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve applies a decision to the conflict at req.ExpectedVersion. When
// another resolver got there first the error satisfies APIError.IsStale.
// Resolving again with the same decision is answered with the original
// outcome and Outcome.Replayed set.
func (c *ConflictsClient) Resolve(ctx context.Context, familyID, conflictID string, req *ResolveRequest) (*Outcome, error) {
	r := newRequest(http.MethodPost, familyPath(familyID, "conflicts", conflictID, "resolve"))
	r.body = req
	if req.ExpectedVersion > 0 {
		r.header.Set("If-Match", strconv.Quote(strconv.FormatInt(req.ExpectedVersion, 10)))
	}
	// The version check makes a repeated resolve harmless.
	r.idempotent = true

	var out Outcome
	if _, err := c.client.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Policy returns the detection policy in force on the server.
func (c *ConflictsClient) Policy(ctx context.Context) (*ConflictPolicy, error) {
	var out ConflictPolicy
	if err := c.client.get(ctx, "/conflict-policy", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
