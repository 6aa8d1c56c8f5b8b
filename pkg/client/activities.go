package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActivitiesClient reads and appends to a family's activity log.
type ActivitiesClient struct {
	client *Client
}

// FeedOptions filters the activity feed. Zero values mean no filter.
type FeedOptions struct {
	Since    time.Time
	ChildIDs []string
	// IncludeHidden adds merged sources and tombstoned events.
	IncludeHidden bool
	Limit         int
}

func (o *FeedOptions) values() url.Values {
	q := url.Values{}
	if o == nil {
		return q
	}
	if !o.Since.IsZero() {
		q.Set("since", o.Since.UTC().Format(time.RFC3339))
	}
	if len(o.ChildIDs) > 0 {
		q.Set("child_id", strings.Join(o.ChildIDs, ","))
	}
	if o.IncludeHidden {
		q.Set("include_hidden", "true")
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// RangeOptions bounds exports and summaries. Zero times leave the bound to
// the server.
type RangeOptions struct {
	From     time.Time
	To       time.Time
	ChildIDs []string
}

func (o *RangeOptions) values() url.Values {
	q := url.Values{}
	if o == nil {
		return q
	}
	if !o.From.IsZero() {
		q.Set("from", o.From.UTC().Format(time.RFC3339))
	}
	if !o.To.IsZero() {
		q.Set("to", o.To.UTC().Format(time.RFC3339))
	}
	if len(o.ChildIDs) > 0 {
		q.Set("child_id", strings.Join(o.ChildIDs, ","))
	}
	return q
}

// Append records an activity for a child. A write that overlaps another
// caregiver's record still succeeds; the opened conflict is returned in
// AppendResult.Conflict.
//
// Every append carries an event ID, generated here when req has none, so the
// call is retried like any idempotent request and never logs the care twice.
func (a *ActivitiesClient) Append(ctx context.Context, familyID, childID string, req *AppendRequest) (*AppendResult, error) {
	body := *req
	if body.EventID == "" {
		body.EventID = uuid.New().String()
	}
	r := newRequest(http.MethodPost, familyPath(familyID, "children", childID, "activities"))
	r.body = &body
	r.idempotent = true

	var out AppendResult
	if _, err := a.client.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Feed returns the caller's view of the activity log, newest last.
func (a *ActivitiesClient) Feed(ctx context.Context, familyID string, opts *FeedOptions) ([]*Event, error) {
	var out []*Event
	if err := a.client.get(ctx, familyPath(familyID, "activities"), opts.values(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PhotoUploadURL returns a presigned PUT URL. Upload the image there, then
// Append a "photo" activity with payload object_key set to the returned key.
func (a *ActivitiesClient) PhotoUploadURL(ctx context.Context, familyID, childID, contentType string) (*PresignedURL, error) {
	var out PresignedURL
	body := map[string]string{"child_id": childID, "content_type": contentType}
	if err := a.client.post(ctx, familyPath(familyID, "children", childID, "photos"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *ActivitiesClient) Export(ctx context.Context, familyID string, opts *RangeOptions) (*Export, error) {
	var out Export
	if err := a.client.get(ctx, familyPath(familyID, "export"), opts.values(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *ActivitiesClient) Summary(ctx context.Context, familyID string, opts *RangeOptions) (*Summary, error) {
	var out Summary
	if err := a.client.get(ctx, familyPath(familyID, "analytics"), opts.values(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
