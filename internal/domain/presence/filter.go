package presence

// FilterVisible trims recs to what a viewer may see. With viewAll every
// record is returned; otherwise the viewer sees their own record plus CARING
// records for children canAccess admits.
func FilterVisible(recs []*Record, viewerUserID string, viewAll bool, canAccess func(childID string) bool) []*Record {
	if viewAll {
		return recs
	}
	out := make([]*Record, 0, len(recs))
	for _, r := range recs {
		switch {
		case r.UserID == viewerUserID:
			out = append(out, r)
		case r.Status == StatusCaring && r.ChildID != "" && canAccess != nil && canAccess(r.ChildID):
			out = append(out, r)
		}
	}
	return out
}
