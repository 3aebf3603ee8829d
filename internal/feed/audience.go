package feed

// FollowStatus describes the viewer's follow relationship toward an author.
type FollowStatus string

const (
	FollowNone     FollowStatus = "none"
	FollowPending  FollowStatus = "pending"
	FollowAccepted FollowStatus = "accepted"
)

// Relationship is the viewer's view of one author.
type Relationship struct {
	AuthorID      string
	Status        FollowStatus
	AuthorPrivate bool
}

// Following reports whether the viewer has an active follow (pending or accepted).
func (r Relationship) Following() bool {
	return r.Status == FollowPending || r.Status == FollowAccepted
}

// CanSee decides whether viewer may see content authored by the related
// account: own content, followed public accounts, and private accounts only
// once the follow has been accepted.
func CanSee(viewer ViewerID, rel Relationship) bool {
	if rel.AuthorID == viewer.String() {
		return true
	}
	if !rel.Following() {
		return false
	}
	return !rel.AuthorPrivate || rel.Status == FollowAccepted
}

// Audience is the set of authors a viewer may see, split the way the content
// store filters: author membership and private-account gating.
type Audience struct {
	Viewer ViewerID
	// AuthorIDs lists every author whose content may appear.
	AuthorIDs []string
	// PrivateAllowed lists authors whose private content may appear.
	PrivateAllowed []string
}

// NewAudience derives an Audience from the viewer's relationships.
func NewAudience(viewer ViewerID, relationships []Relationship) Audience {
	audience := Audience{
		Viewer:         viewer,
		AuthorIDs:      []string{viewer.String()},
		PrivateAllowed: []string{viewer.String()},
	}
	seen := map[string]struct{}{viewer.String(): {}}
	for _, rel := range relationships {
		if _, dup := seen[rel.AuthorID]; dup || !CanSee(viewer, rel) {
			continue
		}
		seen[rel.AuthorID] = struct{}{}
		audience.AuthorIDs = append(audience.AuthorIDs, rel.AuthorID)
		if rel.Status == FollowAccepted {
			audience.PrivateAllowed = append(audience.PrivateAllowed, rel.AuthorID)
		}
	}
	return audience
}

// OwnContentOnly narrows the audience to the viewer alone.
func OwnContentOnly(viewer ViewerID) Audience {
	return NewAudience(viewer, nil)
}

// Filter converts the audience into a content store filter.
func (a Audience) Filter() Filter {
	return Filter{
		ViewerID:       a.Viewer.String(),
		AuthorIDs:      append([]string(nil), a.AuthorIDs...),
		PrivateAllowed: append([]string(nil), a.PrivateAllowed...),
	}
}
