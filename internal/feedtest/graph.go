package feedtest

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
)

// Graph is an in-memory feed.SocialGraph.
type Graph struct {
	mu               sync.Mutex
	accounts         map[string]feed.AuthorSummary
	follows          map[string]map[string]feed.FollowStatus
	failFollowing    error
	failRelationship error
	failSetFollow    error
	relationshipHits int
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		accounts: make(map[string]feed.AuthorSummary),
		follows:  make(map[string]map[string]feed.FollowStatus),
	}
}

// AddAccount registers an author.
func (g *Graph) AddAccount(summary feed.AuthorSummary) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[summary.ID] = summary
}

// Follow records a follow edge with the given status.
func (g *Graph) Follow(viewer, author string, status feed.FollowStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.follows[viewer] == nil {
		g.follows[viewer] = make(map[string]feed.FollowStatus)
	}
	g.follows[viewer][author] = status
}

// FailFollowing makes Following fail; nil clears the failure.
func (g *Graph) FailFollowing(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failFollowing = err
}

// FailRelationship makes Relationship fail; nil clears the failure.
func (g *Graph) FailRelationship(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failRelationship = err
}

// FailSetFollow makes SetFollow fail; nil clears the failure.
func (g *Graph) FailSetFollow(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failSetFollow = err
}

// RelationshipHits counts Relationship lookups.
func (g *Graph) RelationshipHits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.relationshipHits
}

// Following implements feed.SocialGraph.
func (g *Graph) Following(_ context.Context, viewer feed.ViewerID) ([]feed.Relationship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFollowing != nil {
		return nil, g.failFollowing
	}
	out := make([]feed.Relationship, 0, len(g.follows[viewer.String()]))
	for author, status := range g.follows[viewer.String()] {
		out = append(out, feed.Relationship{
			AuthorID:      author,
			Status:        status,
			AuthorPrivate: g.accounts[author].IsPrivate,
		})
	}
	return out, nil
}

// Relationship implements feed.SocialGraph.
func (g *Graph) Relationship(_ context.Context, viewer feed.ViewerID, authorID string) (feed.Relationship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relationshipHits++
	if g.failRelationship != nil {
		return feed.Relationship{}, g.failRelationship
	}
	status, ok := g.follows[viewer.String()][authorID]
	if !ok {
		status = feed.FollowNone
	}
	return feed.Relationship{
		AuthorID:      authorID,
		Status:        status,
		AuthorPrivate: g.accounts[authorID].IsPrivate,
	}, nil
}

// Summaries implements feed.SocialGraph.
func (g *Graph) Summaries(_ context.Context, authorIDs []string) (map[string]feed.AuthorSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]feed.AuthorSummary, len(authorIDs))
	for _, id := range authorIDs {
		if summary, ok := g.accounts[id]; ok {
			out[id] = summary
		}
	}
	return out, nil
}

// SetFollow implements feed.SocialGraph: private accounts yield pending.
func (g *Graph) SetFollow(_ context.Context, viewer feed.ViewerID, authorID string, follow bool) (feed.Relationship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSetFollow != nil {
		return feed.Relationship{}, g.failSetFollow
	}
	private := g.accounts[authorID].IsPrivate
	if !follow {
		delete(g.follows[viewer.String()], authorID)
		return feed.Relationship{AuthorID: authorID, Status: feed.FollowNone, AuthorPrivate: private}, nil
	}
	status := feed.FollowAccepted
	if private {
		status = feed.FollowPending
	}
	if g.follows[viewer.String()] == nil {
		g.follows[viewer.String()] = make(map[string]feed.FollowStatus)
	}
	g.follows[viewer.String()][authorID] = status
	return feed.Relationship{AuthorID: authorID, Status: status, AuthorPrivate: private}, nil
}
