// Package accounts stores author profiles and follow relationships and
// serves them as the feed's social graph.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidAccount indicates an account without a usable identifier.
var ErrInvalidAccount = errors.New("accounts: invalid account")

// DirectoryConfig describes the dependencies of a Directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Directory implements feed.SocialGraph over gorm.
type Directory struct {
	db  *gorm.DB
	now func() time.Time
	// summaries caches author summaries by account id.
	summaries sync.Map
}

// NewDirectory constructs a Directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Directory{db: cfg.Database, now: clock}, nil
}

// EnsureAccount creates the account when missing and refreshes its profile
// fields otherwise. The privacy flag is only set on creation.
func (d *Directory) EnsureAccount(ctx context.Context, summary feed.AuthorSummary) (feed.AuthorSummary, error) {
	id := normalize(summary.ID)
	if id == "" {
		return feed.AuthorSummary{}, ErrInvalidAccount
	}
	username := normalize(summary.Username)
	if username == "" {
		username = id
	}
	var account Account
	err := d.db.WithContext(ctx).Where("account_id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = Account{
			ID:          id,
			Username:    username,
			DisplayName: normalize(summary.DisplayName),
			AvatarURL:   normalize(summary.AvatarURL),
			IsPrivate:   summary.IsPrivate,
		}
		if err := d.db.WithContext(ctx).Create(&account).Error; err != nil {
			return feed.AuthorSummary{}, err
		}
	} else if err != nil {
		return feed.AuthorSummary{}, err
	} else {
		updates := map[string]interface{}{}
		if display := normalize(summary.DisplayName); display != "" && display != account.DisplayName {
			updates["display_name"] = display
			account.DisplayName = display
		}
		if avatar := normalize(summary.AvatarURL); avatar != "" && avatar != account.AvatarURL {
			updates["avatar_url"] = avatar
			account.AvatarURL = avatar
		}
		if len(updates) > 0 {
			updates["updated_at"] = d.now()
			if err := d.db.WithContext(ctx).Model(&Account{}).Where("account_id = ?", id).Updates(updates).Error; err != nil {
				return feed.AuthorSummary{}, err
			}
		}
	}
	resolved := toSummary(account)
	d.summaries.Store(id, resolved)
	return resolved, nil
}

// SetPrivate changes an account's privacy setting.
func (d *Directory) SetPrivate(ctx context.Context, accountID string, private bool) error {
	result := d.db.WithContext(ctx).Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{"is_private": private, "updated_at": d.now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return feed.ErrNotFound
	}
	d.summaries.Delete(accountID)
	return nil
}

// Following implements feed.SocialGraph.
func (d *Directory) Following(ctx context.Context, viewer feed.ViewerID) ([]feed.Relationship, error) {
	type row struct {
		FolloweeID string
		Status     string
		IsPrivate  bool
	}
	var rows []row
	err := d.db.WithContext(ctx).
		Table("follows").
		Select("follows.followee_id AS followee_id, follows.status AS status, accounts.is_private AS is_private").
		Joins("JOIN accounts ON accounts.account_id = follows.followee_id").
		Where("follows.follower_id = ?", viewer.String()).
		Scan(&rows).
		Error
	if err != nil {
		return nil, err
	}
	out := make([]feed.Relationship, 0, len(rows))
	for _, r := range rows {
		out = append(out, feed.Relationship{
			AuthorID:      r.FolloweeID,
			Status:        feed.FollowStatus(r.Status),
			AuthorPrivate: r.IsPrivate,
		})
	}
	return out, nil
}

// Relationship implements feed.SocialGraph. It always reads the store so
// per-event authorization sees privacy and follow changes immediately.
func (d *Directory) Relationship(ctx context.Context, viewer feed.ViewerID, authorID string) (feed.Relationship, error) {
	var account Account
	err := d.db.WithContext(ctx).Where("account_id = ?", authorID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return feed.Relationship{AuthorID: authorID, Status: feed.FollowNone}, nil
	}
	if err != nil {
		return feed.Relationship{}, err
	}
	rel := feed.Relationship{AuthorID: authorID, Status: feed.FollowNone, AuthorPrivate: account.IsPrivate}
	var edge Follow
	err = d.db.WithContext(ctx).
		Where("follower_id = ? AND followee_id = ?", viewer.String(), authorID).
		First(&edge).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return feed.Relationship{}, err
	default:
		rel.Status = feed.FollowStatus(edge.Status)
	}
	return rel, nil
}

// Summaries implements feed.SocialGraph.
func (d *Directory) Summaries(ctx context.Context, authorIDs []string) (map[string]feed.AuthorSummary, error) {
	out := make(map[string]feed.AuthorSummary, len(authorIDs))
	missing := make([]string, 0, len(authorIDs))
	for _, id := range authorIDs {
		if _, seen := out[id]; seen {
			continue
		}
		if cached, ok := d.summaries.Load(id); ok {
			if summary, ok := cached.(feed.AuthorSummary); ok {
				out[id] = summary
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	var accounts []Account
	if err := d.db.WithContext(ctx).Where("account_id IN ?", missing).Find(&accounts).Error; err != nil {
		return nil, err
	}
	for _, account := range accounts {
		summary := toSummary(account)
		d.summaries.Store(account.ID, summary)
		out[account.ID] = summary
	}
	return out, nil
}

// SetFollow implements feed.SocialGraph. Following a private account
// creates a pending request; unfollowing removes the edge.
func (d *Directory) SetFollow(ctx context.Context, viewer feed.ViewerID, authorID string, follow bool) (feed.Relationship, error) {
	var account Account
	err := d.db.WithContext(ctx).Where("account_id = ?", authorID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return feed.Relationship{}, feed.ErrNotFound
	}
	if err != nil {
		return feed.Relationship{}, err
	}
	if authorID == viewer.String() {
		return feed.Relationship{}, feed.ErrForbidden
	}
	if !follow {
		err := d.db.WithContext(ctx).
			Where("follower_id = ? AND followee_id = ?", viewer.String(), authorID).
			Delete(&Follow{}).
			Error
		if err != nil {
			return feed.Relationship{}, err
		}
		return feed.Relationship{AuthorID: authorID, Status: feed.FollowNone, AuthorPrivate: account.IsPrivate}, nil
	}
	status := feed.FollowAccepted
	if account.IsPrivate {
		status = feed.FollowPending
	}
	edge := Follow{FollowerID: viewer.String(), FolloweeID: authorID, Status: string(status)}
	// An existing accepted edge stays accepted.
	err = d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "follower_id"}, {Name: "followee_id"}},
		DoNothing: true,
	}).Create(&edge).Error
	if err != nil {
		return feed.Relationship{}, err
	}
	return d.Relationship(ctx, viewer, authorID)
}

// AcceptFollow promotes a pending follow request to accepted.
func (d *Directory) AcceptFollow(ctx context.Context, ownerID, followerID string) error {
	result := d.db.WithContext(ctx).Model(&Follow{}).
		Where("follower_id = ? AND followee_id = ? AND status = ?", followerID, ownerID, string(feed.FollowPending)).
		Updates(map[string]interface{}{"status": string(feed.FollowAccepted), "updated_at": d.now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return feed.ErrNotFound
	}
	return nil
}

func toSummary(account Account) feed.AuthorSummary {
	return feed.AuthorSummary{
		ID:          account.ID,
		Username:    account.Username,
		DisplayName: account.DisplayName,
		AvatarURL:   account.AvatarURL,
		IsPrivate:   account.IsPrivate,
	}
}
