package session

import (
	"context"

	"github.com/MarcoPoloResearchLab/feedsync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/MarcoPoloResearchLab/feedsync/internal/notify"
	"github.com/MarcoPoloResearchLab/feedsync/internal/optimistic"
	"go.uber.org/zap"
)

const (
	opLike = "session.like"
	opSave = "session.save"
)

func likeSlot(key feed.ItemKey) string   { return "like:" + key.String() }
func saveSlot(key feed.ItemKey) string   { return "save:" + key.String() }
func deleteSlot(key feed.ItemKey) string { return "delete:" + key.String() }
func followSlot(authorID string) string  { return "follow:" + authorID }

// ToggleLike flips the viewer's like on key. The displayed count moves by
// one at once and is replaced by the stored count once the write lands.
func (s *Session) ToggleLike(ctx context.Context, key feed.ItemKey) (LikeState, error) {
	item, ok := s.state.Item(key)
	if !ok {
		return LikeState{}, feed.NewServiceError(opLike, "target_missing", optimistic.ErrTargetMissing)
	}
	result, err := s.likes.Execute(ctx, optimistic.Mutation[LikeState]{
		Slot:    likeSlot(key),
		Binding: s.likeBinding(key),
		Optimistic: func(current LikeState) LikeState {
			if current.Liked {
				return LikeState{Count: feed.ClampCount(current.Count, -1), Liked: false}
			}
			return LikeState{Count: feed.ClampCount(current.Count, 1), Liked: true}
		},
		Remote: func(ctx context.Context, want LikeState) (LikeState, error) {
			mutation := feed.Mutation{Type: feed.MutationLike, ActorID: s.viewer.String()}
			if !want.Liked {
				mutation.Type = feed.MutationUnlike
			}
			record, err := s.store.Write(ctx, key.Kind, key.ID, mutation)
			if err != nil {
				return LikeState{}, err
			}
			return LikeState{Count: record.LikeCount, Liked: record.ViewerHasLiked}, nil
		},
	})
	if err != nil {
		return result.Confirmed, err
	}
	if result.Confirmed.Liked {
		s.dispatch(notify.Notification{
			Type:        notify.TypeLike,
			RecipientID: item.AuthorID,
			ActorID:     s.viewer.String(),
			Content:     &key,
		})
	}
	counts := s.interaction(key, item.Interaction)
	counts.LikeCount = result.Confirmed.Count
	counts.ViewerHasLiked = result.Confirmed.Liked
	s.broadcaster.BroadcastRemote(ctx, broadcast.Event{
		ViewerID: s.viewer.String(),
		Type:     broadcast.EventLike,
		Kind:     key.Kind,
		ItemID:   key.ID,
		AuthorID: item.AuthorID,
		Counts:   &counts,
	})
	s.persist(ctx)
	return result.Confirmed, nil
}

// ToggleSave flips the viewer's save on key.
func (s *Session) ToggleSave(ctx context.Context, key feed.ItemKey) (bool, error) {
	item, ok := s.state.Item(key)
	if !ok {
		return false, feed.NewServiceError(opSave, "target_missing", optimistic.ErrTargetMissing)
	}
	result, err := s.saves.Execute(ctx, optimistic.Mutation[bool]{
		Slot:    saveSlot(key),
		Binding: s.saveBinding(key),
		Optimistic: func(current bool) bool {
			return !current
		},
		Remote: func(ctx context.Context, want bool) (bool, error) {
			mutation := feed.Mutation{Type: feed.MutationSave, ActorID: s.viewer.String()}
			if !want {
				mutation.Type = feed.MutationUnsave
			}
			record, err := s.store.Write(ctx, key.Kind, key.ID, mutation)
			if err != nil {
				return false, err
			}
			return record.ViewerHasSaved, nil
		},
	})
	if err != nil {
		return result.Confirmed, err
	}
	counts := s.interaction(key, item.Interaction)
	counts.ViewerHasSaved = result.Confirmed
	s.broadcaster.BroadcastRemote(ctx, broadcast.Event{
		ViewerID: s.viewer.String(),
		Type:     broadcast.EventSave,
		Kind:     key.Kind,
		ItemID:   key.ID,
		AuthorID: item.AuthorID,
		Counts:   &counts,
	})
	s.persist(ctx)
	return result.Confirmed, nil
}

// ToggleFollow follows authorID, or unfollows when a follow (pending or
// accepted) is displayed. A private author confirms as pending.
func (s *Session) ToggleFollow(ctx context.Context, authorID string) (feed.FollowStatus, error) {
	if authorID == "" {
		return feed.FollowNone, feed.NewServiceError(opFollow, "target_missing", optimistic.ErrTargetMissing)
	}
	if authorID == s.viewer.String() {
		return feed.FollowNone, feed.NewServiceError(opFollow, "self", ErrSelfFollow)
	}
	if _, known := s.state.FollowStatus(authorID); !known {
		relationship, err := s.graph.Relationship(ctx, s.viewer, authorID)
		if err != nil {
			return feed.FollowNone, feed.NewServiceError(opFollow, "relationship_failed", err)
		}
		s.state.SetFollowStatus(authorID, relationship.Status)
	}
	result, err := s.follows.Execute(ctx, optimistic.Mutation[feed.FollowStatus]{
		Slot:    followSlot(authorID),
		Binding: s.followBinding(authorID),
		Optimistic: func(current feed.FollowStatus) feed.FollowStatus {
			if current == feed.FollowNone {
				return feed.FollowAccepted
			}
			return feed.FollowNone
		},
		Remote: func(ctx context.Context, want feed.FollowStatus) (feed.FollowStatus, error) {
			relationship, err := s.graph.SetFollow(ctx, s.viewer, authorID, want != feed.FollowNone)
			if err != nil {
				return feed.FollowNone, err
			}
			return relationship.Status, nil
		},
	})
	if err != nil {
		return result.Confirmed, err
	}
	switch result.Confirmed {
	case feed.FollowAccepted:
		s.dispatch(notify.Notification{Type: notify.TypeFollow, RecipientID: authorID, ActorID: s.viewer.String()})
	case feed.FollowPending:
		s.dispatch(notify.Notification{Type: notify.TypeFollowRequest, RecipientID: authorID, ActorID: s.viewer.String()})
	}
	s.broadcaster.BroadcastRemote(ctx, broadcast.Event{
		ViewerID: s.viewer.String(),
		Type:     broadcast.EventFollow,
		AuthorID: authorID,
		Follow:   result.Confirmed,
	})
	return result.Confirmed, nil
}

// DeleteItem removes one of the viewer's own items. The item disappears at
// once and is restored unchanged when the delete fails.
func (s *Session) DeleteItem(ctx context.Context, key feed.ItemKey) error {
	item, ok := s.state.Item(key)
	if !ok {
		return feed.NewServiceError(opDelete, "target_missing", optimistic.ErrTargetMissing)
	}
	if item.AuthorID != s.viewer.String() {
		return feed.NewServiceError(opDelete, "forbidden", feed.ErrForbidden)
	}
	_, err := s.deletes.Execute(ctx, optimistic.Mutation[presence]{
		Slot:    deleteSlot(key),
		Binding: s.presenceBinding(key),
		Optimistic: func(current presence) presence {
			return presence{item: current.item, present: false}
		},
		Remote: func(ctx context.Context, _ presence) (presence, error) {
			if err := s.store.Delete(ctx, key.Kind, key.ID, s.viewer.String()); err != nil {
				return presence{}, err
			}
			return presence{item: item, present: false}, nil
		},
	})
	s.deletes.Forget(deleteSlot(key))
	if err != nil {
		return err
	}
	s.broadcaster.BroadcastRemote(ctx, broadcast.Event{
		ViewerID: s.viewer.String(),
		Type:     broadcast.EventDelete,
		Kind:     key.Kind,
		ItemID:   key.ID,
		AuthorID: item.AuthorID,
	})
	s.persist(ctx)
	return nil
}

// ApplyRemoteMutation folds an outcome confirmed by another session of the
// same viewer into this one. Events from this session and fields with
// writes still in flight are skipped; the local write settles them.
func (s *Session) ApplyRemoteMutation(_ context.Context, event broadcast.Event) bool {
	if !s.Live() || event.Origin == s.id || event.ViewerID != s.viewer.String() {
		return false
	}
	key := event.Key()
	applied := false
	switch event.Type {
	case broadcast.EventLike:
		if event.Counts == nil || s.likes.InFlight(likeSlot(key)) > 0 {
			return false
		}
		_, applied = s.state.UpdateInteraction(key, func(current feed.Interaction) feed.Interaction {
			current.LikeCount = event.Counts.LikeCount
			current.ViewerHasLiked = event.Counts.ViewerHasLiked
			return current
		})
	case broadcast.EventSave:
		if event.Counts == nil || s.saves.InFlight(saveSlot(key)) > 0 {
			return false
		}
		_, applied = s.state.UpdateInteraction(key, func(current feed.Interaction) feed.Interaction {
			current.ViewerHasSaved = event.Counts.ViewerHasSaved
			return current
		})
	case broadcast.EventFollow:
		if event.AuthorID == "" || s.follows.InFlight(followSlot(event.AuthorID)) > 0 {
			return false
		}
		s.state.SetFollowStatus(event.AuthorID, event.Follow)
		applied = true
	case broadcast.EventDelete:
		if s.deletes.InFlight(deleteSlot(key)) > 0 {
			return false
		}
		_, applied = s.state.Remove(key)
	}
	if applied {
		s.broadcaster.BroadcastLocal(event)
		s.logger.Debug("remote mutation applied",
			zap.String("event_type", string(event.Type)),
			zap.String("origin", event.Origin))
	}
	return applied
}

// LikeState reports the displayed like state of key and its in-flight
// bookkeeping.
func (s *Session) LikeState(key feed.ItemKey) (optimistic.OptimisticState[LikeState], bool) {
	if state, found := s.likes.State(likeSlot(key)); found {
		return state, true
	}
	item, ok := s.state.Item(key)
	if !ok {
		return optimistic.OptimisticState[LikeState]{}, false
	}
	value := LikeState{Count: item.LikeCount, Liked: item.ViewerHasLiked}
	return optimistic.OptimisticState[LikeState]{Value: value, Previous: value}, true
}

func (s *Session) dispatch(notification notify.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(notification)
}

// interaction reads the current interaction fields of key, falling back to
// fallback when the item is no longer displayed.
func (s *Session) interaction(key feed.ItemKey, fallback feed.Interaction) feed.Interaction {
	if item, ok := s.state.Item(key); ok {
		return item.Interaction
	}
	return fallback
}

func (s *Session) likeBinding(key feed.ItemKey) optimistic.Binding[LikeState] {
	return optimistic.Binding[LikeState]{
		Get: func() (LikeState, bool) {
			item, ok := s.state.Item(key)
			if !ok {
				return LikeState{}, false
			}
			return LikeState{Count: item.LikeCount, Liked: item.ViewerHasLiked}, true
		},
		Set: func(value LikeState) {
			if !s.Live() {
				return
			}
			s.state.UpdateInteraction(key, func(current feed.Interaction) feed.Interaction {
				current.LikeCount = value.Count
				current.ViewerHasLiked = value.Liked
				return current
			})
		},
	}
}

func (s *Session) saveBinding(key feed.ItemKey) optimistic.Binding[bool] {
	return optimistic.Binding[bool]{
		Get: func() (bool, bool) {
			item, ok := s.state.Item(key)
			if !ok {
				return false, false
			}
			return item.ViewerHasSaved, true
		},
		Set: func(saved bool) {
			if !s.Live() {
				return
			}
			s.state.UpdateInteraction(key, func(current feed.Interaction) feed.Interaction {
				current.ViewerHasSaved = saved
				return current
			})
		},
	}
}

func (s *Session) followBinding(authorID string) optimistic.Binding[feed.FollowStatus] {
	return optimistic.Binding[feed.FollowStatus]{
		Get: func() (feed.FollowStatus, bool) {
			status, _ := s.state.FollowStatus(authorID)
			return status, true
		},
		Set: func(status feed.FollowStatus) {
			if !s.Live() {
				return
			}
			s.state.SetFollowStatus(authorID, status)
		},
	}
}

func (s *Session) presenceBinding(key feed.ItemKey) optimistic.Binding[presence] {
	return optimistic.Binding[presence]{
		Get: func() (presence, bool) {
			item, ok := s.state.Item(key)
			return presence{item: item, present: ok}, ok
		},
		Set: func(value presence) {
			if !s.Live() {
				return
			}
			if value.present {
				s.state.Insert(value.item)
				return
			}
			s.state.Remove(key)
		},
	}
}
