// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-sbs/pkg/sbs"
)

// ErrCorrelationMiss is returned internally when an edit or delete has no
// cached counterpart. The update is dropped.
var ErrCorrelationMiss = errors.New("no correlated message")

// errorNotice is posted to a Mattermost channel when a relay write fails.
const errorNotice = "There was an error sending a message"

// DefaultAvatarSize is the pixel size requested for SBS avatar links.
const DefaultAvatarSize = 128

// remoteWriter is the SBS side of the relay. *sbs.Client satisfies it.
type remoteWriter interface {
	CreateComment(ctx context.Context, roomID int64, settings sbs.Settings, text string) (*sbs.Comment, error)
	EditComment(ctx context.Context, comment *sbs.Comment, settings sbs.Settings, text string) (*sbs.Comment, error)
	DeleteComment(ctx context.Context, id int64) error
	AvatarLink(fileID int64, size int) string
}

var _ remoteWriter = (*sbs.Client)(nil)

// RelayOptions tunes how messages are rendered on each side.
type RelayOptions struct {
	// Markup is the settings markup tag put on outgoing comments.
	Markup string
	// BatchLimit caps how many comments of one drained batch are relayed.
	// Zero relays everything.
	BatchLimit int
	// AvatarSize is the pixel size of SBS avatar links.
	AvatarSize int
	// DisplayName renders the Mattermost name of an SBS author.
	DisplayName func(user *sbs.User) string
}

// Relay moves messages between bound Mattermost channels and SBS rooms.
type Relay struct {
	registry *Registry
	local    LocalPlatform
	remote   remoteWriter
	avatars  *AvatarBridge
	opts     RelayOptions
	metrics  *Metrics
	log      zerolog.Logger
}

// NewRelay creates a relay pipeline.
func NewRelay(registry *Registry, local LocalPlatform, remote remoteWriter, avatars *AvatarBridge, opts RelayOptions, metrics *Metrics, log zerolog.Logger) *Relay {
	if opts.Markup == "" {
		opts.Markup = sbs.Markup12y
	}
	if opts.AvatarSize <= 0 {
		opts.AvatarSize = DefaultAvatarSize
	}
	if opts.DisplayName == nil {
		opts.DisplayName = func(user *sbs.User) string { return user.Username }
	}
	return &Relay{
		registry: registry,
		local:    local,
		remote:   remote,
		avatars:  avatars,
		opts:     opts,
		metrics:  metrics,
		log:      log.With().Str("component", "relay").Logger(),
	}
}

// HandleLocal relays one Mattermost event to the SBS room bound to its
// channel. Events from unbound channels and from the bridge itself are
// ignored. A missing counterpart for an edit or delete is not an error.
func (r *Relay) HandleLocal(ctx context.Context, evt *LocalEvent) error {
	msg := evt.Message
	if msg == nil {
		return nil
	}
	if msg.FromBridge || (msg.Author.ID != "" && msg.Author.ID == r.local.SelfID()) {
		return nil
	}
	pair := r.registry.FindByLocal(msg.ChannelID)
	if pair == nil {
		return nil
	}

	log := r.log.With().
		Str("post_id", msg.ID).
		Str("channel_id", msg.ChannelID).
		Int64("room_id", pair.RemoteRoomID).
		Stringer("kind", evt.Kind).
		Logger()

	var err error
	switch evt.Kind {
	case LocalCreate:
		err = r.createRemote(ctx, pair, msg)
	case LocalEdit:
		err = r.editRemote(ctx, pair, msg)
	case LocalDelete:
		err = r.deleteRemote(ctx, pair, msg)
	default:
		return fmt.Errorf("unknown local event kind %d", evt.Kind)
	}
	if errors.Is(err, ErrCorrelationMiss) {
		r.metrics.correlationMiss(directionOutgoing)
		log.Debug().Msg("No cached comment for post, dropping update")
		return nil
	} else if err != nil {
		r.metrics.relayFailure(directionOutgoing)
		log.Err(err).Msg("Failed to relay message to SmileBASIC Source")
		return err
	}
	r.metrics.relayedMessage(directionOutgoing, evt.Kind.String())
	log.Debug().Msg("Relayed message to SmileBASIC Source")
	return nil
}

func (r *Relay) resolveAvatar(ctx context.Context, author LocalAuthor) (int64, error) {
	if r.avatars == nil || author.ID == "" || author.AvatarRef == "" {
		return 0, nil
	}
	return r.avatars.Resolve(ctx, author.ID, author.AvatarRef)
}

func (r *Relay) createRemote(ctx context.Context, pair *ChannelPair, msg *LocalMessage) error {
	avatar, err := r.resolveAvatar(ctx, msg.Author)
	if err != nil {
		return err
	}
	settings := sbs.Settings{
		Markup:     r.opts.Markup,
		BridgeName: outgoingName(msg.Author),
		Avatar:     avatar,
	}
	comment, err := r.remote.CreateComment(ctx, pair.RemoteRoomID, settings, formatOutgoing(msg.Content, msg.Attachments))
	if err != nil {
		r.notify(ctx, pair)
		return err
	}
	pair.Cache.RecordOutgoing(msg.ID, comment)
	return nil
}

func (r *Relay) editRemote(ctx context.Context, pair *ChannelPair, msg *LocalMessage) error {
	stored, ok := pair.Cache.LookupByLocal(msg.ID)
	if !ok {
		return ErrCorrelationMiss
	}
	avatar := stored.Settings.Avatar
	if avatar == 0 {
		var err error
		if avatar, err = r.resolveAvatar(ctx, msg.Author); err != nil {
			return err
		}
	}
	settings := sbs.Settings{
		Markup: r.opts.Markup,
		BridgeName: editName(msg.Author, bridgeIdentity{
			BridgeName: stored.Settings.BridgeName,
			Nickname:   stored.Settings.Nickname,
		}),
		Avatar: avatar,
	}
	updated, err := r.remote.EditComment(ctx, stored, settings, formatOutgoing(msg.Content, msg.Attachments))
	if err != nil {
		r.notify(ctx, pair)
		return err
	}
	pair.Cache.RecordOutgoing(msg.ID, updated)
	return nil
}

func (r *Relay) deleteRemote(ctx context.Context, pair *ChannelPair, msg *LocalMessage) error {
	stored, ok := pair.Cache.LookupByLocal(msg.ID)
	if !ok {
		return ErrCorrelationMiss
	}
	if err := r.remote.DeleteComment(ctx, stored.ID); err != nil {
		r.notify(ctx, pair)
		return err
	}
	return nil
}

// notify tells the channel that a relay write failed. Its own failure is
// only logged.
func (r *Relay) notify(ctx context.Context, pair *ChannelPair) {
	target, err := r.target(ctx, pair)
	if err == nil {
		err = r.local.SendNotice(ctx, target, errorNotice)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("channel_id", pair.LocalChannelID).Msg("Failed to post error notice")
	}
}

// target returns the pair's write target, resolving and caching it on
// first use.
func (r *Relay) target(ctx context.Context, pair *ChannelPair) (*WriteTarget, error) {
	if t := pair.Target(); t != nil {
		return t, nil
	}
	t, err := r.local.ResolveTarget(ctx, pair.LocalChannelID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel %s: %w", pair.LocalChannelID, err)
	}
	pair.SetTarget(t)
	return t, nil
}

// HandleRemote relays a drained batch of SBS comments to every Mattermost
// channel bound to each comment's room. Failures are reported in the
// affected channel and never returned.
func (r *Relay) HandleRemote(ctx context.Context, comments []*sbs.Comment) {
	if limit := r.opts.BatchLimit; limit > 0 && len(comments) > limit {
		r.log.Info().
			Int("received", len(comments)).
			Int("relayed", limit).
			Msg("Batch over limit, relaying only the newest comments")
		comments = comments[len(comments)-limit:]
	}
	for _, comment := range comments {
		for _, pair := range r.registry.FindAllByRemote(comment.ParentID) {
			if ctx.Err() != nil {
				return
			}
			r.relayRemote(ctx, pair, comment)
		}
	}
}

func (r *Relay) relayRemote(ctx context.Context, pair *ChannelPair, comment *sbs.Comment) {
	kind := comment.Kind()
	log := r.log.With().
		Int64("comment_id", comment.ID).
		Int64("room_id", comment.ParentID).
		Str("channel_id", pair.LocalChannelID).
		Stringer("kind", kind).
		Logger()

	// Edits and deletes without a counterpart never touch Mattermost.
	var postID string
	if kind != sbs.KindCreate {
		var ok bool
		if postID, ok = pair.Cache.LookupByRemote(comment.ID); !ok {
			r.metrics.correlationMiss(directionIncoming)
			log.Debug().Msg("No cached post for comment, dropping update")
			return
		}
	}

	target, err := r.target(ctx, pair)
	if err != nil {
		r.metrics.relayFailure(directionIncoming)
		log.Err(err).Msg("Failed to resolve Mattermost channel")
		return
	}

	switch kind {
	case sbs.KindDelete:
		err = r.local.DeleteMessage(ctx, target, postID)
	case sbs.KindEdit:
		err = r.editLocal(ctx, pair, target, comment, postID)
	default:
		err = r.createLocal(ctx, pair, target, comment)
	}
	if err != nil {
		r.metrics.relayFailure(directionIncoming)
		log.Err(err).Msg("Failed to relay comment to Mattermost")
		if noticeErr := r.local.SendNotice(ctx, target, errorNotice); noticeErr != nil {
			log.Warn().Err(noticeErr).Msg("Failed to post error notice")
		}
		return
	}
	r.metrics.relayedMessage(directionIncoming, kind.String())
	log.Debug().Msg("Relayed comment to Mattermost")
}

func (r *Relay) createLocal(ctx context.Context, pair *ChannelPair, target *WriteTarget, comment *sbs.Comment) error {
	postID, err := r.local.SendAs(ctx, target, r.identity(comment), formatIncoming(comment.TextContent))
	if err != nil {
		return err
	}
	pair.Cache.RecordIncoming(comment, postID)
	return nil
}

func (r *Relay) editLocal(ctx context.Context, pair *ChannelPair, target *WriteTarget, comment *sbs.Comment, postID string) error {
	if err := r.local.EditMessage(ctx, target, postID, formatIncoming(comment.TextContent)); err != nil {
		return err
	}
	pair.Cache.RecordIncoming(comment, postID)
	return nil
}

// identity is how an SBS author appears in Mattermost.
func (r *Relay) identity(comment *sbs.Comment) Identity {
	user := comment.CreateUser
	if user == nil {
		user = &sbs.User{ID: comment.CreateUserID, Username: "user" + strconv.FormatInt(comment.CreateUserID, 10)}
	}
	id := Identity{DisplayName: r.opts.DisplayName(user)}
	if id.DisplayName == "" {
		id.DisplayName = user.Username
	}
	if user.Avatar > 0 {
		id.AvatarURL = r.remote.AvatarLink(user.Avatar, r.opts.AvatarSize)
	}
	return id
}
