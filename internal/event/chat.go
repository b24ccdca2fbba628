package event

import (
	"encoding/json"
	"time"
)

// ChatType enumerates the normalized room event types produced by the chat
// relay. Unknown wire messages map to ChatOther so that protocol additions
// never crash the connection.
type ChatType string

const (
	ChatMessage          ChatType = "chat"
	ChatGift             ChatType = "gift"
	ChatLike             ChatType = "like"
	ChatMember           ChatType = "member"
	ChatFollow           ChatType = "follow"
	ChatFansclub         ChatType = "fansclub"
	ChatEmoji            ChatType = "emoji_chat"
	ChatRoomInfo         ChatType = "room_info"
	ChatRoomStats        ChatType = "room_stats"
	ChatRoomUserStats    ChatType = "room_user_stats"
	ChatRoomRank         ChatType = "room_rank"
	ChatRoomControl      ChatType = "room_control"
	ChatStreamAdaptation ChatType = "stream_adaptation"
	ChatStatus           ChatType = "status"
	ChatError            ChatType = "error"
	ChatOther            ChatType = "other"
)

// ChatPayload is the tagged-variant interface implemented by one payload type
// per [ChatType]. Payloads marshal to flat key→value JSON objects.
type ChatPayload interface {
	chatPayload()
}

// MessagePayload carries a viewer chat message.
type MessagePayload struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Content  string `json:"content"`
}

// GiftPayload carries a gift notification.
type GiftPayload struct {
	UserID       string `json:"user_id"`
	Nickname     string `json:"nickname"`
	GiftName     string `json:"gift_name"`
	RepeatCount  int64  `json:"repeat_count"`
	DiamondCount int64  `json:"diamond_count"`
}

// LikePayload carries a like tap burst.
type LikePayload struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Count    int64  `json:"count"`
	Total    int64  `json:"total"`
}

// MemberPayload signals a viewer entering the room.
type MemberPayload struct {
	UserID      string `json:"user_id"`
	Nickname    string `json:"nickname"`
	MemberCount int64  `json:"member_count"`
}

// FollowPayload signals a new follower.
type FollowPayload struct {
	UserID      string `json:"user_id"`
	Nickname    string `json:"nickname"`
	FollowCount int64  `json:"follow_count"`
}

// FansclubPayload signals a fans-club join or level-up.
type FansclubPayload struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Content  string `json:"content"`
}

// EmojiPayload carries a members-only emoji chat.
type EmojiPayload struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	EmojiID  int64  `json:"emoji_id"`
}

// RoomInfoPayload carries room metadata pushed by the server.
type RoomInfoPayload struct {
	Title      string `json:"title"`
	AnchorName string `json:"anchor_name"`
}

// RoomStatsPayload carries aggregate room statistics.
type RoomStatsPayload struct {
	Display string `json:"display"`
	Total   int64  `json:"total"`
}

// RoomUserStatsPayload carries the current and accumulated viewer counts.
type RoomUserStatsPayload struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

// RankEntry is one position in the room contribution ranking.
type RankEntry struct {
	Nickname string `json:"nickname"`
	Rank     int    `json:"rank"`
}

// RoomRankPayload carries the room contribution ranking.
type RoomRankPayload struct {
	Ranks []RankEntry `json:"ranks"`
}

// RoomControlPayload carries a room lifecycle control notice. Status 3 means
// the broadcast has ended.
type RoomControlPayload struct {
	Status int64 `json:"status"`
}

// StreamAdaptationPayload signals a quality or bitrate adaptation hint.
type StreamAdaptationPayload struct {
	AdaptationType int64 `json:"adaptation_type"`
}

// ChatStatusPayload carries relay lifecycle notices (reconnecting,
// room_closed, connected).
type ChatStatusPayload struct {
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt,omitempty"`
}

// ChatErrorPayload carries a relay error notice.
type ChatErrorPayload struct {
	Reason string `json:"reason"`
}

// OtherRawPayload preserves an unrecognised wire message as base64 so that
// downstream consumers can log or inspect it.
type OtherRawPayload struct {
	Method string `json:"method,omitempty"`
	Raw    string `json:"raw"`
}

func (MessagePayload) chatPayload()          {}
func (GiftPayload) chatPayload()             {}
func (LikePayload) chatPayload()             {}
func (MemberPayload) chatPayload()           {}
func (FollowPayload) chatPayload()           {}
func (FansclubPayload) chatPayload()         {}
func (EmojiPayload) chatPayload()            {}
func (RoomInfoPayload) chatPayload()         {}
func (RoomStatsPayload) chatPayload()        {}
func (RoomUserStatsPayload) chatPayload()    {}
func (RoomRankPayload) chatPayload()         {}
func (RoomControlPayload) chatPayload()      {}
func (StreamAdaptationPayload) chatPayload() {}
func (ChatStatusPayload) chatPayload()       {}
func (ChatErrorPayload) chatPayload()        {}
func (OtherRawPayload) chatPayload()         {}

// Chat is one normalized room event. It flows through the chat broadcaster
// and marshals to {"type", "payload", "timestamp"}.
type Chat struct {
	// Type selects the payload variant.
	Type ChatType

	// Payload is the typed variant matching Type. Never nil.
	Payload ChatPayload

	// Timestamp is when the relay parsed the event.
	Timestamp time.Time
}

// Class implements [Event]. Status, error, and room-control events survive
// backpressure; everything else is droppable chat traffic.
func (c Chat) Class() Class {
	switch c.Type {
	case ChatStatus, ChatError, ChatRoomControl:
		return ClassCritical
	}
	return ClassDelta
}

// chatEnvelope is the chat wire shape.
type chatEnvelope struct {
	Type      ChatType    `json:"type"`
	Payload   ChatPayload `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// Frame implements [Event].
func (c Chat) Frame() ([]byte, error) {
	return json.Marshal(chatEnvelope{
		Type:      c.Type,
		Payload:   c.Payload,
		Timestamp: c.Timestamp.UnixMilli(),
	})
}
