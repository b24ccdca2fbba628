package chat

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/anchorlens/anchorlens/internal/event"
)

// roomClosedStatus is the control-message status meaning the broadcast has
// ended.
const roomClosedStatus = 3

// user is the sender identity embedded in most room messages.
//
// Wire layout: id=1, shortId=2, nickname=3.
type user struct {
	id       uint64
	nickname string
}

func decodeUser(b []byte) user {
	var u user
	walk(b, func(fl field) error {
		switch fl.num {
		case 1:
			u.id = fl.varint
		case 3:
			u.nickname = string(fl.bytes)
		}
		return nil
	})
	return u
}

func (u user) idString() string {
	if u.id == 0 {
		return ""
	}
	return strconv.FormatUint(u.id, 10)
}

// normalize maps one wire message onto its event.Chat form. Messages with
// unknown methods become ChatOther with the raw payload preserved; parse
// errors inside a known method degrade the same way rather than dropping
// the message.
func normalize(m wireMessage, now time.Time) event.Chat {
	var payload event.ChatPayload
	var typ event.ChatType

	switch m.method {
	case "WebcastChatMessage":
		typ, payload = event.ChatMessage, decodeChat(m.payload)
	case "WebcastGiftMessage":
		typ, payload = event.ChatGift, decodeGift(m.payload)
	case "WebcastLikeMessage":
		typ, payload = event.ChatLike, decodeLike(m.payload)
	case "WebcastMemberMessage":
		typ, payload = event.ChatMember, decodeMember(m.payload)
	case "WebcastSocialMessage":
		typ, payload = event.ChatFollow, decodeSocial(m.payload)
	case "WebcastFansclubMessage":
		typ, payload = event.ChatFansclub, decodeFansclub(m.payload)
	case "WebcastEmojiChatMessage":
		typ, payload = event.ChatEmoji, decodeEmojiChat(m.payload)
	case "WebcastRoomMessage":
		typ, payload = event.ChatRoomInfo, decodeRoomInfo(m.payload)
	case "WebcastRoomStatsMessage":
		typ, payload = event.ChatRoomStats, decodeRoomStats(m.payload)
	case "WebcastRoomUserSeqMessage":
		typ, payload = event.ChatRoomUserStats, decodeRoomUserSeq(m.payload)
	case "WebcastRoomRankMessage":
		typ, payload = event.ChatRoomRank, decodeRoomRank(m.payload)
	case "WebcastControlMessage":
		typ, payload = event.ChatRoomControl, decodeControl(m.payload)
	case "WebcastRoomStreamAdaptationMessage":
		typ, payload = event.ChatStreamAdaptation, decodeStreamAdaptation(m.payload)
	default:
		typ = event.ChatOther
		payload = event.OtherRawPayload{
			Method: m.method,
			Raw:    base64.StdEncoding.EncodeToString(m.payload),
		}
	}

	return event.Chat{Type: typ, Payload: payload, Timestamp: now}
}

// Wire layout: common=1, user=2, content=3.
func decodeChat(b []byte) event.MessagePayload {
	var p event.MessagePayload
	walk(b, func(fl field) error {
		switch fl.num {
		case 2:
			u := decodeUser(fl.bytes)
			p.UserID, p.Nickname = u.idString(), u.nickname
		case 3:
			p.Content = string(fl.bytes)
		}
		return nil
	})
	return p
}

// Wire layout: repeatCount=5, user=7, gift=15 (diamondCount=12, name=16).
func decodeGift(b []byte) event.GiftPayload {
	var p event.GiftPayload
	walk(b, func(fl field) error {
		switch fl.num {
		case 5:
			p.RepeatCount = int64(fl.varint)
		case 7:
			u := decodeUser(fl.bytes)
			p.UserID, p.Nickname = u.idString(), u.nickname
		case 15:
			walk(fl.bytes, func(g field) error {
				switch g.num {
				case 12:
					p.DiamondCount = int64(g.varint)
				case 16:
					p.GiftName = string(g.bytes)
				}
				return nil
			})
		}
		return nil
	})
	return p
}

// Wire layout: count=2, total=3, user=5.
func decodeLike(b []byte) event.LikePayload {
	var p event.LikePayload
	walk(b, func(fl field) error {
		switch fl.num {
		case 2:
			p.Count = int64(fl.varint)
		case 3:
			p.Total = int64(fl.varint)
		case 5:
			u := decodeUser(fl.bytes)
			p.UserID, p.Nickname = u.idString(), u.nickname
		}
		return nil
	})
	return p
}

// Wire layout: user=2, memberCount=3.
func decodeMember(b []byte) event.MemberPayload {
	var p event.MemberPayload
	walk(b, func(fl field) error {
		switch fl.num {
		case 2:
			u := decodeUser(fl.bytes)
			p.UserID, p.Nickname = u.idString(), u.nickname
		case 3:
			p.MemberCount = int64(fl.varint)
		}
		return nil
	})
	return p
}

// Wire layout: user=2, followCount=6.
func decodeSocial(b []byte) event.FollowPayload {
	var p event.FollowPayload
	walk(b, func(fl field) error {
		switch fl.num {
		case 2:
			u := decodeUser(fl.bytes)
			p.UserID, p.Nickname = u.idString(), u.nickname
		case 6:
			p.FollowCount = int64(fl.varint)
		}
		return nil
	})
	return p
}

// Wire layout: content=3, user=4.
func decodeFansclub(b []byte) event.FansclubPayload {
	var p event.FansclubPayload
	walk(b, func(fl field) error {
		switch fl.num {
		case 3:
			p.Content = string(fl.bytes)
		case 4:
			u := decodeUser(fl.bytes)
			p.UserID, p.Nickname = u.idString(), u.nickname
		}
		return nil
	})
	return p
}

// Wire layout: user=2, emojiId=3.
func decodeEmojiChat(b []byte) event.EmojiPayload {
	var p event.EmojiPayload
	walk(b, func(fl field) error {
		switch fl.num {
		case 2:
			u := decodeUser(fl.bytes)
			p.UserID, p.Nickname = u.idString(), u.nickname
		case 3:
			p.EmojiID = int64(fl.varint)
		}
		return nil
	})
	return p
}

// Wire layout: content=2.
func decodeRoomInfo(b []byte) event.RoomInfoPayload {
	var p event.RoomInfoPayload
	walk(b, func(fl field) error {
		if fl.num == 2 {
			p.Title = string(fl.bytes)
		}
		return nil
	})
	return p
}

// Wire layout: displayShort=2, displayValue=5.
func decodeRoomStats(b []byte) event.RoomStatsPayload {
	var p event.RoomStatsPayload
	walk(b, func(fl field) error {
		switch fl.num {
		case 2:
			p.Display = string(fl.bytes)
		case 5:
			p.Total = int64(fl.varint)
		}
		return nil
	})
	return p
}

// Wire layout: total=3, totalUser=7.
func decodeRoomUserSeq(b []byte) event.RoomUserStatsPayload {
	var p event.RoomUserStatsPayload
	walk(b, func(fl field) error {
		switch fl.num {
		case 3:
			p.Current = int64(fl.varint)
		case 7:
			p.Total = int64(fl.varint)
		}
		return nil
	})
	return p
}

// Wire layout: ranks=2 (repeated; user=1).
func decodeRoomRank(b []byte) event.RoomRankPayload {
	var p event.RoomRankPayload
	walk(b, func(fl field) error {
		if fl.num != 2 {
			return nil
		}
		var nickname string
		walk(fl.bytes, func(r field) error {
			if r.num == 1 {
				nickname = decodeUser(r.bytes).nickname
			}
			return nil
		})
		p.Ranks = append(p.Ranks, event.RankEntry{
			Nickname: nickname,
			Rank:     len(p.Ranks) + 1,
		})
		return nil
	})
	return p
}

// Wire layout: status=2.
func decodeControl(b []byte) event.RoomControlPayload {
	var p event.RoomControlPayload
	walk(b, func(fl field) error {
		if fl.num == 2 {
			p.Status = int64(fl.varint)
		}
		return nil
	})
	return p
}

// Wire layout: adaptationType=2.
func decodeStreamAdaptation(b []byte) event.StreamAdaptationPayload {
	var p event.StreamAdaptationPayload
	walk(b, func(fl field) error {
		if fl.num == 2 {
			p.AdaptationType = int64(fl.varint)
		}
		return nil
	})
	return p
}
