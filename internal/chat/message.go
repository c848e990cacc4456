package chat

import (
	"github.com/oklog/ulid/v2"

	"github.com/duoroom/duoroom/internal/proto"
)

// DefaultBufferSize is the default number of recent messages kept in memory.
const DefaultBufferSize = 100

// NewMessage builds a message with a fresh ULID id. ULIDs sort by creation
// time, so the (created_at, id) ordering stays stable when two messages land
// on the same millisecond.
func NewMessage(roomBase, sender, content string, mediaType proto.MediaType) proto.Message {
	return proto.Message{
		ID:        ulid.Make().String(),
		RoomBase:  roomBase,
		Sender:    sender,
		Content:   content,
		MediaType: mediaType,
		CreatedAt: proto.NowMillis(),
	}
}
