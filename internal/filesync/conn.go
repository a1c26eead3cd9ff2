// Package filesync replicates a client workspace to the server over the
// file-sync sub-channel. The Producer runs on the client and the Consumer
// on the server.
package filesync

import (
	"context"
	"errors"

	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
)

// Conn is the part of the multiplexer the sync engine talks to.
type Conn interface {
	SendMessage(ctx context.Context, ch protocol.Channel, msg protocol.Message) error
	Recv(ctx context.Context, ch protocol.Channel) ([]byte, error)
}

// errNeedFull marks a record the consumer cannot apply without full content.
var errNeedFull = errors.New("base content unavailable")

func recvSync(ctx context.Context, conn Conn) (protocol.Message, error) {
	data, err := conn.Recv(ctx, protocol.ChannelFileSync)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.DecodeSync(data)
	if err != nil {
		return nil, &model.ProtocolError{Detail: "file-sync message", Err: err}
	}
	return msg, nil
}
