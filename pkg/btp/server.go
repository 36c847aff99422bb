package btp

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const handshakeTimeout = 30 * time.Second

// Authenticator resolves BTP credentials to an account id. A non-nil error
// refuses the connection.
type Authenticator func(ctx context.Context, token, username string) (accountID string, err error)

var errAuthRequired = errors.New("btp: first frame did not carry auth")

// Accept performs the server side of the handshake on a freshly upgraded
// websocket: the first frame must be a MESSAGE carrying the auth
// sub-protocols. On success the account id is returned along with a Conn
// ready to Serve; on failure an ERROR frame with code F00 is sent and the
// socket is closed.
func Accept(ctx context.Context, ws *websocket.Conn, auth Authenticator, handler Handler, log *zap.Logger) (string, *Conn, error) {
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return "", nil, err
	}
	ws.SetReadDeadline(time.Time{})

	frame, err := ParseFrame(raw)
	if err != nil {
		ws.Close()
		return "", nil, err
	}

	accountID, err := checkAuthFrame(ctx, frame, auth)
	if err != nil {
		reply := &Frame{
			Type:      TypeError,
			RequestID: frame.RequestID,
			Err:       &FrameError{Code: "F00", Message: "authentication failed"},
		}
		ws.WriteMessage(websocket.BinaryMessage, reply.Marshal())
		ws.Close()
		return "", nil, err
	}

	ok := &Frame{Type: TypeResponse, RequestID: frame.RequestID}
	if err := ws.WriteMessage(websocket.BinaryMessage, ok.Marshal()); err != nil {
		ws.Close()
		return "", nil, err
	}

	log.Info("btp peer authenticated", zap.String("account", accountID))
	return accountID, NewConn(ws, handler, log), nil
}

func checkAuthFrame(ctx context.Context, frame *Frame, auth Authenticator) (string, error) {
	if frame.Type != TypeMessage || frame.Protocol(ProtocolAuth) == nil {
		return "", errAuthRequired
	}
	tokenProto := frame.Protocol(ProtocolAuthToken)
	if tokenProto == nil {
		return "", errAuthRequired
	}
	var username string
	if p := frame.Protocol(ProtocolAuthUsername); p != nil {
		username = string(p.Data)
	}
	return auth(ctx, string(tokenProto.Data), username)
}
