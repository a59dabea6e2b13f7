package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AuthMessage is sent as soon as a socket opens.
type AuthMessage struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

func NewAuthMessage(key, secret string) AuthMessage {
	return AuthMessage{Action: "auth", Key: key, Secret: secret}
}

// ListenMessage asks the trading stream for order updates.
type ListenMessage struct {
	Action string     `json:"action"`
	Data   ListenData `json:"data"`
}

type ListenData struct {
	Streams []string `json:"streams"`
}

func NewListenMessage(streams ...string) ListenMessage {
	return ListenMessage{Action: "listen", Data: ListenData{Streams: streams}}
}

type authResult int

const (
	authPending authResult = iota
	authAccepted
	authRejected
)

// controlMessage covers the market data handshake frames:
// [{"T":"success","msg":"connected"}], [{"T":"success","msg":"authenticated"}]
// and [{"T":"error","code":402,"msg":"auth failed"}].
type controlMessage struct {
	Type string `json:"T"`
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}

// tradingAuthMessage covers the trading stream handshake:
// {"stream":"authorization","data":{"action":"authenticate","status":"authorized"}}.
type tradingAuthMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Action string `json:"action"`
		Status string `json:"status"`
	} `json:"data"`
}

// classifyAuth inspects a frame received before authentication. Both streams
// may wrap their acks in an array.
func classifyAuth(t Type, frame []byte) (authResult, string) {
	switch t {
	case MarketData:
		var msgs []controlMessage
		if err := decodeFrame(frame, &msgs); err != nil {
			return authPending, ""
		}
		for _, m := range msgs {
			switch {
			case m.Type == "success" && m.Msg == "authenticated":
				return authAccepted, ""
			case m.Type == "error":
				return authRejected, fmt.Sprintf("%s (code %d)", m.Msg, m.Code)
			}
		}
	case TradingEvents:
		var msgs []tradingAuthMessage
		if err := decodeFrame(frame, &msgs); err != nil {
			return authPending, ""
		}
		for _, m := range msgs {
			switch m.Data.Status {
			case "authorized":
				return authAccepted, ""
			case "unauthorized":
				return authRejected, "unauthorized"
			}
		}
	}
	return authPending, ""
}

// decodeFrame unmarshals a frame into out, a pointer to a slice, accepting
// either a JSON array or a single object.
func decodeFrame[T any](frame []byte, out *[]T) error {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*out = []T{one}
	return nil
}
