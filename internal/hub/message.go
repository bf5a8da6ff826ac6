// Package hub is the publish/subscribe layer between the aggregator and
// live WebSocket subscribers. Delivery is at-most-once through a bounded
// per-client buffer; a client whose buffer is full at publish time is a
// slow consumer and is evicted so publishers never block.
package hub

import (
	"encoding/json"
	"time"
)

// Server frame types.
const (
	TypeWelcome           = "welcome"
	TypeSubscriptionAck   = "subscription_ack"
	TypeUnsubscriptionAck = "unsubscription_ack"
	TypePong              = "pong"
	TypeError             = "error"
	TypeTokenUpdate       = "TOKEN_UPDATE"
	TypeAlert             = "ALERT"
	TypeFilterResult      = "FILTER_RESULT"
	TypePriceUpdate       = "PRICE_UPDATE"
)

// Client frame types.
const (
	typeSubscribe   = "subscribe"
	typeUnsubscribe = "unsubscribe"
	typePing        = "ping"
)

// envelope is the server-to-client frame: one JSON message per WebSocket
// frame.
type envelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Channel   string `json:"channel,omitempty"`
}

func frame(typ string, payload any, channel string) []byte {
	data, err := json.Marshal(envelope{
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Channel:   channel,
	})
	if err != nil {
		// Payloads are our own structs; a marshal failure is a programmer
		// error and the frame is simply dropped.
		return nil
	}
	return data
}

// clientMessage is the inbound frame shape.
type clientMessage struct {
	Type     string          `json:"type"`
	Channels []string        `json:"channels,omitempty"`
	Filters  json.RawMessage `json:"filters,omitempty"`
}

// welcomePayload greets a newly connected client.
type welcomePayload struct {
	ClientID          string   `json:"clientId"`
	AvailableChannels []string `json:"availableChannels"`
	ServerTime        string   `json:"serverTime"`
}

// ackPayload answers subscribe/unsubscribe requests.
type ackPayload struct {
	Channels []string `json:"channels"`
	Rejected []string `json:"rejected,omitempty"`
	Count    int      `json:"count"`
}

// errorPayload reports a protocol error; the connection stays open.
type errorPayload struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Alert is a broadcast notice for the alerts channel.
type Alert struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Address string `json:"address,omitempty"`
}
