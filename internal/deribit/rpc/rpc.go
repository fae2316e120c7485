// Package rpc holds the JSON-RPC 2.0 envelope spoken by the exchange
// websocket API together with the request registry used to correlate replies.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const Version = "2.0"

type Method string

const (
	MethodAuth                Method = "public/auth"
	MethodGetInstruments      Method = "public/get_instruments"
	MethodPublicSubscribe     Method = "public/subscribe"
	MethodPrivateSubscribe    Method = "private/subscribe"
	MethodGetPositions        Method = "private/get_positions"
	MethodGetPosition         Method = "private/get_position"
	MethodGetOpenOrders       Method = "private/get_open_orders_by_currency"
	MethodBuy                 Method = "private/buy"
	MethodSell                Method = "private/sell"
	MethodCancelAll           Method = "private/cancel_all"
	MethodCancelByLabel       Method = "private/cancel_by_label"
	MethodSubscriptionMessage        = "subscription"
)

type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  Method `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func NewRequest(id uint64, method Method, params any) Request {
	return Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// Message is any inbound frame: a correlated reply or a subscription push.
type Message struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params *Notification   `json:"params,omitempty"`
}

func (m Message) IsReply() bool { return m.ID != nil }

func (m Message) IsSubscription() bool {
	return m.Method == MethodSubscriptionMessage && m.Params != nil
}

type Notification struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Error is an exchange error reply.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Float decodes numbers, numeric strings and placeholder strings such as
// "market_price" (which decode as zero).
type Float float64

func (f *Float) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}
