package rpc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSignAuth(t *testing.T) {
	params := SignAuth("client", "secret", 1700000000000, "abc", "")
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000000\nabc\n"))
	want := hex.EncodeToString(mac.Sum(nil))
	if params.Signature != want {
		t.Fatalf("signature mismatch: got %s want %s", params.Signature, want)
	}
	if params.GrantType != GrantClientSignature || params.ClientID != "client" || params.Data != "" {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestNewAuthParamsUsesFreshNonce(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	a := NewAuthParams("client", "secret", now)
	b := NewAuthParams("client", "secret", now)
	if a.Nonce == "" || a.Nonce == b.Nonce {
		t.Fatalf("expected distinct nonces, got %q and %q", a.Nonce, b.Nonce)
	}
	if strings.Contains(a.Nonce, "-") {
		t.Fatalf("expected nonce without dashes, got %q", a.Nonce)
	}
	if a.Timestamp != 1700000000000 {
		t.Fatalf("unexpected timestamp %d", a.Timestamp)
	}
}

func TestRequestEncoding(t *testing.T) {
	data, err := json.Marshal(NewRequest(7, MethodCancelAll, map[string]any{}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["jsonrpc"] != "2.0" || decoded["method"] != "private/cancel_all" || decoded["id"].(float64) != 7 {
		t.Fatalf("unexpected request: %s", data)
	}
}

func TestDecodeReplyAndSubscription(t *testing.T) {
	reply, err := Decode([]byte(`{"jsonrpc":"2.0","id":3,"result":{"token_type":"bearer"}}`))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.IsReply() || *reply.ID != 3 || reply.IsSubscription() {
		t.Fatalf("unexpected reply classification: %+v", reply)
	}
	sub, err := Decode([]byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"user.portfolio.btc","data":{"balance":1}}}`))
	if err != nil {
		t.Fatalf("decode subscription: %v", err)
	}
	if sub.IsReply() || !sub.IsSubscription() || sub.Params.Channel != "user.portfolio.btc" {
		t.Fatalf("unexpected subscription classification: %+v", sub)
	}
	failed, err := Decode([]byte(`{"jsonrpc":"2.0","id":4,"error":{"code":13009,"message":"unauthorized"}}`))
	if err != nil {
		t.Fatalf("decode error reply: %v", err)
	}
	if failed.Error == nil || failed.Error.Code != 13009 || !strings.Contains(failed.Error.Error(), "unauthorized") {
		t.Fatalf("unexpected error reply: %+v", failed.Error)
	}
}

func TestFloatAcceptsStrings(t *testing.T) {
	var v struct {
		A Float `json:"a"`
		B Float `json:"b"`
		C Float `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":1.5,"b":"2.25","c":"market_price"}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != 1.5 || v.B != 2.25 || v.C != 0 {
		t.Fatalf("unexpected floats: %+v", v)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(1, MethodAuth)
	reg.Register(2, MethodGetInstruments)
	if m, ok := reg.Lookup(2); !ok || m != MethodGetInstruments {
		t.Fatalf("unexpected lookup: %v %v", m, ok)
	}
	if _, ok := reg.Lookup(99); ok {
		t.Fatalf("expected unknown id")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", reg.Len())
	}
}
