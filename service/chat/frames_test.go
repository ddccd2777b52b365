package chat

import (
	"encoding/json"
	"strings"
	"testing"

	errs "HProject/tools/errs"
)

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"event":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Event != EventPing {
		t.Fatalf("want ping, got %s", f.Event)
	}

	cases := []string{
		`not json at all`,
		`{"data":{"x":1}}`, // 缺事件名
		``,
	}
	for _, raw := range cases {
		if _, err := ParseFrame([]byte(raw)); !errs.ErrValidation.Is(err) {
			t.Fatalf("raw=%q want validation error, got %v", raw, err)
		}
	}
}

func TestDecodeSendMessagePayload(t *testing.T) {
	f, err := ParseFrame([]byte(`{"event":"send_message","data":{"targetId":3,"content":"hi"}}`))
	if err != nil {
		t.Fatal(err)
	}
	req := &SendMessageReq{}
	if err := decodePayload(f, req); err != nil {
		t.Fatal(err)
	}
	if req.TargetID != 3 || req.Content != "hi" {
		t.Fatalf("bad decode: %+v", req)
	}
}

func TestDecodeSendMessageRejects(t *testing.T) {
	cases := map[string]string{
		"missing target":  `{"event":"send_message","data":{"content":"hi"}}`,
		"empty content":   `{"event":"send_message","data":{"targetId":3,"content":""}}`,
		"bad type":        `{"event":"send_message","data":{"targetId":3,"content":"x","type":"video"}}`,
		"oversize":        `{"event":"send_message","data":{"targetId":3,"content":"` + strings.Repeat("a", 5000) + `"}}`,
		"missing payload": `{"event":"send_message"}`,
	}
	for name, raw := range cases {
		f, err := ParseFrame([]byte(raw))
		if err != nil {
			t.Fatalf("%s: parse: %v", name, err)
		}
		req := &SendMessageReq{}
		if err := decodePayload(f, req); !errs.ErrValidation.Is(err) {
			t.Fatalf("%s: want validation error, got %v", name, err)
		}
	}
}

func TestDecodeJoinGroupPayload(t *testing.T) {
	f, _ := ParseFrame([]byte(`{"event":"join_group","data":{"groupId":0}}`))
	req := &JoinGroupReq{}
	if err := decodePayload(f, req); !errs.ErrValidation.Is(err) {
		t.Fatalf("groupId=0 must be rejected, got %v", err)
	}
}

func TestErrorFrameCarriesCode(t *testing.T) {
	raw := errorFrame(errs.ErrAllocatorUnavailable.WrapMsg("redis down"))
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		t.Fatal(err)
	}
	if f.Event != EventError {
		t.Fatalf("want error event, got %s", f.Event)
	}
	p := &ErrorPayload{}
	if err := json.Unmarshal(f.Data, p); err != nil {
		t.Fatal(err)
	}
	if p.Code != errs.CodeAllocatorUnavailable {
		t.Fatalf("want code %d, got %d", errs.CodeAllocatorUnavailable, p.Code)
	}
	// 内部细节不透给客户端
	if strings.Contains(p.Message, "redis down") {
		t.Fatal("detail must not leak to clients")
	}
}
