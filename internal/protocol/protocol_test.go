package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeInjectsType(t *testing.T) {
	data, err := Encode(StartCall{From: "a@x", To: "b@x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"type":"start-call",`) {
		t.Fatalf("type not first: %s", data)
	}

	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["from"] != "a@x" || got["to"] != "b@x" {
		t.Fatalf("fields lost: %v", got)
	}
}

func TestEncodeEmptyStruct(t *testing.T) {
	data, err := Encode(RequestOnlineUsers{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `{"type":"request-online-users"}` {
		t.Fatalf("got %s", data)
	}
}

func TestParseFrameRejectsMissingType(t *testing.T) {
	for _, in := range []string{`{}`, `{"from":"a"}`, `not json`, `[]`} {
		if _, err := ParseFrame([]byte(in)); err == nil {
			t.Errorf("ParseFrame(%q) succeeded", in)
		}
	}
}

func TestDecodeCallVariants(t *testing.T) {
	tests := []struct {
		in   string
		want CallMessage
	}{
		{`{"type":"incoming-call","from":"a"}`, IncomingCall{From: "a"}},
		{`{"type":"accept-call","from":"b","to":"a"}`, AcceptCall{From: "b", To: "a"}},
		{`{"type":"reject-call","from":"b","to":"a"}`, RejectCall{From: "b", To: "a"}},
		{`{"type":"hangup","from":"b","to":"a"}`, Hangup{From: "b", To: "a"}},
	}
	for _, tt := range tests {
		f, err := ParseFrame([]byte(tt.in))
		if err != nil {
			t.Fatalf("ParseFrame(%s): %v", tt.in, err)
		}
		got, err := DecodeCall(f)
		if err != nil {
			t.Fatalf("DecodeCall(%s): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("DecodeCall(%s) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	f, _ := ParseFrame([]byte(`{"type":"bogus"}`))
	if _, err := DecodeCall(f); !errors.Is(err, ErrUnknownType) {
		t.Errorf("DecodeCall: %v", err)
	}
	if _, err := DecodeSignal(f); !errors.Is(err, ErrUnknownType) {
		t.Errorf("DecodeSignal: %v", err)
	}
	if _, err := DecodeMeeting(f); !errors.Is(err, ErrUnknownType) {
		t.Errorf("DecodeMeeting: %v", err)
	}
	if _, err := DecodeChat(f); !errors.Is(err, ErrUnknownType) {
		t.Errorf("DecodeChat: %v", err)
	}
	if _, err := DecodeFile(f); !errors.Is(err, ErrUnknownType) {
		t.Errorf("DecodeFile: %v", err)
	}
}

func TestSDPAcceptsStringAndObject(t *testing.T) {
	for _, in := range []string{
		`{"type":"offer","from":"a","to":"b","sdp":"v=0\r\n"}`,
		`{"type":"offer","from":"a","to":"b","sdp":{"type":"offer","sdp":"v=0\r\n"}}`,
	} {
		f, err := ParseFrame([]byte(in))
		if err != nil {
			t.Fatalf("ParseFrame: %v", err)
		}
		msg, err := DecodeSignal(f)
		if err != nil {
			t.Fatalf("DecodeSignal: %v", err)
		}
		offer, ok := msg.(Offer)
		if !ok {
			t.Fatalf("got %T", msg)
		}
		if offer.SDP != "v=0\r\n" {
			t.Errorf("sdp = %q", offer.SDP)
		}
	}

	data, _ := Encode(Answer{From: "b", To: "a", SDP: "v=0"})
	if !strings.Contains(string(data), `"sdp":"v=0"`) {
		t.Errorf("sdp not a string: %s", data)
	}
}

func TestMeetingCarriesNegotiation(t *testing.T) {
	in := `{"type":"ice-candidate","from":"a","to":"b","meetingCode":"M1","candidate":{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host","sdpMid":"0"}}`
	f, _ := ParseFrame([]byte(in))
	msg, err := DecodeMeeting(f)
	if err != nil {
		t.Fatalf("DecodeMeeting: %v", err)
	}
	c, ok := msg.(ICECandidate)
	if !ok {
		t.Fatalf("got %T", msg)
	}
	if c.MeetingCode != "M1" || c.Candidate.SDPMid == nil || *c.Candidate.SDPMid != "0" {
		t.Errorf("candidate = %#v", c)
	}
}

func TestControlFrames(t *testing.T) {
	meta := Meta{Name: "a.bin", Size: 3, Type: "application/octet-stream"}
	c, err := DecodeControl([]byte(EncodeControl(Control{Type: ControlFileInfo, Meta: &meta})))
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if c.Meta == nil || *c.Meta != meta {
		t.Errorf("meta = %#v", c.Meta)
	}

	if _, err := DecodeControl([]byte(`{"type":"file-info"}`)); err == nil {
		t.Error("file-info without meta accepted")
	}
	if _, err := DecodeControl([]byte(`{"type":"file-end"}`)); err != nil {
		t.Errorf("file-end: %v", err)
	}
	if _, err := DecodeControl([]byte(`{"type":"nope"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown control: %v", err)
	}
}

func TestSameParty(t *testing.T) {
	if !SameParty("Bob@X.io", "bob@x.io") {
		t.Error("case-insensitive match failed")
	}
	if SameParty("", "") {
		t.Error("empty identities must never match")
	}
}
