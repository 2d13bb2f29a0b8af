package vynqtalk

import (
	"errors"
	"strings"
	"testing"
)

func TestFrameMarshal(t *testing.T) {
	t.Run("send frame escapes headers and sets content-length", func(t *testing.T) {
		f := NewFrame(CmdSend, "destination", "/app/chat.sendMessage", "note", "a:b\nc")
		f.Body = []byte(`{"content":"hi"}`)
		got := string(f.Marshal())

		want := "SEND\n" +
			"destination:/app/chat.sendMessage\n" +
			"note:a\\cb\\nc\n" +
			"content-length:16\n" +
			"\n" +
			`{"content":"hi"}` + "\x00"
		if got != want {
			t.Errorf("Marshal =\n%q\nwant\n%q", got, want)
		}
	})

	t.Run("connect headers are not escaped", func(t *testing.T) {
		f := NewFrame(CmdConnect, "host", "chat.example.com:443")
		if !strings.Contains(string(f.Marshal()), "host:chat.example.com:443\n") {
			t.Errorf("CONNECT header was escaped: %q", f.Marshal())
		}
	})
}

func TestParseFrames(t *testing.T) {
	t.Run("round trip with escaped header", func(t *testing.T) {
		in := NewFrame(CmdMessage, "destination", TopicMessages, "x-note", `back\slash:colon`)
		in.Body = []byte(`{"id":1}`)
		frames, err := ParseFrames(in.Marshal())
		if err != nil {
			t.Fatalf("ParseFrames: %v", err)
		}
		if len(frames) != 1 {
			t.Fatalf("got %d frames, want 1", len(frames))
		}
		f := frames[0]
		if f.Command != CmdMessage || f.Header("destination") != TopicMessages {
			t.Errorf("unexpected frame %+v", f)
		}
		if f.Header("x-note") != `back\slash:colon` {
			t.Errorf("x-note = %q", f.Header("x-note"))
		}
		if string(f.Body) != `{"id":1}` {
			t.Errorf("body = %q", f.Body)
		}
	})

	t.Run("content-length allows NUL in body", func(t *testing.T) {
		raw := "MESSAGE\ndestination:/topic/x\ncontent-length:3\n\na\x00b\x00"
		frames, err := ParseFrames([]byte(raw))
		if err != nil {
			t.Fatalf("ParseFrames: %v", err)
		}
		if string(frames[0].Body) != "a\x00b" {
			t.Errorf("body = %q", frames[0].Body)
		}
	})

	t.Run("multiple frames and heartbeats", func(t *testing.T) {
		raw := "\n\nCONNECTED\nversion:1.2\n\n\x00\nMESSAGE\ndestination:/topic/a\n\n[1]\x00\r\n"
		frames, err := ParseFrames([]byte(raw))
		if err != nil {
			t.Fatalf("ParseFrames: %v", err)
		}
		if len(frames) != 2 || frames[0].Command != CmdConnected || frames[1].Command != CmdMessage {
			t.Fatalf("frames = %+v", frames)
		}
		if string(frames[1].Body) != "[1]" {
			t.Errorf("body = %q", frames[1].Body)
		}
	})

	t.Run("heartbeat only", func(t *testing.T) {
		frames, err := ParseFrames([]byte("\n"))
		if err != nil || len(frames) != 0 {
			t.Fatalf("got %v, %v", frames, err)
		}
	})

	t.Run("repeated header keeps first value", func(t *testing.T) {
		frames, err := ParseFrames([]byte("MESSAGE\nfoo:1\nfoo:2\n\n\x00"))
		if err != nil {
			t.Fatalf("ParseFrames: %v", err)
		}
		if frames[0].Header("foo") != "1" {
			t.Errorf("foo = %q", frames[0].Header("foo"))
		}
	})

	t.Run("errors", func(t *testing.T) {
		cases := map[string]string{
			"missing terminator": "MESSAGE\ndestination:/topic/a\n\nbody",
			"missing blank line": "MESSAGE\ndestination:/topic/a",
			"bad header":         "MESSAGE\nnocolon\n\n\x00",
			"bad escape":         "MESSAGE\nk:\\t\n\n\x00",
		}
		for name, raw := range cases {
			t.Run(name, func(t *testing.T) {
				if _, err := ParseFrames([]byte(raw)); err == nil {
					t.Error("expected error")
				}
			})
		}
		_, err := ParseFrames([]byte("MESSAGE\n\nbody"))
		if !errors.Is(err, errIncompleteFrame) {
			t.Errorf("err = %v, want errIncompleteFrame", err)
		}
	})
}

func TestAuthSignature(t *testing.T) {
	for _, s := range []string{"Unauthorized", "JWT expired at 12:00", "Invalid Token", "403 FORBIDDEN", "Authentication failed"} {
		if !isAuthSignature(s) {
			t.Errorf("isAuthSignature(%q) = false", s)
		}
	}
	for _, s := range []string{"broker unavailable", "connection reset", ""} {
		if isAuthSignature(s) {
			t.Errorf("isAuthSignature(%q) = true", s)
		}
	}
}
