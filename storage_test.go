package vynqtalk

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	if _, ok, _ := s.Get("k"); ok {
		t.Fatal("empty storage returned a value")
	}
	_ = s.Set("k", "v")
	if v, ok, _ := s.Get("k"); !ok || v != "v" {
		t.Fatalf("Get = %q %v", v, ok)
	}
	_ = s.Delete("k")
	if _, ok, _ := s.Get("k"); ok {
		t.Fatal("Delete did not remove key")
	}
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	t.Run("persists across instances", func(t *testing.T) {
		s := NewFileStorage(path)
		if err := SaveTokens(s, TokenPair{AccessToken: "a", RefreshToken: "r"}); err != nil {
			t.Fatalf("SaveTokens: %v", err)
		}
		if err := s.Set(KeyTheme, "dark"); err != nil {
			t.Fatalf("Set: %v", err)
		}

		reopened := NewFileStorage(path)
		tp, err := LoadTokens(reopened)
		if err != nil {
			t.Fatalf("LoadTokens: %v", err)
		}
		if tp.AccessToken != "a" || tp.RefreshToken != "r" {
			t.Errorf("tokens = %+v", tp)
		}
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Errorf("temp file left behind: %v", err)
		}
	})

	t.Run("clear session keeps theme", func(t *testing.T) {
		s := NewFileStorage(path)
		if err := SetJSON(s, KeyUser, User{ID: 7, Name: "Ada"}); err != nil {
			t.Fatalf("SetJSON: %v", err)
		}
		if err := ClearSession(s); err != nil {
			t.Fatalf("ClearSession: %v", err)
		}
		tp, _ := LoadTokens(s)
		if tp != (TokenPair{}) {
			t.Errorf("tokens survived: %+v", tp)
		}
		var u User
		if ok, _ := GetJSON(s, KeyUser, &u); ok {
			t.Error("user survived ClearSession")
		}
		if v, ok, _ := s.Get(KeyTheme); !ok || v != "dark" {
			t.Errorf("theme = %q %v", v, ok)
		}
	})

	t.Run("corrupt file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
			t.Fatal(err)
		}
		_, _, err := NewFileStorage(bad).Get(KeyAccessToken)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("err = %v, want ParseError", err)
		}
	})
}

func TestSaveTokensKeepsRefreshWhenNotRotated(t *testing.T) {
	s := NewMemoryStorage()
	_ = SaveTokens(s, TokenPair{AccessToken: "a1", RefreshToken: "r1"})
	_ = SaveTokens(s, TokenPair{AccessToken: "a2"})
	tp, _ := LoadTokens(s)
	if tp.AccessToken != "a2" || tp.RefreshToken != "r1" {
		t.Errorf("tokens = %+v", tp)
	}
}

func TestGetJSONParseError(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.Set(KeySettings, "nope")
	var out UserSettings
	ok, err := GetJSON(s, KeySettings, &out)
	var pe *ParseError
	if !ok || !errors.As(err, &pe) {
		t.Fatalf("GetJSON = %v, %v", ok, err)
	}
}
