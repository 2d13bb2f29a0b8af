package vynqtalk

import (
	"errors"
	"testing"
	"time"
)

func TestDesktopNotifier(t *testing.T) {
	newNotifier := func(prompt func() bool) (*DesktopNotifier, *[]string) {
		var shown []string
		n := NewDesktopNotifier(time.Hour, prompt)
		n.send = func(title, body, _ string) error {
			shown = append(shown, title+"|"+body)
			return nil
		}
		return n, &shown
	}

	t.Run("nothing shown before permission", func(t *testing.T) {
		n, shown := newNotifier(nil)
		if n.Permission() != PermissionDefault {
			t.Fatalf("initial permission = %s", n.Permission())
		}
		if err := n.Notify("a", "b"); err != nil || len(*shown) != 0 {
			t.Errorf("shown %v, err %v", *shown, err)
		}
	})

	t.Run("request asks once", func(t *testing.T) {
		asked := 0
		n, _ := newNotifier(func() bool { asked++; return false })
		if n.RequestPermission() != PermissionDenied || n.RequestPermission() != PermissionDenied {
			t.Error("expected denied")
		}
		if asked != 1 {
			t.Errorf("prompted %d times", asked)
		}
	})

	t.Run("burst is throttled", func(t *testing.T) {
		n, shown := newNotifier(nil)
		if n.RequestPermission() != PermissionGranted {
			t.Fatal("nil prompt should grant")
		}
		for i := 0; i < 5; i++ {
			if err := n.Notify("t", "m"); err != nil {
				t.Fatal(err)
			}
		}
		if len(*shown) != 3 {
			t.Errorf("shown %d notifications, want 3", len(*shown))
		}
	})

	t.Run("send error is returned", func(t *testing.T) {
		n, _ := newNotifier(nil)
		n.RequestPermission()
		n.send = func(string, string, string) error { return errors.New("no dbus") }
		if err := n.Notify("t", "m"); err == nil {
			t.Error("expected error")
		}
	})
}
