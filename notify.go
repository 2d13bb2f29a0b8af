package vynqtalk

import (
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"golang.org/x/time/rate"
)

// Permission is the desktop notification grant state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Notifier raises system notifications for messages outside the active conversation.
type Notifier interface {
	Permission() Permission
	RequestPermission() Permission
	Notify(title, body string) error
}

// Toaster shows an in-app transient notice for the active conversation.
type Toaster interface {
	Toast(title, body string)
}

// ToastFunc adapts a function to Toaster.
type ToastFunc func(title, body string)

func (f ToastFunc) Toast(title, body string) { f(title, body) }

// DesktopNotifier shows notifications through the OS notification center.
// Nothing is shown until permission is granted, and bursts are throttled.
type DesktopNotifier struct {
	AppIcon string

	mu         sync.Mutex
	permission Permission
	prompt     func() bool
	limiter    *rate.Limiter
	send       func(title, body, icon string) error
}

// NewDesktopNotifier creates a notifier that allows one notification per interval with a
// small burst. prompt decides the outcome of RequestPermission; nil grants it.
func NewDesktopNotifier(interval time.Duration, prompt func() bool) *DesktopNotifier {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &DesktopNotifier{
		permission: PermissionDefault,
		prompt:     prompt,
		limiter:    rate.NewLimiter(rate.Every(interval), 3),
		send: func(title, body, icon string) error {
			return beeep.Notify(title, body, icon)
		},
	}
}

func (n *DesktopNotifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

// RequestPermission asks once. Later calls return the stored decision.
func (n *DesktopNotifier) RequestPermission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.permission != PermissionDefault {
		return n.permission
	}
	if n.prompt == nil || n.prompt() {
		n.permission = PermissionGranted
	} else {
		n.permission = PermissionDenied
	}
	return n.permission
}

// Notify shows the notification when permitted and not throttled. Throttled calls are dropped.
func (n *DesktopNotifier) Notify(title, body string) error {
	if n.Permission() != PermissionGranted {
		return nil
	}
	if !n.limiter.Allow() {
		return nil
	}
	return n.send(title, body, n.AppIcon)
}

// noopNotifier is used when no notifier is configured.
type noopNotifier struct{}

func (noopNotifier) Permission() Permission        { return PermissionDenied }
func (noopNotifier) RequestPermission() Permission { return PermissionDenied }
func (noopNotifier) Notify(string, string) error   { return nil }
