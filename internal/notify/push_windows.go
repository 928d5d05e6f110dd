//go:build windows

package notify

import (
	"github.com/go-toast/toast"

	"clash-tray/internal/core"
)

func push(appName, title, message string) {
	n := toast.Notification{
		AppID:   appName,
		Title:   title,
		Message: message,
	}
	if err := n.Push(); err != nil {
		core.Log.Warnf("Notify", "Toast notification failed: %v", err)
	}
}
