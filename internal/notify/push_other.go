//go:build !windows

package notify

import "clash-tray/internal/core"

func push(_, title, message string) {
	core.Log.Warnf("Notify", "%s: %s", title, message)
}
