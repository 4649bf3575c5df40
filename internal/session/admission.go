package session

import "github.com/ocupoint/vbiproxyd/internal/wire"

// IoctlPermitted implements the admission rule for a passthrough ioctl that
// the capture whitelist marked as requiring permission: the caller must
// either already own the channel, or hold Interactive/Record priority at
// least as high as the device's current priority.
func IoctlPermitted(requiresPermission, ownsChannel bool, clientPriority, devicePriority wire.Priority) bool {
	if !requiresPermission {
		return true
	}
	if ownsChannel {
		return true
	}
	if clientPriority == wire.PriorityBackground {
		return false
	}
	return clientPriority >= devicePriority
}
