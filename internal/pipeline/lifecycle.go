package pipeline

import "blocklog/logging/lifecycle"

// LifecycleSource is a host runtime that raises named notifications.
type LifecycleSource interface {
	Subscribe(notification string, handler func())
}

// ListenToHost logs the fixed set of lifecycle notifications as control
// events. Subscribing the same source again is a no-op; sources are compared
// by identity, so they must be comparable (typically pointers).
func (l *Logger) ListenToHost(source LifecycleSource) {
	if source == nil {
		return
	}
	l.subscribedMu.Lock()
	if _, done := l.subscribed[source]; done {
		l.subscribedMu.Unlock()
		return
	}
	l.subscribed[source] = struct{}{}
	l.subscribedMu.Unlock()

	for _, sub := range lifecycle.Subscriptions() {
		eventType := sub.Type
		source.Subscribe(sub.Notification, func() {
			l.LogControlEvent(eventType, nil)
		})
	}
}
