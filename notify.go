package relay

// Notifier surfaces best-effort local notifications for messages from other
// users. Implementations decide whether notification permission was granted;
// a returned error is logged and otherwise ignored by the engine.
type Notifier interface {
	Notify(title, body string) error
}

// NopNotifier discards all notifications. Used when permission was not
// granted or no notification surface exists.
type NopNotifier struct{}

func (NopNotifier) Notify(title, body string) error { return nil }
