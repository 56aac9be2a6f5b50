package notify

import "github.com/rs/zerolog/log"

// Notifier is the external notification surface. The desktop shell plugs in
// its own implementation; the default just logs.
type Notifier interface {
	Notify(title, body string)
}

type LogNotifier struct{}

func (LogNotifier) Notify(title, body string) {
	log.Info().Str("title", title).Str("body", body).Msg("notification")
}
