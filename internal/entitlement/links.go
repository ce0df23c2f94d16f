package entitlement

import "log/slog"

// LogLinks publishes the shareable activation URL to the structured log, for
// surfaces that have no address bar to rewrite.
type LogLinks struct {
	Logger *slog.Logger
}

func (l LogLinks) PublishKeyURL(keyID string) {
	l.Logger.Info("activation url ready", "url", "/"+RoutePrefix+"/"+keyID)
}
