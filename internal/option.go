package internal

import "log/slog"

// Option is a functional option for configuring the application.
type Option func(*application)

// Notifier receives pipeline and integrity decisions for live delivery.
type Notifier interface {
	PublishDecision(kind, subject string, data any)
}

type application struct {
	config *Config
	logger *slog.Logger
	events Notifier
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogger replaces the JSON stdout logger built from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(a *application) {
		a.logger = logger
	}
}

// WithEvents routes decisions to n.
func WithEvents(n Notifier) Option {
	return func(a *application) {
		a.events = n
	}
}
