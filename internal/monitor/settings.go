package monitor

import (
	"distressguard/internal/config"
	"distressguard/internal/escalation"
	"distressguard/internal/keyword"
	"distressguard/internal/location"
	"distressguard/internal/transcribe"
)

func EngineConfig(cfg *config.Config) transcribe.Config {
	r := cfg.Recognition.Restart
	return transcribe.Config{
		Language: cfg.Recognition.Language,
		Restart: transcribe.RestartPolicy{
			ErrorThreshold: r.ErrorThreshold,
			ErrorWindow:    r.ErrorWindow,
			BaseBackoff:    r.BaseBackoff,
			MaxBackoff:     r.MaxBackoff,
		},
	}
}

func TrackerConfig(cfg *config.Config) location.Config {
	return location.Config{MaxAge: cfg.Location.MaxAge, Timeout: cfg.Location.Timeout}
}

func ControllerConfig(cfg *config.Config) escalation.Config {
	return escalation.Config{
		Cooldown:        cfg.Escalation.Cooldown,
		DispatchTimeout: cfg.Escalation.DispatchTimeout,
	}
}

// NewMatcher builds the lexicon from the configured extras, with the
// Kiswahili list first when enabled.
func NewMatcher(cfg *config.Config) *keyword.Matcher {
	var extras [][]string
	if cfg.Recognition.Kiswahili {
		extras = append(extras, keyword.Kiswahili)
	}
	extras = append(extras, cfg.Recognition.ExtraKeywords)
	return keyword.NewMatcher(extras...)
}
