package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting for fleet
// entities (servers, breakers, health states).
type StyledLogger struct {
	logger *slog.Logger
	Theme  *theme.Theme
}

func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		Theme:  theme,
	}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *StyledLogger) InfoWithServer(msg string, serverID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Server}.Sprint(serverID))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithServer(msg string, serverID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Server}.Sprint(serverID))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithServer(msg string, serverID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Server}.Sprint(serverID))
	sl.logger.Error(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithBreaker(msg string, key domain.BreakerKey, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Breaker}.Sprint(key.String()))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithBreaker(msg string, key domain.BreakerKey, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Breaker}.Sprint(key.String()))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Counts}.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

// InfoHealthStatus logs a server health transition with status colouring.
func (sl *StyledLogger) InfoHealthStatus(msg string, serverID string, status domain.ServerStatus, args ...any) {
	var statusColor pterm.Color
	var statusText string

	switch status {
	case domain.StatusHealthy:
		statusColor = sl.Theme.HealthHealthy
		statusText = "Healthy"
	case domain.StatusUnhealthy:
		statusColor = sl.Theme.HealthUnhealthy
		statusText = "Unhealthy"
	default:
		statusColor = sl.Theme.HealthUnknown
		statusText = "Unknown"
	}
	styledMsg := fmt.Sprintf("%s %s is %s", msg,
		pterm.Style{sl.Theme.Server}.Sprint(serverID),
		pterm.Style{statusColor}.Sprint(statusText))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

func (sl *StyledLogger) WithRequestID(requestID string) *StyledLogger {
	return sl.With("request_id", requestID)
}

func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		Theme:  sl.Theme,
	}
}

func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}

// NewDiscard returns a styled logger that drops everything. Test helper.
func NewDiscard() *StyledLogger {
	return NewStyledLogger(slog.New(discardHandler{}), theme.Default())
}
