package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithUser adds user_id context to logger.
func (l *Logger) WithUser(userID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("user_id", userID).Logger(),
	}
}

// WithDevice adds user_id and device_id context to logger.
func (l *Logger) WithDevice(userID, deviceID string) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("user_id", userID).
			Str("device_id", deviceID).
			Logger(),
	}
}

// WithRoom adds room_id context to logger.
func (l *Logger) WithRoom(roomID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("room_id", roomID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// KeysUploaded logs completion of a one-time-key upload cycle.
func (l *Logger) KeysUploaded(generated, serverCount, capacity int) {
	l.logger.Info().
		Int("generated", generated).
		Int("server_count", serverCount).
		Int("capacity", capacity).
		Msg("one-time keys uploaded")
}

// DeviceRejected logs a device record that failed validation.
func (l *Logger) DeviceRejected(userID, deviceID, reason string) {
	l.logger.Warn().
		Str("user_id", userID).
		Str("device_id", deviceID).
		Str("reason", reason).
		Msg("device record rejected")
}

// SessionEstablished logs a newly created outbound session.
func (l *Logger) SessionEstablished(userID, deviceID, sessionID string) {
	l.logger.Debug().
		Str("user_id", userID).
		Str("device_id", deviceID).
		Str("session_id", sessionID).
		Msg("outbound session established")
}

// AlgorithmRejected logs an attempt to rebind a room to a different algorithm.
func (l *Logger) AlgorithmRejected(roomID, bound, requested string) {
	l.logger.Error().
		Str("room_id", roomID).
		Str("bound_algorithm", bound).
		Str("requested_algorithm", requested).
		Msg("ignoring request to change room encryption algorithm")
}

// DecryptFailed logs a decryption failure marker attached to an event.
func (l *Logger) DecryptFailed(eventID, roomID, algorithm, reason string) {
	l.logger.Error().
		Str("event_id", eventID).
		Str("room_id", roomID).
		Str("algorithm", algorithm).
		Str("reason", reason).
		Msg("event decryption failed")
}

// AnnouncementSent logs a device-presence announcement.
func (l *Logger) AnnouncementSent(userID, deviceID, roomID string) {
	l.logger.Debug().
		Str("user_id", userID).
		Str("device_id", deviceID).
		Str("room_id", roomID).
		Msg("new-device announcement sent")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
