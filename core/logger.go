package core

// Logger reports application events to stdout and, when enabled, to an
// external error tracker. Args may carry an error, a map of extra context
// or a user object depending on the implementation.
type Logger interface {
	Enable(enabled bool)
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{}) // must exit the process
}
