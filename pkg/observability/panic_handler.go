package observability

import (
	"runtime/debug"
)

// RecoverPanic is deferred around background work that must not take the
// gateway down with it, such as the signing-key refresh tick. A recovered
// panic is logged at Error level with its stack and then swallowed; the
// surrounding goroutine returns normally.
func RecoverPanic(logger *Logger, operation string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("operation", operation).
			Error("panic recovered")
	}
}
