package logging

type nopLogger struct{}

var nop Logger = nopLogger{}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nop }

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) With(...any) Logger   { return nop }
