// Package logging configures the process-wide slog logger for the two
// output modes a stdio proxy can afford.
//
// In stderr mode log records go to standard error as text, keeping
// standard output reserved for protocol frames. In notification mode
// records are converted to entries on a buffered channel so the proxy
// can forward them to the local client as notifications/message frames;
// nothing is ever written to standard output by the logger itself.
//
// Both modes install themselves as the slog default, so packages log
// through plain slog calls without knowing which mode is active.
package logging
