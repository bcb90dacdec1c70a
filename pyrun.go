// Package pyrun runs one-shot interpreter scripts and extracts the
// JSON payload they print between sentinel markers.
package pyrun

// Version is the pyrun release version.
const Version = "0.3.0"
