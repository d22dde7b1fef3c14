// Package dispatch runs a plugin's message dispatch: for each target, send
// its messages in order with a pause between them, then report one summary.
//
// A Job holds a non-blocking guard. A run that finds the guard taken, or
// that starts outside the plan's execution window, does nothing. Failures
// are counted per message and never stop the other targets.
package dispatch
