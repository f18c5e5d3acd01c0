// Package reconcile holds the pure reducers that fold gateway events into
// client state. Every reducer takes the current value and one event and
// returns the next value without mutating its input; when an event changes
// nothing the input is returned as is. Unknown ids are absorbed as no-ops.
// Applying the same event twice yields the same result as applying it once.
package reconcile
