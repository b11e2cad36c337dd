// Package session stores per-(conversation, agent) turn history.
//
// Sessions are scoped by a composite Key so that agents sharing one
// conversation never read each other's turns. The string form
// "<conversation>_<agent>" exists only at the storage key-encoding step;
// everything above that boundary works with the structured Key.
package session
