// Package server implements a programmable mock WebSocket server for
// testing protocol clients.
//
// A test pre-loads an ordered queue of canned responses, starts the mock,
// drives it through the client under test, and finally stops it to obtain
// the ordered record of everything the client sent. The mock accepts one
// connection per run and answers conversational requests strictly from the
// front of the queue; queued fire-and-forget responses stay put until the
// client asks for them with a broadcast trigger.
//
// Malformed test setup fails fast: bind failures, sub-protocol mismatches,
// misconfigured triggers and transport write failures all abort the process
// instead of degrading, because a misbehaving test double is worse than a
// loud one.
package server
