// Package broadcast fans one opportunity out to every active destination.
//
// Every send is guarded by a ledger claim: a destination receives a given
// opportunity only if this call won the claim, and the claim is confirmed
// after the send succeeds or released when it fails. Feed polls, webhooks and
// operator commands all go through the same Engine.
package broadcast
