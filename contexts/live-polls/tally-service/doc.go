// Package tallyservice implements live poll voting inside the live-polls
// context.
//
// The module owns the vote ledger, the running per-poll tallies and the
// fan-out of tally snapshots to streaming clients. Every vote goes through
// VoteGateway, which writes the ledger, moves the cached tally and publishes
// the resulting snapshot as one step per poll. Storage, caching and transport
// concerns sit behind ports and adapters.
package tallyservice
