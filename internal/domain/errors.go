package domain

import "errors"

// Sentinel errors for the kinds enumerated in the error-handling design:
// each is checked with errors.Is at the call site that needs to branch on
// it (postpone vs. retry vs. fatal), and wrapped with context via %w
// everywhere else.
var (
	// ErrConfigMissing marks a required environment variable or config
	// key that was absent at startup. Always fatal.
	ErrConfigMissing = errors.New("required configuration is missing")

	// ErrUnknownEventID marks a registry lookup for an event id with no
	// registered metadata. Fatal to the caller that issued the lookup.
	ErrUnknownEventID = errors.New("event id is not recognized by the registry")

	// ErrReceiptNotIndexed marks an eth_getTransactionReceipt call that
	// returned a null result. Non-fatal: the caller postpones the event.
	ErrReceiptNotIndexed = errors.New("transaction receipt not yet indexed")

	// ErrBlockNotFound marks an eth_getBlockByHash call that returned a
	// null result. Non-fatal: the caller retries after a sleep.
	ErrBlockNotFound = errors.New("block not found by hash")

	// ErrHandlerContextUnresolved marks a Decode call issued before
	// ResolveContext completed. Non-fatal: decode returns empty data.
	ErrHandlerContextUnresolved = errors.New("handler context not yet resolved")

	// ErrRateLimited marks a throttled outbound call. Non-fatal: the
	// caller waits for the next window and retries.
	ErrRateLimited = errors.New("outbound call rate limited")

	// ErrInvalidBlockRange marks from_block > to_block on a historical
	// job request.
	ErrInvalidBlockRange = errors.New("from_block must not exceed to_block")
)
