package model

import "errors"

// Error taxonomy for turn processing. Handlers map these onto HTTP statuses
// with errors.Is; everything else is treated as an internal error.
var (
	// ErrEmptyContent rejects empty or whitespace-only message content.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrUnauthenticated rejects submissions without a user identity.
	ErrUnauthenticated = errors.New("user is not authenticated")

	// ErrNotFound marks a missing conversation or turn.
	ErrNotFound = errors.New("not found")

	// ErrConversationBusy rejects a submission while a prior assistant turn
	// in the same conversation has not reached a terminal status.
	ErrConversationBusy = errors.New("a generation is already in flight for this conversation")

	// ErrNoCredential marks a provider call that cannot be authenticated.
	ErrNoCredential = errors.New("no API key configured for provider")

	// ErrEditNotLast rejects editing a user turn that already has turns after it
	// beyond its own assistant reply window.
	ErrEditNotLast = errors.New("only the most recent user turn can be edited")
)

// ApologyContent is the fixed user-facing content persisted when generation
// fails with nothing to show.
const ApologyContent = "Sorry, I encountered an error. Please try again."
