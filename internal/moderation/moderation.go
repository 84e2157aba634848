// Package moderation provides the content check every chat message must pass
// before relay. The relay depends only on the Moderator interface; the
// built-in Filter is the default implementation, and a remote service can be
// swapped in behind the same contract.
package moderation

// Result is the outcome of a moderation check.
type Result struct {
	Allowed      bool
	FilteredText string // content to relay when allowed (may differ from input)
	Reason       string // why the message was blocked, empty when allowed
	Term         string // the specific term or pattern that triggered a block
}

// Moderator screens a message before it is appended or relayed. A blocked
// message is never persisted and never delivered; the sender is always told.
type Moderator interface {
	Moderate(text string, authorIdentity string) Result
}
