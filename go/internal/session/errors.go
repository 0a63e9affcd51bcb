package session

import "errors"

var (
	// ErrNotFound is returned when no waiting session matches a join code
	// or a session id is unknown. User-visible as "room not found".
	ErrNotFound = errors.New("session not found")

	// ErrRoomFull is returned when every slot is occupied at join time.
	// Surfaced distinctly from ErrNotFound.
	ErrRoomFull = errors.New("room is full")

	// ErrRaceLost marks a conditional write that found the record already
	// changed underneath it. Retried a bounded number of times before it
	// bubbles up.
	ErrRaceLost = errors.New("lost update race")

	// ErrStale marks a write made against an out-of-date local copy.
	// Resolved by re-fetch and retry.
	ErrStale = errors.New("stale session copy")

	// ErrUnreachable wraps store or channel connectivity failures.
	ErrUnreachable = errors.New("backing store unreachable")

	// ErrDuplicateAnswer marks a second answer for the same
	// (session, participant, round). Ignored by callers, never scored.
	ErrDuplicateAnswer = errors.New("answer already submitted")
)
