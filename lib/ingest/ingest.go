// Package ingest implements commit ordering and batch ingestion (spec.md
// §4.7): decrypt a batch of kind-445 events under the group's current
// conversation key, classify each by MLS content type, sort commits into a
// deterministic total order, apply them under the admin policy, and collect
// application rumors. Unreadable events are collected rather than failing
// the whole batch.
package ingest

import (
	"errors"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/convkey"
	"github.com/HORNET-Storage/nostr-mls/lib/logging"
	"github.com/HORNET-Storage/nostr-mls/lib/message"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// DefaultMaxRetries is spec.md §4.7's default retry budget for a batch that
// fails due to out-of-order or missing-prior-commit conditions.
const DefaultMaxRetries = 3

// Result is the outcome of an Ingest call.
type Result struct {
	State        mls.GroupState
	Applications []*nostr.Event
	Unreadable   []*mlserrors.UnreadableEvent
}

type decryptedMessage struct {
	event   *nostr.Event
	raw     []byte
	msgType mls.MessageType
}

// Ingest processes a batch of kind-445 events against state, per spec.md
// §4.7's numbered steps. save, if non-nil, is called after every commit is
// applied (incremental persistence), matching this module's resolved Open
// Question in favor of saving after each advancement rather than only at
// batch end.
func Ingest(engine mls.Engine, cipher convkey.Cipher, state mls.GroupState, admin mls.AdminCallback, events []*nostr.Event, maxRetries int, save func(mls.GroupState) error) (*Result, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	result := &Result{State: state}

	decrypted, unreadable := decryptBatch(engine, cipher, state, events)
	result.Unreadable = append(result.Unreadable, unreadable...)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		logging.Debug("applying ingest batch", map[string]interface{}{"attempt": attempt, "pending": len(decrypted)})
		remaining, applications, failed, retryable := applyBatch(engine, admin, result.State, decrypted, save)
		result.Applications = append(result.Applications, applications...)
		result.State = remaining

		if len(failed) == 0 {
			return result, nil
		}
		if !retryable || attempt == maxRetries {
			for _, f := range failed {
				logging.Error("giving up on event after exhausting retries", map[string]interface{}{"eventId": f.event.ID, "attempt": attempt})
				result.Unreadable = append(result.Unreadable, &mlserrors.UnreadableEvent{EventID: f.event.ID, Err: mlserrors.ErrOrderingFailure})
			}
			return result, nil
		}
		decrypted = failed
	}
	return result, nil
}

// decryptBatch performs spec.md §4.7 step 1: decrypt each event under
// state's current conversation key and classify it (step 2), partitioning
// into decryptable messages and unreadable events.
func decryptBatch(engine mls.Engine, cipher convkey.Cipher, state mls.GroupState, events []*nostr.Event) ([]decryptedMessage, []*mlserrors.UnreadableEvent) {
	var messages []decryptedMessage
	var unreadable []*mlserrors.UnreadableEvent

	for _, event := range events {
		raw, err := message.DecryptEnvelope(engine, cipher, state, event)
		if err != nil {
			unreadable = append(unreadable, &mlserrors.UnreadableEvent{EventID: event.ID, Err: err})
			continue
		}
		msgType, err := engine.PeekMessageType(raw)
		if err != nil {
			unreadable = append(unreadable, &mlserrors.UnreadableEvent{EventID: event.ID, Err: err})
			continue
		}
		messages = append(messages, decryptedMessage{event: event, raw: raw, msgType: msgType})
	}
	return messages, unreadable
}

// applyBatch performs steps 3-5: sort commits deterministically, apply
// every message in order (non-commits first applied as encountered,
// commits in sorted order), and collect application rumors. Messages that
// fail to apply (and appear retryable — an ordering failure) are returned
// in failed for the next retry round.
func applyBatch(engine mls.Engine, admin mls.AdminCallback, state mls.GroupState, messages []decryptedMessage, save func(mls.GroupState) error) (newState mls.GroupState, applications []*nostr.Event, failed []decryptedMessage, retryable bool) {
	ordered := orderBatch(messages)
	newState = state

	for _, m := range ordered {
		next, msgType, appData, err := engine.ProcessIncomingMessage(newState, m.raw, admin)
		if err != nil {
			failed = append(failed, m)
			if isOrderingFailure(err) {
				retryable = true
			}
			continue
		}

		switch msgType {
		case mls.MessageCommit:
			if next == nil {
				// Rejected by admin policy: does not advance state.
				continue
			}
			newState = next
			if save != nil {
				if err := save(newState); err != nil {
					failed = append(failed, m)
					continue
				}
			}
		case mls.MessageProposal:
			if next != nil {
				newState = next
			}
		case mls.MessageApplication:
			rumor, err := message.DeserializeRumor(appData)
			if err != nil {
				failed = append(failed, m)
				continue
			}
			applications = append(applications, rumor)
		}
	}
	return newState, applications, failed, retryable
}

func isOrderingFailure(err error) bool {
	return errors.Is(err, mlserrors.ErrOrderingFailure)
}

// orderBatch applies spec.md §4.7 step 3's deterministic commit ordering to
// the commits in messages, while leaving proposals and application
// messages in their original batch order (ordering among those types has no
// protocol significance).
func orderBatch(messages []decryptedMessage) []decryptedMessage {
	var commits, others []decryptedMessage
	for _, m := range messages {
		if m.msgType == mls.MessageCommit {
			commits = append(commits, m)
		} else {
			others = append(others, m)
		}
	}

	sort.SliceStable(commits, func(i, j int) bool {
		a, b := commits[i].event, commits[j].event
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		if a.PubKey != b.PubKey {
			return a.PubKey < b.PubKey
		}
		return a.ID < b.ID
	})

	// Non-commit messages are processed first (proposals must be pending
	// before the commit referencing them arrives), then commits in their
	// deterministic order.
	return append(others, commits...)
}
