// Package burst groups rapid-fire fragments from the same sender inside
// one ingest batch into a single analyzable message, avoiding one AI call
// per fragment while keeping every fragment's own inbox row. Pure
// function, no persistence or side effects.
package burst

import (
	"fmt"
	"sort"

	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/transport"
)

// mergedSummary is the fixed Arabic summary written onto every non-last
// message of a burst group.
const mergedSummary = "تم دمج الرسالة مع الرد التالي"

// Item pairs a normalized message with its position in the caller's
// batch, since Group needs to report merge decisions back against the
// original index.
type Item struct {
	Index int
	Msg   transport.NormalizedMessage
}

// Outcome is the grouping decision for one message in the batch.
type Outcome struct {
	Index int
	// Merged is true for every non-last message of a multi-message burst;
	// its inbox row should be written with status=merged and the fixed
	// placeholder summary, no analysis.
	Merged bool
	// DrivingBody is populated for the last message of a burst and for a
	// lone message: the "[HH:MM] body" text to hand to analysis,
	// concatenated across the burst's fragments (a lone message yields its
	// single formatted fragment).
	DrivingBody string
	// Attachments is the union of every message's attachments in the
	// burst, populated alongside DrivingBody.
	Attachments []model.Attachment
}

// Group partitions msgs by sender_contact and, within each group of 2 or
// more messages arriving in this batch, merges every non-last message
// into the last one ordered by received_at ascending.
func Group(msgs []transport.NormalizedMessage) []Outcome {
	bySender := make(map[string][]Item)
	for i, m := range msgs {
		bySender[m.SenderContact] = append(bySender[m.SenderContact], Item{Index: i, Msg: m})
	}

	outcomes := make([]Outcome, len(msgs))
	for _, group := range bySender {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Msg.ReceivedAt.Before(group[j].Msg.ReceivedAt)
		})

		if len(group) == 1 {
			m := group[0].Msg
			outcomes[group[0].Index] = Outcome{
				Index:       group[0].Index,
				DrivingBody: formatFragment(m),
				Attachments: m.Attachments,
			}
			continue
		}

		var body string
		var attachments []model.Attachment
		for i, item := range group {
			body += formatFragment(item.Msg)
			if i < len(group)-1 {
				body += "\n"
			}
			attachments = append(attachments, item.Msg.Attachments...)
		}

		for i, item := range group {
			if i == len(group)-1 {
				outcomes[item.Index] = Outcome{
					Index:       item.Index,
					DrivingBody: body,
					Attachments: attachments,
				}
				continue
			}
			outcomes[item.Index] = Outcome{Index: item.Index, Merged: true}
		}
	}
	return outcomes
}

// MergedSummary is the fixed Arabic summary applied to every merged
// message, exported so the ingestion scheduler can write it verbatim.
func MergedSummary() string { return mergedSummary }

func formatFragment(m transport.NormalizedMessage) string {
	return fmt.Sprintf("[%s] %s", m.ReceivedAt.Format("15:04"), m.Body)
}
