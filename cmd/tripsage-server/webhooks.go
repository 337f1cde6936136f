package main

import (
	"context"
	"encoding/json"

	"github.com/tripsage/tripsage-core/jobqueue"
	"github.com/tripsage/tripsage-core/runtime/memory"
	"github.com/tripsage/tripsage-core/runtime/telemetry"
	"github.com/tripsage/tripsage-core/webhook"
)

// notifyTopic is the durable job queue topic the trips stream publishes to
// for collaborator-invite notification email (S4).
const notifyTopic = "notify"

// collaboratorRecord is the shape of a trip_collaborators row, the only
// table the trips stream is bound to notify on.
type collaboratorRecord struct {
	TripID string `json:"trip_id"`
	UserID string `json:"user_id"`
}

// webhookBindings returns the Stream bindings spec.md §6 names (trips,
// files, cache): trips dispatches durably to the notify job since sending
// an email is a retryable, non-trivial side effect; files runs inline and
// only logs the change; cache runs inline and dispatches a SyncSession
// memory intent for the record's session.
func webhookBindings(mem *memory.Orchestrator, logger telemetry.Logger) []webhook.Binding {
	return []webhook.Binding{
		{Stream: webhook.StreamTrips, Topic: notifyTopic},
		{
			Stream: webhook.StreamFiles,
			Inline: func(ctx context.Context, event webhook.Event) error {
				logger.Info(ctx, "cmd/tripsage-server: file change observed", "table", event.Table, "op", event.Type)
				return nil
			},
		},
		{
			Stream: webhook.StreamCache,
			Inline: func(ctx context.Context, event webhook.Event) error {
				var probe struct {
					SessionID string `json:"session_id"`
					UserID    string `json:"user_id"`
				}
				if err := json.Unmarshal(event.Record, &probe); err != nil || probe.SessionID == "" {
					return nil
				}
				_, errs, err := mem.Dispatch(ctx, memory.Intent{
					Kind:      memory.IntentSyncSession,
					SessionID: probe.SessionID,
					UserID:    probe.UserID,
				})
				for _, adapterErr := range errs {
					logger.Warn(ctx, "cmd/tripsage-server: cache sync adapter error", "adapter", adapterErr.Adapter, "error", adapterErr.Err)
				}
				return err
			},
		},
	}
}

// jobHandlers returns the {job} topic handlers POST /api/jobs/{job}
// dispatches to. notify sends the collaborator-invite email described by
// S4; redelivery is guarded by the topic-scoped "<topic>:<event_key>"
// reservation the POST /api/jobs/{job} handler makes before invoking it.
func jobHandlers(mailer *emailer) map[string]jobqueue.Handler {
	return map[string]jobqueue.Handler{
		notifyTopic: func(ctx context.Context, env jobqueue.Envelope) error {
			var event webhook.Event
			if err := json.Unmarshal(env.Payload, &event); err != nil {
				return err
			}
			var record collaboratorRecord
			if err := json.Unmarshal(event.Record, &record); err != nil {
				return err
			}
			return mailer.send(ctx, record.UserID, "You've been added to a trip",
				"You now have access to a shared trip on TripSage.")
		},
	}
}
