package main

import (
	"context"
	"encoding/json"

	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

// RunNudgeSubscriber wakes the consumer whenever ingestion announces new
// events. Nudges are hints only, so every message is acked: missing one just
// means the tenant waits for the next poll.
func RunNudgeSubscriber(ctx context.Context, logger *logrus.Logger, consumer *workflow.Consumer) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, config.NudgeTopicName())
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, config.NudgeSubscriptionName(), topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()
		var m config.NudgeMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			config.LogError(logger, "nudgeSubscriber.go", "RunNudgeSubscriber", "Unmarshaling nudge message", msg.Data, err)
			return
		}
		logger.WithFields(logrus.Fields{
			"field":          "NudgeSubscriber",
			"tenant_id":      m.TenantId,
			"correlation_id": m.CorrelationId,
			"message_id":     msg.ID,
		}).Debug("nudge received")
		consumer.Nudge()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "nudgeSubscriber.go", "RunNudgeSubscriber", "Failed to receive messages", nil, err)
		}
	}()
	return nil
}
