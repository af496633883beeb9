package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// AzureQueue dispatches jobs through an Azure Storage queue so that one
// worker in a fleet picks each of them up.
type AzureQueue struct {
	client     *azqueue.QueueClient
	visibility time.Duration
	logger     log.FieldLogger
}

func NewAzureQueue(connStr, name string, visibility time.Duration, logger log.FieldLogger) (*AzureQueue, error) {
	client, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &AzureQueue{client: client, visibility: visibility, logger: logger}, nil
}

// Create makes sure the queue exists.
func (q *AzureQueue) Create(ctx context.Context) error {
	_, err := q.client.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists" {
			return nil
		}
		return err
	}
	return nil
}

func (q *AzureQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := sonic.Marshal(job)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueMessage(ctx, string(payload), nil); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Name, err)
	}
	return nil
}

func (q *AzureQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	visibility := int32(q.visibility / time.Second)
	resp, err := q.client.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{VisibilityTimeout: &visibility})
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return nil, nil
	}
	id, receipt := *msg.MessageID, *msg.PopReceipt
	ack := func(ctx context.Context) error {
		_, err := q.client.DeleteMessage(ctx, id, receipt, nil)
		return err
	}
	var text string
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	job, err := decodeJob(text)
	if err != nil {
		q.logger.WithError(err).WithField("message", id).Error("dropping malformed job message")
		if ackErr := ack(ctx); ackErr != nil {
			q.logger.WithError(ackErr).WithField("message", id).Warn("delete malformed message failed")
		}
		return nil, nil
	}
	return &Delivery{Job: job, Ack: ack}, nil
}

func decodeJob(text string) (Job, error) {
	var job Job
	if err := sonic.UnmarshalString(text, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.Name == "" {
		return Job{}, fmt.Errorf("decode job: missing job name")
	}
	return job, nil
}
