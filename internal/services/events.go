package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const notificationQueue = "notification_queue"

// PayRequestStatusChanged is emitted after every pay request transition.
type PayRequestStatusChanged struct {
	Event     string    `json:"event"`
	RequestID string    `json:"requestId"`
	NewStatus string    `json:"newStatus"`
	Timestamp time.Time `json:"timestamp"`
}

// PurchaseCompleted is emitted after a checkout commits.
type PurchaseCompleted struct {
	Event       string    `json:"event"`
	PurchaseIDs []string  `json:"purchaseIds"`
	AccountID   string    `json:"accountId"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventPublisher hands domain events to the notification dispatcher.
// Delivery and formatting are someone else's problem; publish failures are
// logged and never fail the originating workflow, which has already
// committed.
type EventPublisher interface {
	PublishPayRequestStatusChanged(ctx context.Context, requestID, newStatus string)
	PublishPurchaseCompleted(ctx context.Context, purchaseIDs []string, accountID string)
}

// RedisEventPublisher pushes event payloads onto a redis list consumed by
// the notification worker. A nil client drops events with a log line so the
// service keeps working without redis.
type RedisEventPublisher struct {
	redis *redis.Client
}

func NewRedisEventPublisher(redisClient *redis.Client) *RedisEventPublisher {
	return &RedisEventPublisher{redis: redisClient}
}

func (p *RedisEventPublisher) PublishPayRequestStatusChanged(ctx context.Context, requestID, newStatus string) {
	p.push(ctx, PayRequestStatusChanged{
		Event:     "PayRequestStatusChanged",
		RequestID: requestID,
		NewStatus: newStatus,
		Timestamp: time.Now(),
	})
}

func (p *RedisEventPublisher) PublishPurchaseCompleted(ctx context.Context, purchaseIDs []string, accountID string) {
	p.push(ctx, PurchaseCompleted{
		Event:       "PurchaseCompleted",
		PurchaseIDs: purchaseIDs,
		AccountID:   accountID,
		Timestamp:   time.Now(),
	})
}

func (p *RedisEventPublisher) push(ctx context.Context, event any) {
	if p.redis == nil {
		log.Printf("[EVENTS] redis unavailable, dropping event %T", event)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[EVENTS] failed to marshal event: %v", err)
		return
	}

	if err := p.redis.RPush(ctx, notificationQueue, string(data)).Err(); err != nil {
		log.Printf("[EVENTS] failed to queue event: %v", err)
	}
}
