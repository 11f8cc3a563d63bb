// Package bus moves room events between signaling instances over Redis
// pub/sub, so peers attached to different instances of the same deployment
// still see each other's broadcasts.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/logging"
	"github.com/huddlekit/signaling/internal/v1/metrics"
)

// PubSubPayload is the envelope for events crossing instances.
type PubSubPayload struct {
	RoomID     string          `json:"roomId"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	SenderID   string          `json:"senderId"`   // Originating peer
	InstanceID string          `json:"instanceId"` // Originating instance; used to suppress echo
}

// Service handles all interaction with the Redis cluster. A nil *Service
// is valid and degrades to single-instance mode.
//
// Every publish is stamped with this instance's id and Subscribe drops
// messages carrying it, so an instance never re-delivers its own
// broadcasts. Filtering by instance rather than by sender-peer locality
// matters: the echo of a peerLeft arrives after its sender has already
// left the local peer set.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies the connection immediately.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	instanceID := uuid.NewString()
	logging.Info(context.Background(), "Connected to Redis pub/sub",
		zap.String("addr", addr),
		zap.String("instanceId", instanceID))
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: instanceID,
	}, nil
}

func channelFor(roomID string) string {
	return fmt.Sprintf("sfu:room:%s", roomID)
}

// Publish broadcasts a room event to all other instances watching this
// room. An open circuit breaker drops the message instead of failing the
// caller.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		data, err := json.Marshal(PubSubPayload{
			RoomID:     roomID,
			Event:      event,
			Payload:    innerBytes,
			SenderID:   senderID,
			InstanceID: s.instanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channelFor(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: dropping publish", zap.String("roomId", roomID))
			return nil
		}
		logging.Error(ctx, "Redis publish failed", zap.String("roomId", roomID), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe listens for the room's events until the returned unsubscribe
// function is called or ctx is cancelled. Messages this instance published
// are dropped before the handler sees them.
func (s *Service) Subscribe(ctx context.Context, roomID string, handler func(PubSubPayload)) func() {
	if s == nil || s.client == nil {
		return func() {} // Single-instance mode
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(subCtx, channelFor(roomID))

	go func() {
		defer pubsub.Close()

		logging.Info(subCtx, "Subscribed to Redis channel", zap.String("channel", channelFor(roomID)))
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(context.Background(), "Redis subscription channel closed", zap.String("channel", channelFor(roomID)))
					return
				}
				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					logging.Error(subCtx, "Failed to unmarshal Redis message", zap.Error(err))
					continue
				}
				if payload.InstanceID == s.instanceID {
					continue
				}
				handler(payload)
			}
		}
	}()

	return cancel
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
