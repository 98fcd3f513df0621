package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keyer-service/internal/keyer"
	"keyer-service/internal/logger"
	"keyer-service/internal/types"

	"github.com/redis/go-redis/v9"
)

type Callbacks struct {
	KeyCallback        func(keyer.Channel, bool) error // paddle transition injected over Redis
	ModeCallback       func(keyer.Mode) error
	SpeedCallback      func(int) error // words per minute
	ResetCallback      func() error
	AudioRetryCallback func() error
	SettingsCallback   func(string) error // setting key that was updated (e.g., "keyer.sidetone-hz")
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(host string, port int, l *logger.Logger) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   0,
		}),
		logger: l,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetCallbacks registers the command handlers. Must be called before
// StartListening.
func (r *RedisClient) SetCallbacks(callbacks Callbacks) {
	r.callbacks = callbacks
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		r.logger.Infof("Redis connection failed: %v", err)
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")
	return nil
}

// StartListening starts all Redis listeners after system initialization is complete
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")

	// Subscribe to pub/sub channels for system events
	pubsub := r.client.Subscribe(r.ctx, "settings")
	r.logger.Infof("Subscribed to Redis channels: settings")

	// Start pub/sub listener
	r.wg.Add(1)
	go r.redisListener(pubsub)

	// Start list command listeners for LPUSH commands
	r.wg.Add(5)
	go r.listCommandListener("keyer:key", r.handleKeyCommand)
	go r.listCommandListener("keyer:mode", r.handleModeCommand)
	go r.listCommandListener("keyer:speed", r.handleSpeedCommand)
	go r.listCommandListener("keyer:reset", r.handleResetCommand)
	go r.listCommandListener("keyer:audio", r.handleAudioCommand)

	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
			// Use BRPOP with a short timeout to allow periodic context cancellation checks
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if err == redis.Nil {
					// Timeout elapsed, loop back to check context
					continue
				}
				if err == context.Canceled {
					r.logger.Infof("Context cancelled, exiting %s listener", key)
					return
				}
				r.logger.Infof("Error reading from %s list: %v", key, err)
				continue
			}

			select {
			case <-r.ctx.Done():
				r.logger.Infof("Context cancelled, exiting %s listener", key)
				return
			default:
				if len(result) >= 2 { // BRPOP returns [key, value]
					value := result[1]
					r.logger.Debugf("Received command from %s: %s", key, value)
					if err := handler(value); err != nil {
						r.logger.Warnf("Error handling %s command: %v", key, err)
					}
				}
			}
		}
	}
}

// handleKeyCommand processes paddle transitions injected over Redis, e.g.
// from a remote paddle bridge or an exerciser script.
func (r *RedisClient) handleKeyCommand(value string) error {
	if r.callbacks.KeyCallback == nil {
		return nil
	}
	switch value {
	case "dit:down":
		return r.callbacks.KeyCallback(keyer.Dit, true)
	case "dit:up":
		return r.callbacks.KeyCallback(keyer.Dit, false)
	case "dah:down":
		return r.callbacks.KeyCallback(keyer.Dah, true)
	case "dah:up":
		return r.callbacks.KeyCallback(keyer.Dah, false)
	default:
		r.logger.Infof("Invalid key command value: %s", value)
		return fmt.Errorf("invalid key command: %s", value)
	}
}

func (r *RedisClient) handleModeCommand(value string) error {
	if r.callbacks.ModeCallback == nil {
		return nil
	}
	mode, err := keyer.ParseMode(value)
	if err != nil {
		r.logger.Infof("Invalid mode command value: %s", value)
		return fmt.Errorf("invalid mode command: %s", value)
	}
	return r.callbacks.ModeCallback(mode)
}

func (r *RedisClient) handleSpeedCommand(value string) error {
	if r.callbacks.SpeedCallback == nil {
		return nil
	}
	var wpm int
	_, err := fmt.Sscanf(value, "%d", &wpm)
	if err != nil {
		r.logger.Infof("Invalid speed command value: %s, expected integer: %v", value, err)
		return fmt.Errorf("invalid speed command: %s", value)
	}
	return r.callbacks.SpeedCallback(wpm)
}

func (r *RedisClient) handleResetCommand(value string) error {
	if r.callbacks.ResetCallback == nil {
		return nil
	}
	switch value {
	case "reset":
		return r.callbacks.ResetCallback()
	default:
		r.logger.Infof("Invalid reset command value: %s", value)
		return fmt.Errorf("invalid reset command: %s", value)
	}
}

func (r *RedisClient) handleAudioCommand(value string) error {
	if r.callbacks.AudioRetryCallback == nil {
		return nil
	}
	switch value {
	case "retry":
		return r.callbacks.AudioRetryCallback()
	default:
		r.logger.Infof("Invalid audio command value: %s", value)
		return fmt.Errorf("invalid audio command: %s", value)
	}
}

func (r *RedisClient) redisListener(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	r.logger.Infof("Starting Redis message listener")
	channel := pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting listener")
			return
		case msg, ok := <-channel:
			if !ok {
				r.logger.Infof("Redis channel closed unexpectedly")
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}
			if msg == nil {
				r.logger.Infof("Received nil Redis message")
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}

			r.logger.Debugf("Received Redis message: channel=%s payload=%s", msg.Channel, msg.Payload)

			switch msg.Channel {
			case "settings":
				if r.callbacks.SettingsCallback != nil {
					r.logger.Infof("Processing settings update: %s", msg.Payload)
					if err := r.callbacks.SettingsCallback(msg.Payload); err != nil {
						r.logger.Infof("Failed to handle settings update: %v", err)
					}
				}
			}
		}
	}
}

// publishHashSet is a helper that atomically updates a hash field and publishes a notification
func (r *RedisClient) publishHashSet(hash, field string, value interface{}, channel, payload string) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, hash, field, value)
	pipe.Publish(r.ctx, channel, payload)
	_, err := pipe.Exec(r.ctx)
	return err
}

func (r *RedisClient) PublishServiceState(state types.ServiceState) error {
	r.logger.Infof("Publishing keyer state: %s", state)
	stateStr := string(state)
	timestamp := time.Now().Format(time.RFC3339)

	// Atomically set both state and timestamp fields
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, "keyer", "state", stateStr)
	pipe.HSet(r.ctx, "keyer", "state:timestamp", timestamp)
	pipe.Publish(r.ctx, "keyer", "state")
	_, err := pipe.Exec(r.ctx)

	if err != nil {
		r.logger.Warnf("Failed to publish keyer state: %v", err)
		return err
	}
	r.logger.Debugf("Successfully published keyer state with timestamp: %s", timestamp)
	return nil
}

func (r *RedisClient) PublishActivity(activity types.Activity) error {
	r.logger.Debugf("Publishing keyer activity: %s", activity)

	if err := r.publishHashSet("keyer", "activity", string(activity), "keyer", "activity"); err != nil {
		r.logger.Warnf("Failed to publish keyer activity: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) PublishMode(mode keyer.Mode) error {
	r.logger.Debugf("Publishing keyer mode: %s", mode)

	if err := r.publishHashSet("keyer", "mode", mode.String(), "keyer", "mode"); err != nil {
		r.logger.Warnf("Failed to publish keyer mode: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) PublishSpeed(wpm int) error {
	r.logger.Debugf("Publishing keyer speed: %d WPM", wpm)

	if err := r.publishHashSet("keyer", "speed-wpm", wpm, "keyer", "speed-wpm"); err != nil {
		r.logger.Warnf("Failed to publish keyer speed: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) SetPaddleState(channel keyer.Channel, isPressed bool) error {
	r.logger.Debugf("Setting paddle state: %s=%v", channel, isPressed)
	state := "up"
	if isPressed {
		state = "down"
	}

	field := fmt.Sprintf("paddle:%s", channel)
	if err := r.publishHashSet("keyer", field, state, "keyer", field); err != nil {
		r.logger.Warnf("Failed to set paddle state: %v", err)
		return err
	}
	return nil
}

// PublishDecoded appends a decoded text fragment to the decode event stream
func (r *RedisClient) PublishDecoded(text string, wpm int) error {
	r.logger.Debugf("Publishing decoded text: %q at %d WPM", text, wpm)

	pipe := r.client.Pipeline()
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: "keyer:events:decoded",
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{
			"text": text,
			"wpm":  wpm,
			"ts":   time.Now().Unix(),
		},
	})
	pipe.Publish(r.ctx, "keyer", "decoded")

	_, err := pipe.Exec(r.ctx)
	if err != nil {
		r.logger.Warnf("Failed to publish decoded text: %v", err)
		return err
	}
	return nil
}

// GetHashField reads a field from a Redis hash using HGET
func (r *RedisClient) GetHashField(hash, field string) (string, error) {
	value, err := r.client.HGet(r.ctx, hash, field).Result()
	if err == redis.Nil {
		// Field doesn't exist, return empty string
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get hash field %s from %s: %w", field, hash, err)
	}
	return value, nil
}

// GetSetting reads a key from the shared settings hash
func (r *RedisClient) GetSetting(key string) (string, error) {
	return r.GetHashField("settings", key)
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	// Wait for all goroutines to finish with a timeout
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infof("All Redis goroutines finished")
	case <-time.After(5 * time.Second):
		r.logger.Infof("Timeout waiting for Redis goroutines to finish")
	}

	return r.client.Close()
}
