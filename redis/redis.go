package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/formbridge/fab"
)

type client struct {
	conn    *Connection
	isOwner bool
}

var marshaler = fab.NewMarshaler()

func init() {
	fab.RegisterCache(fab.Redis, NewClient)
}

// NewClient returns a cache client over the singleton connection. Open the
// connection first via OpenConnection.
func NewClient() fab.Cache {
	return &client{
		conn: connection,
	}
}

// NewConnectionClient opens a dedicated Redis connection then returns a client wrapper for it.
// Returned wrapper has "Close" method you can call when you don't need it anymore.
func NewConnectionClient(options Options) (fab.CloseableCache, error) {
	c, err := openConnection(options)
	if err != nil {
		return nil, err
	}
	return &client{
		conn:    c,
		isOwner: true,
	}, nil
}

// Close this client's connection.
func (c *client) Close() error {
	if !c.isOwner || c.conn == nil {
		return nil
	}
	err := closeConnection(c.conn)
	c.conn = nil
	return err
}

// keyNotFound will detect whether error signifies key not found by Redis.
func (c client) keyNotFound(err error) bool {
	return err == redis.Nil
}

// Ping tests connectivity for redis (PONG should be returned).
func (c client) Ping(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("redis connection is not open, can't create new client")
	}
	_, err := c.conn.Client.Ping(ctx).Result()
	return err
}

// Clear the cache. Be cautious calling this method as it will clear the Redis DB.
func (c client) Clear(ctx context.Context) error {
	return c.conn.Client.FlushDB(ctx).Err()
}

// Set executes the redis Set command.
func (c client) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if c.conn == nil {
		return fmt.Errorf("redis connection is not open, can't create new client")
	}
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	return c.conn.Client.Set(ctx, key, value, expiration).Err()
}

// Get executes the redis Get command.
func (c client) Get(ctx context.Context, key string) (bool, string, error) {
	if c.conn == nil {
		return false, "", fmt.Errorf("redis connection is not open, can't create new client")
	}
	s, err := c.conn.Client.Get(ctx, key).Result()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

// GetEx executes the redis GetEx command.
func (c client) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	if c.conn == nil {
		return false, "", fmt.Errorf("redis connection is not open, can't create new client")
	}
	s, err := c.conn.Client.GetEx(ctx, key, expiration).Result()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

// SetStruct marshals value then executes the redis Set command.
func (c client) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if c.conn == nil {
		return fmt.Errorf("redis connection is not open, can't create new client")
	}

	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}

	ba, err := marshaler.Marshal(value)
	if err != nil {
		return err
	}
	return c.conn.Client.Set(ctx, key, ba, expiration).Err()
}

// GetStruct executes the redis Get command then unmarshals into target.
func (c client) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	if c.conn == nil {
		return false, fmt.Errorf("redis connection is not open, can't create new client")
	}
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	ba, err := c.conn.Client.Get(ctx, key).Bytes()
	if err == nil {
		err = marshaler.Unmarshal(ba, target)
	}

	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}

// GetStructEx executes the redis GetEx command then unmarshals into target.
func (c client) GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error) {
	if c.conn == nil {
		return false, fmt.Errorf("redis connection is not open, can't create new client")
	}
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	ba, err := c.conn.Client.GetEx(ctx, key, expiration).Bytes()
	if err == nil {
		err = marshaler.Unmarshal(ba, target)
	}

	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}

// Delete executes the redis Del command.
func (c client) Delete(ctx context.Context, keys []string) (bool, error) {
	if c.conn == nil {
		return false, fmt.Errorf("redis connection is not open, can't create new client")
	}
	var rs = c.conn.Client.Del(ctx, keys...)

	err := rs.Err()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}
