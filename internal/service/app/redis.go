package app

import (
	"cash_relay/internal/service/redis"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

func syncKey(pubkey []byte) string {
	return fmt.Sprintf("sync: %s", hex.EncodeToString(pubkey))
}

// SaveSyncTime records the received_time of the newest message seen.
func (c *App) SaveSyncTime(ctx context.Context, pubkey []byte, t int64) error {
	return c.redisService.Set(ctx, syncKey(pubkey), strconv.FormatInt(t, 10), 0)
}

// GetSyncTime returns 0 when nothing was synced yet.
func (c *App) GetSyncTime(ctx context.Context, pubkey []byte) (int64, error) {
	v, err := c.redisService.Get(ctx, syncKey(pubkey))
	if errors.Is(err, redis.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
