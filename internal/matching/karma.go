package matching

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const karmaTTL = 30 * 24 * time.Hour

// RedisKarma keeps quality scores in redis so they survive process
// restarts and session churn.
type RedisKarma struct {
	client *redis.Client
}

func NewRedisKarma(client *redis.Client) *RedisKarma {
	return &RedisKarma{client: client}
}

func (k *RedisKarma) Load(userID string) (int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	val, err := k.client.Get(ctx, "karma:"+userID).Result()
	if err != nil {
		return 0, false
	}
	score, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return score, true
}

func (k *RedisKarma) Store(userID string, karma int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := k.client.Set(ctx, "karma:"+userID, strconv.Itoa(karma), karmaTTL).Err(); err != nil {
		log.Printf("[matching] karma store for %s: %v", userID, err)
	}
}
