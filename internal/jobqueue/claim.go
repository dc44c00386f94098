package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const claimReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const keyJobClaim = "drawledger:job:claim:"

// Claimer guards a job id so a redelivered copy is not processed concurrently.
type Claimer struct {
	client *redis.Client
	script *redis.Script
}

func NewClaimer(client *redis.Client) *Claimer {
	if client == nil {
		return nil
	}
	return &Claimer{
		client: client,
		script: redis.NewScript(claimReleaseScript),
	}
}

// TryClaim returns a release token when the claim was taken.
func (c *Claimer) TryClaim(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error) {
	if c == nil || c.client == nil {
		return "", false, errors.New("claim client not configured")
	}
	if jobID == "" {
		return "", false, errors.New("job id is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("claim ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, keyJobClaim+jobID, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release drops the claim only while token still owns it.
func (c *Claimer) Release(ctx context.Context, jobID, token string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if jobID == "" || token == "" {
		return nil
	}
	return c.script.Run(ctx, c.client, []string{keyJobClaim + jobID}, token).Err()
}
