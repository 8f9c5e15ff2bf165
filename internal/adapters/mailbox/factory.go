package mailbox

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/config"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// New creates the mailbox backend selected by cfg.
func New(ctx context.Context, cfg config.MailboxConfig) (core.Mailbox, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "file":
		return NewFile(cfg.Dir)
	case "redis":
		return NewRedis(ctx, RedisConfig{Addrs: cfg.RedisAddrs, DB: cfg.RedisDB})
	case "s3":
		return NewS3(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Profile:         cfg.S3Profile,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown mailbox backend %q", cfg.Backend)
	}
}

var (
	_ core.MailboxWatcher = (*Memory)(nil)
	_ core.MailboxWatcher = (*File)(nil)
	_ core.MailboxWatcher = (*Redis)(nil)
	_ core.Mailbox        = (*SQLite)(nil)
	_ core.Mailbox        = (*S3)(nil)
)
