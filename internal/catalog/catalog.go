// Package catalog answers whether a game may currently be credited.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/settlement-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Catalog reads the game table through a short-lived Redis cache.
type Catalog struct {
	db  *gorm.DB
	rdb redis.Cmdable
	ttl time.Duration
	log *zap.SugaredLogger
}

// New builds a Catalog. rdb may be nil, in which case every lookup hits the database.
func New(db *gorm.DB, rdb redis.Cmdable, ttl time.Duration, log *zap.SugaredLogger) *Catalog {
	return &Catalog{db: db, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(gameID string) string { return "game:active:" + gameID }

// IsActive reports whether gameID may be credited. Games missing from the
// catalog are treated as active; only an explicit disable blocks a payout.
func (c *Catalog) IsActive(ctx context.Context, gameID string) (bool, error) {
	if c.rdb != nil {
		v, err := c.rdb.Get(ctx, cacheKey(gameID)).Result()
		switch {
		case err == nil:
			return v == "1", nil
		case errors.Is(err, redis.Nil):
		default:
			c.log.Warnf("catalog cache get %s: %v", gameID, err)
		}
	}

	var g model.Game
	active := true
	err := c.db.WithContext(ctx).Where("game_id = ?", gameID).First(&g).Error
	switch {
	case err == nil:
		active = g.IsActive
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return false, err
	}

	if c.rdb != nil {
		val := "0"
		if active {
			val = "1"
		}
		if err := c.rdb.Set(ctx, cacheKey(gameID), val, c.ttl).Err(); err != nil {
			c.log.Warnf("catalog cache set %s: %v", gameID, err)
		}
	}
	return active, nil
}

// Upsert writes a catalog entry and drops its cached flag.
func (c *Catalog) Upsert(ctx context.Context, g model.Game) error {
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "game_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "category", "is_active", "updated_at"}),
	}).Create(&g).Error
	if err != nil {
		return err
	}
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, cacheKey(g.GameID)).Err(); err != nil {
			c.log.Warnf("catalog cache del %s: %v", g.GameID, err)
		}
	}
	return nil
}

// List returns every catalog entry ordered by id.
func (c *Catalog) List(ctx context.Context) ([]model.Game, error) {
	var out []model.Game
	err := c.db.WithContext(ctx).Order("game_id").Find(&out).Error
	return out, err
}
