package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Driver metadata (seats,
// online flag, last_seen) lives in a companion hash so staleness can be
// derived on read without a background sweep.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
	now    func() time.Time
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background(), now: time.Now}
}

func (r *RedisGeo) Upsert(d models.Driver) {
	if d.LastSeen.IsZero() {
		d.LastSeen = r.now()
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(d.ID), map[string]interface{}{
		"seats":     strconv.Itoa(d.Seats),
		"online":    strconv.FormatBool(d.Online),
		"last_seen": d.LastSeen.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisGeo) Remove(id string) {
	_ = r.client.ZRem(r.ctx, r.key, id).Err()
	_ = r.client.Del(r.ctx, metaKey(id)).Err()
}

func (r *RedisGeo) Nearby(lat, lon float64, limit int, maxAge time.Duration) []models.Driver {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: 10000, Unit: "m", WithCoord: true, WithDist: true, Count: limit * 3, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	cutoff := r.now().Add(-maxAge)
	out := make([]models.Driver, 0, limit)
	for _, g := range res {
		if len(out) == limit {
			break
		}
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if v, ok := m["seats"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				d.Seats = n
			}
		}
		d.Online = m["online"] == "true"
		if v, ok := m["last_seen"]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				d.LastSeen = ts
			}
		}
		if !d.Online || d.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
