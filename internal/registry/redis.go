// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/models"
)

// Redis key layout, relative to the configured prefix:
//
//	socket:{id}      HASH  socket_id, user_id, process_id, region, connected_at, point, viewport
//	audience:{id}    SET   audience socket ids
//	user:{userId}    SET   socket ids owned by the user
//	process:{pid}    SET   socket ids created by the process
//	geo:{region}     GEO   viewport centers of the region's sockets
//
// Scripts derive index keys from the record, so the layout targets a
// standalone or sentinel-managed Redis rather than Redis Cluster.
const (
	fieldSocketID    = "socket_id"
	fieldUserID      = "user_id"
	fieldProcessID   = "process_id"
	fieldRegion      = "region"
	fieldConnectedAt = "connected_at"
	fieldPoint       = "point"
	fieldViewport    = "viewport"
	fieldUser        = "user"
)

// Redis GEO cannot index latitudes beyond the Web Mercator limit.
const maxGeoLatitude = 85.05112878

// kmPerDegree matches the earth radius Redis uses for GEO distances.
const kmPerDegree = 6372.797560856 * math.Pi / 180

var (
	insertScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'socket_id', ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[2], 'process_id', ARGV[3], 'region', ARGV[4], 'connected_at', ARGV[5], 'user', ARGV[6])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

	setFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

	setViewportScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'viewport', ARGV[1])
redis.call('GEOADD', KEYS[2], ARGV[2], ARGV[3], ARGV[4])
return 1
`)

	deleteScript = redis.NewScript(`
local fields = redis.call('HMGET', KEYS[1], 'user_id', 'process_id', 'region')
if not fields[1] then
  return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', ARGV[1] .. 'user:' .. fields[1], ARGV[2])
redis.call('SREM', ARGV[1] .. 'process:' .. fields[2], ARGV[2])
redis.call('ZREM', ARGV[1] .. 'geo:' .. fields[3], ARGV[2])
return 1
`)

	addAudienceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local added = {}
for _, id in ipairs(ARGV) do
  if redis.call('SADD', KEYS[2], id) == 1 then
    table.insert(added, id)
  end
end
return added
`)

	removeAudienceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local removed = {}
for _, id in ipairs(ARGV) do
  if redis.call('SREM', KEYS[2], id) == 1 then
    table.insert(removed, id)
  end
end
return removed
`)
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeyPrefix namespaces every key. Default: "mapsight:".
	KeyPrefix string
}

// RedisStore is a Store shared by every process of a deployment.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   opts.MaxRetries,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, unavailable("connect redis", err)
	}

	return NewRedisStoreFromClient(rdb, opts.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes
// ownership and closes it on Close.
func NewRedisStoreFromClient(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mapsight:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) socketKey(id string) string { return s.prefix + "socket:" + id }
func (s *RedisStore) audienceKey(id string) string { return s.prefix + "audience:" + id }
func (s *RedisStore) userKey(userID string) string { return s.prefix + "user:" + userID }
func (s *RedisStore) processKey(processID string) string { return s.prefix + "process:" + processID }
func (s *RedisStore) geoKey(region string) string { return s.prefix + "geo:" + region }

// Insert implements Store.
func (s *RedisStore) Insert(ctx context.Context, rec *models.SocketRecord) error {
	var user []byte
	if rec.User != nil {
		var err error
		if user, err = json.Marshal(rec.User); err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
	}
	created, err := insertScript.Run(ctx, s.rdb,
		[]string{s.socketKey(rec.SocketID), s.userKey(rec.UserID), s.processKey(rec.ProcessID)},
		rec.SocketID, rec.UserID, rec.ProcessID, rec.Region, rec.ConnectedAt.UTC().Format(time.RFC3339Nano), string(user),
	).Int()
	if err != nil {
		return unavailable("insert", err)
	}
	if created == 0 {
		return ErrDuplicateSocket
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, socketID string) (bool, error) {
	n, err := deleteScript.Run(ctx, s.rdb,
		[]string{s.socketKey(socketID), s.audienceKey(socketID)},
		s.prefix, socketID,
	).Int()
	if err != nil {
		return false, unavailable("delete", err)
	}
	return n == 1, nil
}

// UpdatePoint implements Store.
func (s *RedisStore) UpdatePoint(ctx context.Context, socketID string, p geo.Point) (*models.SocketRecord, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal point: %w", err)
	}
	n, err := setFieldScript.Run(ctx, s.rdb, []string{s.socketKey(socketID)}, fieldPoint, string(data)).Int()
	if err != nil {
		return nil, unavailable("update point", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, socketID)
}

// UpdateViewport implements Store.
func (s *RedisStore) UpdateViewport(ctx context.Context, socketID string, vp geo.Viewport) (*models.SocketRecord, error) {
	region, err := s.rdb.HGet(ctx, s.socketKey(socketID), fieldRegion).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("update viewport", err)
	}

	data, err := json.Marshal(vp)
	if err != nil {
		return nil, fmt.Errorf("marshal viewport: %w", err)
	}
	n, err := setViewportScript.Run(ctx, s.rdb,
		[]string{s.socketKey(socketID), s.geoKey(region)},
		string(data), vp.Center.Longitude, clampLatitude(vp.Center.Latitude), socketID,
	).Int()
	if err != nil {
		return nil, unavailable("update viewport", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, socketID)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, socketID string) (*models.SocketRecord, error) {
	recs, err := s.load(ctx, []string{socketID})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// load fetches records and their audiences in one round trip, skipping ids
// whose record no longer exists.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]*models.SocketRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	hashes := make([]*redis.MapStringStringCmd, len(ids))
	audiences := make([]*redis.StringSliceCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			hashes[i] = pipe.HGetAll(ctx, s.socketKey(id))
			audiences[i] = pipe.SMembers(ctx, s.audienceKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("load", err)
	}

	out := make([]*models.SocketRecord, 0, len(ids))
	for i := range ids {
		fields := hashes[i].Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		rec.Audience = audiences[i].Val()
		sort.Strings(rec.Audience)
		if len(rec.Audience) == 0 {
			rec.Audience = nil
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(fields map[string]string) (*models.SocketRecord, error) {
	rec := &models.SocketRecord{
		SocketID:  fields[fieldSocketID],
		UserID:    fields[fieldUserID],
		ProcessID: fields[fieldProcessID],
		Region:    fields[fieldRegion],
	}
	if ts := fields[fieldConnectedAt]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("decode socket %s connected_at: %w", rec.SocketID, err)
		}
		rec.ConnectedAt = t
	}
	if raw := fields[fieldPoint]; raw != "" {
		var p geo.Point
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode socket %s point: %w", rec.SocketID, err)
		}
		rec.Point = &p
	}
	if raw := fields[fieldViewport]; raw != "" {
		var vp geo.Viewport
		if err := json.Unmarshal([]byte(raw), &vp); err != nil {
			return nil, fmt.Errorf("decode socket %s viewport: %w", rec.SocketID, err)
		}
		rec.Viewport = &vp
	}
	if raw := fields[fieldUser]; raw != "" {
		var u models.UserProfile
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("decode socket %s user: %w", rec.SocketID, err)
		}
		rec.User = &u
	}
	return rec, nil
}

// FindByUser implements Store.
func (s *RedisStore) FindByUser(ctx context.Context, userID string) ([]*models.SocketRecord, error) {
	ids, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, unavailable("find by user", err)
	}
	return s.load(ctx, ids)
}

// FindInBox implements Store. GEOSEARCH BYBOX is centred and measured in km,
// so it is asked for a padded superset and the exact latitude/longitude
// containment check runs here.
func (s *RedisStore) FindInBox(ctx context.Context, region string, box geo.Bounds, excludeSocketID string) ([]*models.SocketRecord, error) {
	key := s.geoKey(region)

	var candidates []string
	var err error
	if box.LongitudeSpan() >= 180 {
		candidates, err = s.rdb.ZRange(ctx, key, 0, -1).Result()
	} else {
		candidates, err = s.rdb.GeoSearch(ctx, key, searchQuery(box)).Result()
	}
	if err != nil {
		return nil, unavailable("find in box", err)
	}

	ids := candidates[:0]
	for _, id := range candidates {
		if id != excludeSocketID {
			ids = append(ids, id)
		}
	}

	recs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := recs[:0]
	for _, rec := range recs {
		if rec.Viewport != nil && box.Contains(rec.Viewport.Center) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// searchQuery builds a GEOSEARCH box covering b. Width is measured along the
// parallel closest to the equator, where a degree of longitude is widest.
func searchQuery(b geo.Bounds) *redis.GeoSearchQuery {
	south := clampLatitude(b.SouthWest.Latitude)
	north := clampLatitude(b.NorthEast.Latitude)

	widest := 0.0
	if south > 0 {
		widest = south
	} else if north < 0 {
		widest = -north
	}

	const pad = 1.01
	width := b.LongitudeSpan()*kmPerDegree*math.Cos(widest*math.Pi/180)*pad + 1
	height := (north-south)*kmPerDegree*pad + 1
	center := b.Center()

	return &redis.GeoSearchQuery{
		Longitude: center.Longitude,
		Latitude:  (north + south) / 2,
		BoxWidth:  width,
		BoxHeight: height,
		BoxUnit:   "km",
	}
}

func clampLatitude(lat float64) float64 {
	return math.Max(-maxGeoLatitude, math.Min(maxGeoLatitude, lat))
}

func (s *RedisStore) mutateAudience(ctx context.Context, op string, script *redis.Script, socketID string, targets []string) ([]string, error) {
	args := make([]interface{}, len(targets))
	for i, id := range targets {
		args[i] = id
	}
	changed, err := script.Run(ctx, s.rdb, []string{s.socketKey(socketID), s.audienceKey(socketID)}, args...).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	return changed, nil
}

// AddAudience implements Store.
func (s *RedisStore) AddAudience(ctx context.Context, socketID string, targets []string) ([]string, error) {
	return s.mutateAudience(ctx, "add audience", addAudienceScript, socketID, targets)
}

// RemoveAudience implements Store.
func (s *RedisStore) RemoveAudience(ctx context.Context, socketID string, targets []string) ([]string, error) {
	return s.mutateAudience(ctx, "remove audience", removeAudienceScript, socketID, targets)
}

// ListByProcess implements Store.
func (s *RedisStore) ListByProcess(ctx context.Context, processID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.processKey(processID)).Result()
	if err != nil {
		return nil, unavailable("list by process", err)
	}
	return ids, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
