package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/models"
)

// putScript writes the snapshot hash only when it is not older than the
// cached one, then refreshes the TTL.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'recorded_at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// RedisConfig configures the Redis snapshot cache.
type RedisConfig struct {
	URL          string
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig, logger *zap.Logger) (SnapshotCache, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opt.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opt.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connection to redis failed: %w", err)
	}

	logger.Info("redis snapshot cache connected", zap.String("addr", opt.Addr), zap.Duration("ttl", cfg.TTL))
	return &redisCache{client: client, ttl: cfg.TTL, logger: logger}, nil
}

func snapshotKey(farmerID string) string {
	return fmt.Sprintf("farmer:%s:snapshot", farmerID)
}

func (c *redisCache) Latest(ctx context.Context, farmerID string) (models.SensorReading, bool, error) {
	fields, err := c.client.HGetAll(ctx, snapshotKey(farmerID)).Result()
	if err != nil {
		return models.SensorReading{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	if len(fields) == 0 {
		return models.SensorReading{}, false, nil
	}
	r, err := decodeSnapshot(farmerID, fields)
	if err != nil {
		c.logger.Warn("discarding malformed cached snapshot", zap.String("farmer_id", farmerID), zap.Error(err))
		return models.SensorReading{}, false, nil
	}
	return r, true, nil
}

func (c *redisCache) Put(ctx context.Context, r models.SensorReading) error {
	args := []interface{}{r.RecordedAt.UnixNano(), c.ttl.Milliseconds()}
	for k, v := range encodeSnapshot(r) {
		args = append(args, k, v)
	}
	if err := putScript.Run(ctx, c.client, []string{snapshotKey(r.FarmerID)}, args...).Err(); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

func encodeSnapshot(r models.SensorReading) map[string]string {
	s := r.Snapshot
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return map[string]string{
		"recorded_at":     strconv.FormatInt(r.RecordedAt.UnixNano(), 10),
		"moisture":        f(s.Moisture),
		"ph":              f(s.PH),
		"nitrogen":        f(s.Nitrogen),
		"phosphorus":      f(s.Phosphorus),
		"potassium":       f(s.Potassium),
		"temperature":     f(s.Temperature),
		"humidity":        f(s.Humidity),
		"crop":            s.Crop,
		"motor_on":        strconv.FormatBool(s.MotorOn),
		"manual_override": strconv.FormatBool(s.ManualOverride),
		"reported":        strconv.FormatUint(uint64(s.Measured()), 10),
	}
}

func decodeSnapshot(farmerID string, fields map[string]string) (models.SensorReading, error) {
	r := models.SensorReading{FarmerID: farmerID}

	ns, err := strconv.ParseInt(fields["recorded_at"], 10, 64)
	if err != nil {
		return r, fmt.Errorf("recorded_at: %w", err)
	}
	r.RecordedAt = time.Unix(0, ns).UTC()

	floats := map[string]*float64{
		"moisture":    &r.Snapshot.Moisture,
		"ph":          &r.Snapshot.PH,
		"nitrogen":    &r.Snapshot.Nitrogen,
		"phosphorus":  &r.Snapshot.Phosphorus,
		"potassium":   &r.Snapshot.Potassium,
		"temperature": &r.Snapshot.Temperature,
		"humidity":    &r.Snapshot.Humidity,
	}
	for name, dst := range floats {
		v, err := strconv.ParseFloat(fields[name], 64)
		if err != nil {
			return r, fmt.Errorf("%s: %w", name, err)
		}
		*dst = v
	}
	r.Snapshot.Crop = fields["crop"]
	r.Snapshot.MotorOn, _ = strconv.ParseBool(fields["motor_on"])
	r.Snapshot.ManualOverride, _ = strconv.ParseBool(fields["manual_override"])
	// Entries written before the field existed decode with an empty set.
	if raw, ok := fields["reported"]; ok {
		set, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return r, fmt.Errorf("reported: %w", err)
		}
		r.Snapshot.Reported = models.MetricSet(set)
	}
	return r, nil
}
