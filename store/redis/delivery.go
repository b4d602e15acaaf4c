package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
)

// deliveryModel is the JSON representation stored in Redis. The Lua scripts
// below read and write the status, attempt_count, next_retry_at and
// updated_at fields by name.
type deliveryModel struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	SubscriptionID string     `json:"subscription_id"`
	Event          string     `json:"event"`
	Payload        string     `json:"payload"`
	Status         string     `json:"status"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	ResponseBody   string     `json:"response_body"`
	ErrorMessage   string     `json:"error_message"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	LatencyMs      int        `json:"latency_ms"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toDeliveryModel(d *delivery.Delivery) *deliveryModel {
	return &deliveryModel{
		ID:             d.ID.String(),
		TenantID:       d.TenantID,
		SubscriptionID: d.SubscriptionID.String(),
		Event:          d.Event,
		Payload:        string(d.Payload),
		Status:         string(d.Status),
		ResponseStatus: d.ResponseStatus,
		ResponseBody:   d.ResponseBody,
		ErrorMessage:   d.ErrorMessage,
		AttemptCount:   d.AttemptCount,
		MaxAttempts:    d.MaxAttempts,
		NextRetryAt:    d.NextRetryAt,
		DeliveredAt:    d.DeliveredAt,
		LatencyMs:      d.LatencyMs,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func fromDeliveryModel(m *deliveryModel) (*delivery.Delivery, error) {
	delID, err := id.ParseDeliveryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.ID, err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.SubscriptionID, err)
	}
	return &delivery.Delivery{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             delID,
		TenantID:       m.TenantID,
		SubscriptionID: subID,
		Event:          m.Event,
		Payload:        []byte(m.Payload),
		Status:         delivery.Status(m.Status),
		ResponseStatus: m.ResponseStatus,
		ResponseBody:   m.ResponseBody,
		ErrorMessage:   m.ErrorMessage,
		AttemptCount:   m.AttemptCount,
		MaxAttempts:    m.MaxAttempts,
		NextRetryAt:    m.NextRetryAt,
		DeliveredAt:    m.DeliveredAt,
		LatencyMs:      m.LatencyMs,
	}, nil
}

// updateScript writes a delivery only if its stored attempt_count matches.
// KEYS[1] = herald:dlv:{id}
// KEYS[2] = herald:z:dlv:due
// KEYS[3] = herald:z:dlv:lease
// ARGV[1] = expected attempt_count
// ARGV[2] = new JSON document
// ARGV[3] = retry score, or "" when no retry is scheduled
// ARGV[4] = delivery ID
// ARGV[5] = lease score when the record stays pending, or ""
// Returns 1 when applied, 0 on mismatch, -1 when the record is missing.
var updateScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local cur = cjson.decode(raw)
if tonumber(cur['attempt_count']) ~= tonumber(ARGV[1]) then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
if ARGV[3] ~= '' then
    redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
else
    redis.call('ZREM', KEYS[2], ARGV[4])
end
if ARGV[5] ~= '' then
    redis.call('ZADD', KEYS[3], ARGV[5], ARGV[4])
else
    redis.call('ZREM', KEYS[3], ARGV[4])
end
return 1
`)

// claimScript pops due IDs from the retry set, then stale IDs from the lease
// set, and flips each record to pending with a fresh lease in the same
// atomic step.
// KEYS[1] = herald:z:dlv:due
// KEYS[2] = herald:z:dlv:lease
// ARGV[1] = current unix timestamp (due threshold and new lease score)
// ARGV[2] = limit
// ARGV[3] = delivery key prefix
// ARGV[4] = updated_at timestamp
// ARGV[5] = stale lease threshold
var claimScript = goredis.NewScript(`
local limit = tonumber(ARGV[2])
local out = {}
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, limit)
for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    local key = ARGV[3] .. id
    local raw = redis.call('GET', key)
    if raw then
        local d = cjson.decode(raw)
        if d['status'] == 'failed' then
            d['status'] = 'pending'
            d['next_retry_at'] = nil
            d['updated_at'] = ARGV[4]
            local enc = cjson.encode(d)
            redis.call('SET', key, enc)
            redis.call('ZADD', KEYS[2], ARGV[1], id)
            table.insert(out, enc)
        end
    end
end
local left = limit - #out
if left > 0 then
    local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[5], 'LIMIT', 0, left)
    for _, id in ipairs(stale) do
        local key = ARGV[3] .. id
        local raw = redis.call('GET', key)
        if raw then
            local d = cjson.decode(raw)
            if d['status'] == 'pending' then
                d['updated_at'] = ARGV[4]
                local enc = cjson.encode(d)
                redis.call('SET', key, enc)
                redis.call('ZADD', KEYS[2], ARGV[1], id)
                table.insert(out, enc)
            else
                redis.call('ZREM', KEYS[2], id)
            end
        else
            redis.call('ZREM', KEYS[2], id)
        end
    end
end
return out
`)

// CreateDelivery stores a record and indexes it.
func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	key := entityKey(prefixDelivery, m.ID)

	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("herald/redis: create delivery: %w", err)
	}

	score := scoreFromTime(m.CreatedAt)
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, zDeliveryAll, goredis.Z{Score: score, Member: m.ID})
	pipe.ZAdd(ctx, zDeliveryTenant+m.TenantID, goredis.Z{Score: score, Member: m.ID})
	pipe.ZAdd(ctx, zDeliverySub+m.SubscriptionID, goredis.Z{Score: score, Member: m.ID})
	if d.Retryable() {
		pipe.ZAdd(ctx, zDeliveryDue, goredis.Z{Score: scoreFromTime(*m.NextRetryAt), Member: m.ID})
	}
	if d.Status == delivery.StatusPending {
		pipe.ZAdd(ctx, zDeliveryLease, goredis.Z{Score: scoreFromTime(m.UpdatedAt), Member: m.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: create delivery indexes: %w", err)
	}
	return nil
}

// UpdateDelivery is a compare-and-set on attempt_count, run in Lua.
func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery, expectedAttempt int) (bool, error) {
	m := toDeliveryModel(d)
	m.UpdatedAt = now()

	raw, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("herald/redis: marshal delivery: %w", err)
	}

	retryScore := ""
	if d.Status == delivery.StatusFailed && m.NextRetryAt != nil {
		retryScore = fmt.Sprintf("%f", scoreFromTime(*m.NextRetryAt))
	}
	leaseScore := ""
	if d.Status == delivery.StatusPending {
		leaseScore = fmt.Sprintf("%f", scoreFromTime(m.UpdatedAt))
	}

	res, err := updateScript.Run(ctx, s.rdb,
		[]string{entityKey(prefixDelivery, m.ID), zDeliveryDue, zDeliveryLease},
		expectedAttempt, string(raw), retryScore, m.ID, leaseScore,
	).Int()
	if err != nil {
		return false, fmt.Errorf("herald/redis: update delivery: %w", err)
	}

	switch res {
	case 1:
		return true, nil
	case -1:
		return false, herald.ErrDeliveryNotFound
	default:
		return false, nil
	}
}

// GetDelivery returns a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	var m deliveryModel
	if err := s.getEntity(ctx, entityKey(prefixDelivery, delID.String()), &m); err != nil {
		if isNotFound(err) {
			return nil, herald.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("herald/redis: get delivery: %w", err)
	}
	return fromDeliveryModel(&m)
}

// ListDeliveries walks the narrowest index that covers opts and filters the
// rest in memory.
func (s *Store) ListDeliveries(ctx context.Context, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	index := zDeliveryAll
	switch {
	case !opts.SubscriptionID.IsNil():
		index = zDeliverySub + opts.SubscriptionID.String()
	case opts.TenantID != "":
		index = zDeliveryTenant + opts.TenantID
	}

	ids, err := s.zRangeDesc(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("herald/redis: list deliveries: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(ids))
	for _, delID := range ids {
		var m deliveryModel
		if err := s.getEntity(ctx, entityKey(prefixDelivery, delID), &m); err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		if opts.TenantID != "" && m.TenantID != opts.TenantID {
			continue
		}
		if opts.Status != "" && delivery.Status(m.Status) != opts.Status {
			continue
		}
		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// ClaimDue atomically claims due retries and expired leases using a Lua
// script.
func (s *Store) ClaimDue(ctx context.Context, at, staleBefore time.Time, limit int) ([]*delivery.Delivery, error) {
	nowScore := fmt.Sprintf("%f", scoreFromTime(at))
	staleScore := fmt.Sprintf("%f", scoreFromTime(staleBefore))
	docs, err := claimScript.Run(ctx, s.rdb, []string{zDeliveryDue, zDeliveryLease},
		nowScore, limit, prefixDelivery, at.UTC().Format(time.RFC3339Nano), staleScore,
	).StringSlice()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("herald/redis: claim script: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(docs))
	for _, doc := range docs {
		var m deliveryModel
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return nil, fmt.Errorf("herald/redis: decode claimed delivery: %w", err)
		}
		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, nil
}
