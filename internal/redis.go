package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-checkers-matchmaking/pkg/errors"
)

// RedisRegistry 以 Redis 作為共享儲存，多個服務實例可同時使用
//
// 資料結構：
//
//	{prefix}record:{id}     -> 記錄 JSON
//	{prefix}host:{conn}     -> id
//	{prefix}guest:{conn}    -> id
//	{prefix}kind:{kind}     -> id 集合
//
// 所有寫入都經過 commitScript，在單一 Lua 腳本內完成檢查與套用，
// Redis 保證腳本執行期間不會插入其他命令。
// 腳本會存取動態鍵，只支援單節點或 Sentinel，不支援 Cluster。
type RedisRegistry struct {
	client *redis.Client
	prefix string
	script *redis.Script
	logger *slog.Logger
}

// commitScript 原子提交
//
// ARGV[1]: 鍵前綴
// ARGV[2]: 變更 JSON {remove, create, replace, put, delete}
// ARGV[3]: 更新時間
//
// 返回值：OK / CONFLICT / EXISTS / BUSY
var commitScript = `
local prefix = ARGV[1]
local change = cjson.decode(ARGV[2])
local now = ARGV[3]

local function rkey(id) return prefix .. 'record:' .. id end

local function load(id)
  local raw = redis.call('GET', rkey(id))
  if not raw then return nil end
  return cjson.decode(raw)
end

local function guest(rec)
  local g = rec['guestConnection']
  if g == nil or g == cjson.null or g == '' then return nil end
  return g
end

local function unindex(rec)
  local id = rec['PK']
  local hkey = prefix .. 'host:' .. rec['hostConnection']
  if redis.call('GET', hkey) == id then redis.call('DEL', hkey) end
  local g = guest(rec)
  if g then
    local gkey = prefix .. 'guest:' .. g
    if redis.call('GET', gkey) == id then redis.call('DEL', gkey) end
  end
  redis.call('SREM', prefix .. 'kind:' .. rec['itemType'], id)
end

local function store(rec)
  local id = rec['PK']
  redis.call('SET', rkey(id), cjson.encode(rec))
  redis.call('SET', prefix .. 'host:' .. rec['hostConnection'], id)
  local g = guest(rec)
  if g then redis.call('SET', prefix .. 'guest:' .. g, id) end
  redis.call('SADD', prefix .. 'kind:' .. rec['itemType'], id)
end

local function busy(rec, removed)
  local conns = { rec['hostConnection'] }
  local g = guest(rec)
  if g then table.insert(conns, g) end
  for _, c in ipairs(conns) do
    for _, idx in ipairs({ 'host:', 'guest:' }) do
      local owner = redis.call('GET', prefix .. idx .. c)
      if owner and owner ~= rec['PK'] and not removed[owner] then return true end
    end
  end
  return false
end

-- 1. 檢查前置條件
local removed = {}
local current = {}
for _, r in ipairs(change['remove']) do
  local cur = load(r['id'])
  if not cur or tonumber(cur['version']) ~= tonumber(r['version']) then return 'CONFLICT' end
  removed[r['id']] = true
  current[r['id']] = cur
end
for _, r in ipairs(change['create']) do
  if redis.call('EXISTS', rkey(r['PK'])) == 1 then return 'EXISTS' end
end
for _, r in ipairs(change['replace']) do
  local cur = load(r['PK'])
  if not cur or tonumber(cur['version']) ~= tonumber(r['version']) then return 'CONFLICT' end
  current[r['PK']] = cur
end
for _, r in ipairs(change['put']) do
  current[r['PK']] = load(r['PK'])
end
for _, list in ipairs({ change['create'], change['replace'], change['put'] }) do
  for _, r in ipairs(list) do
    if busy(r, removed) then return 'BUSY' end
  end
end

-- 2. 套用
for _, id in ipairs(change['delete']) do
  local cur = load(id)
  if cur then
    unindex(cur)
    redis.call('DEL', rkey(id))
  end
end
for _, r in ipairs(change['remove']) do
  unindex(current[r['id']])
  redis.call('DEL', rkey(r['id']))
end
for _, r in ipairs(change['create']) do
  r['version'] = 1
  r['updatedAt'] = now
  store(r)
end
for _, r in ipairs(change['replace']) do
  unindex(current[r['PK']])
  r['version'] = tonumber(r['version']) + 1
  r['updatedAt'] = now
  store(r)
end
for _, r in ipairs(change['put']) do
  local cur = current[r['PK']]
  local v = 1
  if cur then
    unindex(cur)
    v = tonumber(cur['version']) + 1
  end
  r['version'] = v
  r['updatedAt'] = now
  store(r)
end
return 'OK'
`

// redisRemove 腳本中的刪除條件
type redisRemove struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// redisChange 傳給腳本的變更（切片必須非 nil，否則 cjson 會解成 null）
type redisChange struct {
	Remove  []redisRemove `json:"remove"`
	Create  []*Record     `json:"create"`
	Replace []*Record     `json:"replace"`
	Put     []*Record     `json:"put"`
	Delete  []string      `json:"delete"`
}

func newRedisChange() *redisChange {
	return &redisChange{
		Remove:  []redisRemove{},
		Create:  []*Record{},
		Replace: []*Record{},
		Put:     []*Record{},
		Delete:  []string{},
	}
}

// NewRedisRegistry 創建 Redis Registry
func NewRedisRegistry(client *redis.Client, prefix string, logger *slog.Logger) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		prefix: prefix,
		script: redis.NewScript(commitScript),
		logger: logger,
	}
}

func (r *RedisRegistry) recordKey(id string) string {
	return r.prefix + "record:" + id
}

// Get 依主鍵讀取
func (r *RedisRegistry) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound.WithDetails(id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "redis get record")
	}
	return decodeRecord(raw)
}

// Put 整筆覆寫
func (r *RedisRegistry) Put(ctx context.Context, record *Record) error {
	if record == nil {
		return ErrInvalidInput.WithDetails("nil record")
	}
	if err := record.Validate(); err != nil {
		return err
	}
	change := newRedisChange()
	change.Put = append(change.Put, record)
	return r.run(ctx, change)
}

// Delete 依主鍵刪除
func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	change := newRedisChange()
	change.Delete = append(change.Delete, id)
	return r.run(ctx, change)
}

// FindByHostConnection 依 hostConnection 查詢
func (r *RedisRegistry) FindByHostConnection(ctx context.Context, connectionID string) (*Record, error) {
	return r.findBy(ctx, "host:", connectionID)
}

// FindByGuestConnection 依 guestConnection 查詢
func (r *RedisRegistry) FindByGuestConnection(ctx context.Context, connectionID string) (*Record, error) {
	return r.findBy(ctx, "guest:", connectionID)
}

func (r *RedisRegistry) findBy(ctx context.Context, index, connectionID string) (*Record, error) {
	id, err := r.client.Get(ctx, r.prefix+index+connectionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound.WithDetails(connectionID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "redis get index")
	}
	return r.Get(ctx, id)
}

// ListByKind 列出指定類型的記錄
func (r *RedisRegistry) ListByKind(ctx context.Context, kind Kind) ([]*Record, error) {
	ids, err := r.client.SMembers(ctx, r.prefix+"kind:"+string(kind)).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "redis list kind")
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "redis mget records")
	}

	records := make([]*Record, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// 集合與記錄之間的短暫不一致：記錄已被刪除
			continue
		}
		rec, err := decodeRecord([]byte(s))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Commit 原子套用條件寫入
func (r *RedisRegistry) Commit(ctx context.Context, change Change) error {
	if err := change.Validate(); err != nil {
		return err
	}

	payload := newRedisChange()
	for _, rec := range change.Remove {
		payload.Remove = append(payload.Remove, redisRemove{ID: rec.ID, Version: rec.Version})
	}
	payload.Create = append(payload.Create, change.Create...)
	payload.Replace = append(payload.Replace, change.Replace...)
	return r.run(ctx, payload)
}

// Close 關閉客戶端
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) run(ctx context.Context, change *redisChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	result, err := r.script.Run(ctx, r.client, nil, r.prefix, data, time.Now().UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "redis commit script")
	}

	if result != "OK" {
		r.logger.Debug("redis 提交被拒絕", "result", result)
	}

	switch result {
	case "OK":
		return nil
	case "CONFLICT":
		return ErrVersionConflict
	case "EXISTS":
		return ErrRecordExists
	case "BUSY":
		return ErrConnectionBusy
	default:
		return fmt.Errorf("unexpected commit result %q", result)
	}
}

func decodeRecord(raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode record")
	}
	return &rec, nil
}
