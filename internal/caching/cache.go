// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package caching implements the command executor's idempotent-response
// cache: request deduplication by correlation data plus equivalent-request
// reuse, evicted by both absolute expiry and cost-weighted benefit.
package caching

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/nimbusedge/mqttproto/internal/container"
	"github.com/nimbusedge/mqttproto/internal/envelope"
	"github.com/nimbusedge/mqttproto/session/mqtt"
)

type (
	entry struct {
		req *mqtt.Message
		*result
		start    time.Time
		reqTTL   time.Time
		cacheTTL time.Time
	}

	result struct {
		cb   Callback
		end  time.Time
		refs int
		size int
	}

	// key identifies a cache entry: the request's correlation data and the
	// client ID of the sender that issued it.
	key struct {
		c string
		s string
	}

	// Cache is the command executor's idempotent-response cache.
	Cache struct {
		clock Clock
		ttl   time.Duration
		bytes int

		ignoreClient bool

		timeStore *container.PriorityMap[key, *entry, int64]
		costStore *container.PriorityMap[key, *entry, float64]

		mu sync.Mutex
	}

	// Callback computes the response for a cache miss.
	Callback = func() (*mqtt.Message, error)

	// Clock abstracts wall-clock access for test dependency injection.
	Clock interface{ Now() time.Time }
)

// Cache sizing limits, matching the reference implementation's defaults.
const (
	FixedProcessingOverheadMs = 10
	FixedStorageOverheadBytes = 100
	MaxEntryCount             = 10000
	MaxAggregatePayloadBytes  = 10000000
)

// New constructs a Cache. requestTopic is inspected only to decide whether
// the sender's client ID participates in equivalent-request matching (it
// does only when the request topic contains an "{executorId}" token).
func New(clock Clock, ttl time.Duration, requestTopic string) *Cache {
	return &Cache{
		clock:        clock,
		ttl:          ttl,
		ignoreClient: !strings.Contains(requestTopic, "{executorId}"),
		timeStore:    container.NewPriorityMap[key, *entry, int64](),
		costStore:    container.NewPriorityMap[key, *entry, float64](),
	}
}

// Exec returns the cached response for req, computing it with cb on a miss.
// A nil message with a nil error means the request should be silently
// dropped (expired, or a duplicate already in flight).
func (c *Cache) Exec(req *mqtt.Message, cb Callback) (*mqtt.Message, error) {
	e := c.get(req, cb)
	if e == nil {
		return nil, nil
	}
	return e.cb()
}

func (c *Cache) get(req *mqtt.Message, cb Callback) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := getKey(req)
	now := c.clock.Now().UTC()

	if cached, ok := c.timeStore.Get(id); ok {
		if cached.end.IsZero() || now.After(cached.reqTTL) {
			return nil
		}
		return cached
	}

	e := &entry{
		req:    req,
		start:  now,
		reqTTL: now.Add(time.Duration(req.MessageExpiry) * time.Second),
	}
	e.cacheTTL = e.reqTTL
	c.timeStore.Set(id, e, e.cacheTTL.UnixNano())

	if equiv, ok := c.costStore.Find(func(cached *entry) bool {
		return c.equivalentRequest(req, cached.req) && now.Before(cached.end.Add(c.ttl))
	}); ok {
		e.result = equiv.result
		e.refs++
	} else {
		e.result = &result{
			cb: sync.OnceValues(func() (*mqtt.Message, error) {
				res, err := cb()
				return c.set(e, res, err, c.clock.Now().UTC())
			}),
		}
	}

	return e
}

func (c *Cache) set(e *entry, res *mqtt.Message, err error, now time.Time) (*mqtt.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := getKey(e.req)
	e.end = now

	if c.ttl > 0 && res != nil {
		if e.end.Add(c.ttl).After(e.cacheTTL) {
			e.cacheTTL = e.end.Add(c.ttl)
			c.timeStore.Set(id, e, e.cacheTTL.UnixNano())
		}
		c.costStore.Set(id, e, costWeightedBenefit(res, e.end.Sub(e.start)))
	} else {
		if e.end.After(e.cacheTTL) {
			c.timeStore.Delete(id)
			return nil, nil
		}
		e.req = nil
	}

	if res != nil {
		e.size = sizeOf(res)
		c.bytes += e.size
	}

	c.trim(now)
	return res, err
}

func (c *Cache) trim(now time.Time) {
	for {
		id, e, ok := c.timeStore.Next()
		if !ok || now.Before(e.cacheTTL) {
			break
		}
		c.remove(id, e)
	}

	for c.timeStore.Len() >= MaxEntryCount || c.bytes >= MaxAggregatePayloadBytes {
		id, e, ok := c.costStore.Next()
		if !ok {
			break
		}

		if now.After(e.reqTTL) {
			c.remove(id, e)
		} else {
			e.req = nil
			e.cacheTTL = e.reqTTL
			c.timeStore.Set(id, e, e.cacheTTL.UnixNano())
			c.costStore.Delete(id)
		}
	}
}

func (c *Cache) remove(id key, e *entry) {
	c.timeStore.Delete(id)
	c.costStore.Delete(id)
	e.refs--
	if e.refs < 0 {
		c.bytes -= e.size
	}
}

func sizeOf(res *mqtt.Message) int { return len(res.Payload) }

func costWeightedBenefit(msg *mqtt.Message, exec time.Duration) float64 {
	executionBypassBenefit := FixedProcessingOverheadMs + exec.Milliseconds()
	storageCost := FixedStorageOverheadBytes + sizeOf(msg)
	return float64(executionBypassBenefit) / float64(storageCost)
}

func getKey(msg *mqtt.Message) key {
	return key{string(msg.CorrelationData), msg.UserProperties[envelope.SenderID]}
}

func (c *Cache) equivalentRequest(req, cached *mqtt.Message) bool {
	if bytes.Equal(req.CorrelationData, cached.CorrelationData) {
		return false
	}
	if len(req.UserProperties) != len(cached.UserProperties) {
		return false
	}
	if req.Topic != cached.Topic {
		return false
	}
	if !bytes.Equal(req.Payload, cached.Payload) {
		return false
	}
	for k, v := range req.UserProperties {
		if c.ignoreMetadata(k) {
			continue
		}
		if v != cached.UserProperties[k] {
			return false
		}
	}
	return true
}

func (c *Cache) ignoreMetadata(k string) bool {
	switch k {
	case envelope.Timestamp, envelope.Partition:
		return true
	case envelope.SenderID:
		return c.ignoreClient
	default:
		return false
	}
}
