// Package app wires the operational surface shared by the worker binaries:
// the ops HTTP endpoints and the background maintenance loops.
package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface of a backing store that can answer a
// liveness ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger adapts a go-redis client, whose Ping returns a result struct
// instead of an error, to Pinger.
type RedisPinger struct{ Client *redis.Client }

// Ping implements Pinger.
func (r RedisPinger) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Checks bundles the per-dependency probes behind the readiness endpoint.
// A nil entry is reported as skipped rather than failing the probe, so each
// binary wires only the stores it actually uses.
type Checks struct {
	Postgres   Pinger
	ClickHouse Pinger
	Redis      Pinger
	Kafka      Pinger
}

const checkTimeout = 2 * time.Second

func runCheck(ctx context.Context, p Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return p.Ping(ctx)
}
