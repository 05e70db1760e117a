// Package kafka provides the Kafka transport substrate: a validating
// producer, a generic consumer with bounded concurrency, per-partition
// offset tracking with gap-free commits, retry and dead letter handling,
// and handler middleware.
package kafka

import (
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kgo"
)

// HeaderCorrelationID is the record header carrying the correlation ID
// across produce/consume hops.
const HeaderCorrelationID = "X-Correlation-ID"

// Message is a decoded record handed to a Handler. The payload has already
// been unmarshalled and validated.
type Message[T any] struct {
	Topic         string
	Partition     int32
	Offset        int64
	Key           string
	CorrelationID string
	Timestamp     time.Time
	Headers       map[string]string
	Payload       T
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.
)

// NewCorrelationID generates a ULID-based correlation ID for global
// uniqueness and lexicographic ordering while remaining header friendly.
func NewCorrelationID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		// Fallback to timestamp-based ID if ULID generation fails for any reason.
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// headerMap flattens record headers into a string map. Later duplicates win.
func headerMap(headers []kgo.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

// validatePayload runs struct validation when the payload is a struct or a
// pointer to one. Other kinds (maps, slices, primitives) pass through.
func validatePayload(v *validator.Validate, payload any) error {
	if v == nil || payload == nil {
		return nil
	}
	rv := reflect.ValueOf(payload)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return v.Struct(rv.Interface())
}
