package tap

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Heartbeat status values
const (
	StatusOK       = "ok"
	StatusStale    = "stale"
	StatusDegraded = "degraded"
)

// IntervalMinutes is the engine's job cadence
type IntervalMinutes struct {
	Sync      int  `json:"sync"`
	Reconcile *int `json:"reconcile"`
}

// Heartbeat is an engine liveness summary. Fields missing from the wire
// payload are filled with defaults; every received field is kept in Raw and
// wins over the defaults when marshalled.
type Heartbeat struct {
	Service           string          `json:"service"`
	StartedAt         *time.Time      `json:"startedAt"`
	Now               *int64          `json:"now,omitempty"` // server clock, unix ms
	LastTickAt        int64           `json:"lastTickAt"`    // unix ms
	LastOkAt          any             `json:"lastOkAt"`
	LastError         any             `json:"lastError"`
	ConsecutiveErrors any             `json:"consecutiveErrors"`
	TicksTotal        any             `json:"ticksTotal"`
	LastSummary       any             `json:"lastSummary"`
	UpForSeconds      int64           `json:"upForSeconds"`
	StaleForSeconds   *float64        `json:"staleForSeconds"`
	Status            string          `json:"status,omitempty"`
	IntervalMinutes   IntervalMinutes `json:"intervalMinutes"`

	Raw map[string]any `json:"-"`
}

// ParseHeartbeat enriches a decoded heartbeat payload. interval is the
// configured tap interval, used when the payload carries no cadence.
func ParseHeartbeat(data map[string]any, interval time.Duration, localNow time.Time) Heartbeat {
	if data == nil {
		data = map[string]any{}
	}
	hb := Heartbeat{Service: "engine", Raw: data}

	if s, ok := data["service"].(string); ok && s != "" {
		hb.Service = s
	}

	if n, ok := number(data["now"]); ok {
		ms := int64(n)
		hb.Now = &ms
	}
	ref := localNow.UnixMilli()
	if hb.Now != nil {
		ref = *hb.Now
	}

	hb.LastTickAt = ref
	if v, ok := data["lastTickAt"]; ok && v != nil {
		if ms, ok := unixMillis(v); ok {
			hb.LastTickAt = ms
		}
	}

	hb.LastOkAt = hb.LastTickAt
	if v, ok := data["lastOkAt"]; ok && v != nil {
		hb.LastOkAt = v
	}

	hb.LastError = data["lastError"]
	hb.ConsecutiveErrors = data["consecutiveErrors"]
	hb.LastSummary = data["lastSummary"]

	hb.TicksTotal = 0
	for _, k := range []string{"ticksTotal", "ticks", "totalTicks", "total"} {
		if v, ok := data[k]; ok && v != nil {
			hb.TicksTotal = v
			break
		}
	}

	hb.IntervalMinutes = intervalMinutes(data, interval)

	if v, ok := data["startedAt"]; ok && v != nil {
		if ms, ok := unixMillis(v); ok {
			t := time.UnixMilli(ms)
			hb.StartedAt = &t
		}
	}
	if n, ok := number(data["upForSeconds"]); ok {
		hb.UpForSeconds = int64(n)
	} else if hb.StartedAt != nil {
		hb.UpForSeconds = max(0, (ref-hb.StartedAt.UnixMilli())/1000)
	}

	if n, ok := number(data["staleForSeconds"]); ok {
		hb.StaleForSeconds = &n
	}
	if s, ok := data["status"].(string); ok {
		hb.Status = s
	}

	return hb
}

// MarshalJSON renders the enriched fields overlaid with the raw payload
func (h Heartbeat) MarshalJSON() ([]byte, error) {
	type plain Heartbeat
	base, err := json.Marshal(plain(h))
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	if err := json.Unmarshal(base, &out); err != nil {
		return nil, err
	}
	for k, v := range h.Raw {
		out[k] = v
	}
	return json.Marshal(out)
}

// Health is the display status derived from a heartbeat
type Health struct {
	Status          string `json:"status"`
	StaleForSeconds int64  `json:"staleForSeconds"`
	UpForSeconds    int64  `json:"upForSeconds"`
	NextSyncInMs    *int64 `json:"nextSyncInMs,omitempty"`
}

// Evaluate derives the health of h. serverNow (unix ms, 0 when unknown) is
// preferred over localNow for staleness. An explicit status from the engine
// wins; otherwise stale starts at 1.5x and degraded at 3x the sync interval.
func (h Heartbeat) Evaluate(serverNow int64, localNow time.Time) Health {
	ref := localNow.UnixMilli()
	if serverNow > 0 {
		ref = serverNow
	}

	var health Health

	if h.StaleForSeconds != nil {
		health.StaleForSeconds = int64(*h.StaleForSeconds)
	} else if h.LastTickAt > 0 {
		health.StaleForSeconds = max(0, (ref-h.LastTickAt)/1000)
	}

	if h.StartedAt != nil {
		health.UpForSeconds = max(0, int64(localNow.Sub(*h.StartedAt)/time.Second))
	} else {
		health.UpForSeconds = h.UpForSeconds
	}

	syncMin := h.IntervalMinutes.Sync
	if syncMin <= 0 {
		syncMin = 1
	}
	if serverNow > 0 && h.LastTickAt > 0 {
		eta := h.LastTickAt + int64(syncMin)*60_000 - serverNow
		health.NextSyncInMs = &eta
	}

	switch {
	case h.Status != "":
		health.Status = h.Status
	case float64(health.StaleForSeconds) >= float64(syncMin)*60*3:
		health.Status = StatusDegraded
	case float64(health.StaleForSeconds) >= float64(syncMin)*60*1.5:
		health.Status = StatusStale
	default:
		health.Status = StatusOK
	}
	return health
}

func intervalMinutes(data map[string]any, interval time.Duration) IntervalMinutes {
	if m, ok := data["intervalMinutes"].(map[string]any); ok {
		im := IntervalMinutes{Sync: 1}
		if n, ok := number(m["sync"]); ok && n > 0 {
			im.Sync = int(n)
		}
		if n, ok := number(m["reconcile"]); ok {
			r := int(n)
			im.Reconcile = &r
		}
		return im
	}
	if ms, ok := data["intervalMs"].(float64); ok {
		return IntervalMinutes{Sync: minutesOf(ms)}
	}
	return IntervalMinutes{Sync: minutesOf(float64(interval / time.Millisecond))}
}

// minutesOf converts a millisecond interval to whole minutes, at least 1
func minutesOf(ms float64) int {
	m := int(math.Round(ms / 60_000))
	if m < 1 || math.IsNaN(ms) {
		return 1
	}
	return m
}

// number accepts JSON numbers and numeric strings
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}

// unixMillis accepts epoch milliseconds or an RFC 3339 timestamp
func unixMillis(v any) (int64, bool) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			return t.UnixMilli(), true
		}
	}
	if n, ok := number(v); ok {
		return int64(n), true
	}
	return 0, false
}
