// ABOUTME: Parses raw upstream frames into Batches without trusting their shape
// ABOUTME: One bad snapshot is dropped on its own; the rest of the frame still applies

package feed

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/fieldtrack/internal/geo"
)

// authErrorCodes are the upstream "code" values that mean the access token was refused.
var authErrorCodes = map[string]bool{
	"token_not_valid":        true,
	"authentication_failed":  true,
	"not_authenticated":      true,
	"user_inactive":          true,
	"token_blacklisted":      true,
	"authentication_expired": true,
}

// Decode parses one frame. A non-nil error means the whole frame was discarded;
// it is either a *DecodeError or wraps ErrUpstreamAuth. Individual snapshot
// failures are reported in Batch.Rejected instead.
func Decode(raw []byte) (Batch, error) {
	if len(raw) == 0 {
		return Batch{}, frameError("empty frame", nil)
	}
	if !gjson.ValidBytes(raw) {
		return Batch{}, frameError("invalid JSON", nil)
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Batch{}, frameError("expected JSON object", nil)
	}

	if isAuthError(root) {
		detail := firstString(root, "detail", "message", "error")
		return Batch{}, fmt.Errorf("%w: %s", ErrUpstreamAuth, detail)
	}

	data := root.Get("agents_data")
	if !data.Exists() {
		return Batch{}, frameError("missing agents_data", nil)
	}
	if !data.IsArray() {
		return Batch{}, frameError("agents_data is not an array", nil)
	}

	var batch Batch
	for i, item := range data.Array() {
		snap, err := decodeSnapshot(i, item)
		if err != nil {
			batch.Rejected = append(batch.Rejected, err)
			continue
		}
		batch.Snapshots = append(batch.Snapshots, snap)
	}
	return batch, nil
}

// IsAuthError reports whether err came from an upstream authentication message.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUpstreamAuth)
}

func isAuthError(root gjson.Result) bool {
	if authErrorCodes[root.Get("code").String()] {
		return true
	}
	switch root.Get("type").String() {
	case "auth_error", "authentication_error":
		return true
	}
	return false
}

func decodeSnapshot(index int, item gjson.Result) (Snapshot, *DecodeError) {
	if !item.IsObject() {
		return Snapshot{}, &DecodeError{Index: index, Reason: "expected object"}
	}

	id, ok := agentID(item.Get("agent_id"))
	if !ok {
		id, ok = agentID(item.Get("id"))
	}
	if !ok {
		return Snapshot{}, &DecodeError{Index: index, Reason: "missing agent_id"}
	}

	snap := Snapshot{
		AgentID:     id,
		FullName:    item.Get("full_name").String(),
		PhoneNumber: item.Get("phone_number").String(),
		IsWorking:   item.Get("is_working").Bool(),
	}

	if cur := item.Get("current_location"); cur.Exists() && cur.Type != gjson.Null {
		fix, err := decodeFix(cur)
		if err != nil {
			return Snapshot{}, &DecodeError{Index: index, AgentID: id, Reason: "current_location", Err: err}
		}
		snap.Current = &fix
	}

	if hist := item.Get("location_history"); hist.Exists() && hist.Type != gjson.Null {
		if !hist.IsArray() {
			return Snapshot{}, &DecodeError{Index: index, AgentID: id, Reason: "location_history is not an array"}
		}
		for j, h := range hist.Array() {
			fix, err := decodeFix(h)
			if err != nil {
				return Snapshot{}, &DecodeError{
					Index:   index,
					AgentID: id,
					Reason:  fmt.Sprintf("location_history[%d]", j),
					Err:     err,
				}
			}
			snap.History = append(snap.History, fix)
		}
	}

	return snap, nil
}

func decodeFix(r gjson.Result) (Fix, error) {
	if !r.IsObject() {
		return Fix{}, errors.New("expected object")
	}
	lat, err := coerceFloat(r.Get("latitude"))
	if err != nil {
		return Fix{}, fmt.Errorf("latitude: %w", err)
	}
	lng, err := coerceFloat(r.Get("longitude"))
	if err != nil {
		return Fix{}, fmt.Errorf("longitude: %w", err)
	}

	fix := Fix{
		Coordinate: geo.Coordinate{Lat: lat, Lng: lng},
		IsStop:     r.Get("is_stop").Bool(),
	}

	ts := r.Get("timestamp")
	if !ts.Exists() {
		ts = r.Get("created_at")
	}
	if ts.Exists() && ts.Type != gjson.Null {
		at, err := parseTimestamp(ts)
		if err != nil {
			return Fix{}, fmt.Errorf("timestamp: %w", err)
		}
		fix.ObservedAt = at
	}
	return fix, nil
}

// coerceFloat accepts JSON numbers and numeric strings.
func coerceFloat(r gjson.Result) (float64, error) {
	switch r.Type {
	case gjson.Number:
		return r.Num, nil
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", r.Str)
		}
		return v, nil
	case gjson.Null:
		if !r.Exists() {
			return 0, errors.New("missing")
		}
		return 0, errors.New("null")
	default:
		return 0, fmt.Errorf("unexpected %s", r.Type)
	}
}

// parseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds.
func parseTimestamp(r gjson.Result) (time.Time, error) {
	switch r.Type {
	case gjson.Number:
		return unixTime(r.Num), nil
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return unixTime(n), nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized format %q", s)
	default:
		return time.Time{}, fmt.Errorf("unexpected %s", r.Type)
	}
}

func unixTime(n float64) time.Time {
	// Values past year 33658 in seconds are almost certainly milliseconds.
	if math.Abs(n) >= 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func agentID(r gjson.Result) (string, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Raw, true
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		return s, s != ""
	default:
		return "", false
	}
}

func firstString(root gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := root.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}
