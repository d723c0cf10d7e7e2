package goodjob

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Envelope is the on-disk shape of serialized_params (spec.md §4.2,
// §6.1). Field names and semantics are frozen for interop with peer
// runtimes; unmarshaling into this struct already ignores any additional
// fields a peer runtime might write.
type Envelope struct {
	JobClass    string     `json:"job_class"`
	Arguments   []any      `json:"arguments"`
	QueueName   string     `json:"queue_name"`
	Executions  int32      `json:"executions"`
	Priority    *int16     `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Locale      *string    `json:"locale"`
	Timezone    *string    `json:"timezone"`
}

// globalIDPattern matches the GlobalID URI grammar gid://<app>/<model>/<id>.
var globalIDPattern = regexp.MustCompile(`^gid://([^/]+)/([^/]+)/(.+)$`)

// GlobalIDTag is the JSON object key a remote object reference is
// encoded under, matching the peer runtime's ActiveJob::GlobalID wire
// format.
const GlobalIDTag = "_aj_globalid"

// GlobalID is the lightweight reference value produced when decoding an
// argument that encodes a remote object. Resolving it further (to an
// actual in-process object) is left to the embedding application.
type GlobalID struct {
	App   string
	Model string
	ID    string
	URI   string
}

// ParseGlobalID parses a gid:// URI. If it doesn't match the grammar, ok
// is false and the caller should pass the original value through
// unchanged, per spec.md §4.2.
func ParseGlobalID(uri string) (GlobalID, bool) {
	m := globalIDPattern.FindStringSubmatch(uri)
	if m == nil {
		return GlobalID{}, false
	}
	return GlobalID{App: m[1], Model: m[2], ID: m[3], URI: uri}, true
}

// String renders the canonical gid:// URI for g.
func (g GlobalID) String() string {
	if g.URI != "" {
		return g.URI
	}
	return fmt.Sprintf("gid://%s/%s/%s", g.App, g.Model, g.ID)
}

// MarshalJSON encodes g as the {"_aj_globalid": "gid://..."} shape.
func (g GlobalID) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{GlobalIDTag: g.String()})
}

// EncodeArguments converts in-process arguments into the envelope's
// "arguments" array. Primitive scalars, maps and slices pass through
// as-is (encoding/json already handles stringified map keys and ordered
// slices); GlobalID values encode via their MarshalJSON; time.Time
// values encode as ISO-8601 with explicit offset through the standard
// json time marshaling, which already does this.
func EncodeArguments(args ...any) []any {
	out := make([]any, len(args))
	copy(out, args)
	return out
}

// DecodeArgument inspects a decoded JSON value (as produced by
// json.Unmarshal into `any`) and, if it matches the
// {"_aj_globalid": "gid://..."} shape, returns the resolved GlobalID.
// Any other shape, including one that merely looks like a map with an
// extra key, is returned unchanged so decoding always tolerates fields
// added by peer runtimes.
func DecodeArgument(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	raw, ok := m[GlobalIDTag]
	if !ok {
		return v
	}
	uri, ok := raw.(string)
	if !ok {
		return v
	}
	gid, ok := ParseGlobalID(uri)
	if !ok {
		return v
	}
	return gid
}

// DecodeArguments applies DecodeArgument across an envelope's Arguments
// slice, returning a fresh slice so the envelope itself stays untouched
// (useful when a handler wants to inspect the raw form too).
func DecodeArguments(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = DecodeArgument(a)
	}
	return out
}

// BuildEnvelope constructs the envelope written to serialized_params at
// enqueue time.
func BuildEnvelope(jobClass, queueName string, priority *int16, scheduledAt *time.Time, locale, timezone *string, args ...any) Envelope {
	return Envelope{
		JobClass:    jobClass,
		Arguments:   EncodeArguments(args...),
		QueueName:   queueName,
		Executions:  0,
		Priority:    priority,
		ScheduledAt: scheduledAt,
		Locale:      locale,
		Timezone:    timezone,
	}
}

// MarshalEnvelope serializes e to the JSON document stored in
// serialized_params.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses serialized_params. It MUST tolerate extra
// fields added by peer runtimes: json.Unmarshal into a struct already
// ignores unknown keys, which satisfies that requirement without any
// extra bookkeeping.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("goodjob: decoding job envelope: %w", err)
	}
	return e, nil
}
