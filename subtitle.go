package voicechat

import (
	"errors"
	"fmt"
	"math"

	"github.com/bytedance/sonic"
)

type SubtitleKind string

const (
	SubtitleLiveInput  SubtitleKind = "live-input"
	SubtitleAIResponse SubtitleKind = "ai-response"
)

// Subtitle is one caption. Timestamp is the offset in seconds from the
// start of the current response turn and is only meaningful for
// SubtitleAIResponse.
type Subtitle struct {
	Kind      SubtitleKind
	Timestamp float64
	Text      string
}

// StartsTurn reports whether s supersedes every pending caption.
func (s Subtitle) StartsTurn() bool {
	return s.Kind == SubtitleLiveInput || s.Timestamp == 0
}

var errMalformedSubtitle = errors.New("malformed subtitle")

// ParseSubtitle decodes one stream payload. Accepted shapes:
//
//	{"type":"live-input","text":"..."}
//	{"type":"ai-response","timestamp":1.5,"text":"..."}
func ParseSubtitle(data []byte) (Subtitle, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return Subtitle{}, fmt.Errorf("%w: %v", errMalformedSubtitle, err)
	}
	kind, ok := raw["type"].(string)
	if !ok {
		return Subtitle{}, fmt.Errorf("%w: missing type", errMalformedSubtitle)
	}
	text, ok := raw["text"].(string)
	if !ok {
		return Subtitle{}, fmt.Errorf("%w: missing text", errMalformedSubtitle)
	}
	switch SubtitleKind(kind) {
	case SubtitleLiveInput:
		return Subtitle{Kind: SubtitleLiveInput, Text: text}, nil
	case SubtitleAIResponse:
		ts, ok := asFloat64(raw["timestamp"])
		if !ok {
			return Subtitle{}, fmt.Errorf("%w: missing timestamp", errMalformedSubtitle)
		}
		if ts < 0 || math.IsNaN(ts) || math.IsInf(ts, 0) {
			return Subtitle{}, fmt.Errorf("%w: bad timestamp %v", errMalformedSubtitle, ts)
		}
		return Subtitle{Kind: SubtitleAIResponse, Timestamp: ts, Text: text}, nil
	default:
		return Subtitle{}, fmt.Errorf("%w: unknown type %q", errMalformedSubtitle, kind)
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
