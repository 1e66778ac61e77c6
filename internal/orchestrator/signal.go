package orchestrator

import (
	"regexp"
	"strings"
)

// Signal 是交易决策。
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

var (
	markerPattern  = regexp.MustCompile(`(?i)SIGNAL\s*[:：]\s*\**\s*(BUY|SELL|HOLD)\b`)
	keywordPattern = regexp.MustCompile(`(?i)\b(BUY|SELL|HOLD)\b`)
)

// Extraction 记录信号来源，便于日志区分标记与关键词。
type Extraction struct {
	Signal     Signal
	Marker     Signal
	Keyword    Signal
	Recognized bool
}

// Conflict 表示标记与关键词都存在且不一致。
func (e Extraction) Conflict() bool {
	return e.Marker != "" && e.Keyword != "" && e.Marker != e.Keyword
}

// ExtractSignal 从推理文本中提取信号。"SIGNAL: X" 标记优先，缺失时退回到关键词扫描，
// 都无法识别时视为 HOLD。关键词扫描不包含标记本身。
func ExtractSignal(text string) Extraction {
	var out Extraction
	if m := markerPattern.FindAllStringSubmatch(text, -1); len(m) > 0 {
		out.Marker = Signal(strings.ToUpper(m[len(m)-1][1]))
	}
	out.Keyword = keywordSignal(markerPattern.ReplaceAllString(text, " "))

	switch {
	case out.Marker != "":
		out.Signal, out.Recognized = out.Marker, true
	case out.Keyword != "":
		out.Signal, out.Recognized = out.Keyword, true
	default:
		out.Signal = SignalHold
	}
	return out
}

// keywordSignal 只在文本中恰好出现一种决策词时给出结果。
func keywordSignal(text string) Signal {
	seen := map[Signal]bool{}
	for _, m := range keywordPattern.FindAllStringSubmatch(text, -1) {
		seen[Signal(strings.ToUpper(m[1]))] = true
	}
	if len(seen) != 1 {
		return ""
	}
	for s := range seen {
		return s
	}
	return ""
}
