package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
)

// 单位按匹配顺序排列，"ms" 必须先于 "m" 和 "s"
var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime 解析 "500ms" / "30s" / "5m" / "1h" / "2d" 形式的时间字符串，
// 无法解析时返回 0
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0
	}
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string %q: %s", timeString, err.Error())
			return 0
		}
		return time.Duration(number) * u.unit
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}

// ParseStringTimeDefault 同 ParseStringTime，结果非正数时返回 fallback
func ParseStringTimeDefault(timeString string, fallback time.Duration) time.Duration {
	if d := ParseStringTime(timeString); d > 0 {
		return d
	}
	return fallback
}
