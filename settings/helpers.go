package settings

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
	"github.com/ordishs/gocore"
)

func getString(key, defaultValue string) string {
	value, found := gocore.Config().Get(key)
	if !found {
		return defaultValue
	}

	return value
}

func getMultiString(key, sep string, defaultValue []string) []string {
	value, found := gocore.Config().GetMulti(key, sep)
	if !found {
		return defaultValue
	}

	out := make([]string, 0, len(value))

	for _, v := range value {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}

	return out
}

func getInt(key string, defaultValue int) int {
	value, found := gocore.Config().GetInt(key)
	if !found {
		return defaultValue
	}

	return value
}

func getUint32(key string, defaultValue uint32) uint32 {
	value, found := gocore.Config().GetInt(key)
	if !found {
		return defaultValue
	}

	parsed, err := safeconversion.IntToUint32(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

func getUint64(key string, defaultValue uint64) uint64 {
	value, found := gocore.Config().Get(key)
	if !found {
		return defaultValue
	}

	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return defaultValue
	}

	return parsed
}

func getFloat64(key string, defaultValue float64) float64 {
	value, found := gocore.Config().Get(key)
	if !found {
		return defaultValue
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return parsed
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, found := gocore.Config().Get(key)
	if !found || value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return d
}

func getURL(key, defaultValue string) *url.URL {
	value, err, found := gocore.Config().GetURL(key)
	if err != nil || !found || value == nil {
		parsed, _ := url.Parse(defaultValue)
		return parsed
	}

	return value
}

func getBool(key string, defaultValue bool) bool {
	return gocore.Config().GetBool(key, defaultValue)
}
