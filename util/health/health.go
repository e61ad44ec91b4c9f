// Package health combines the readiness checks of a service's dependencies into one report.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Check is one named dependency. The function has the same shape as a service Health method.
type Check struct {
	Name  string
	Check func(ctx context.Context, checkLiveness bool) (int, string, error)
}

// CheckAll runs every check in order and reports 503 when any of them fails or errors. The message is a
// JSON document listing each dependency; a dependency whose own message is JSON is nested as is.
func CheckAll(ctx context.Context, checkLiveness bool, checks []Check) (int, string, error) {
	overallStatus := http.StatusOK
	dependencies := make([]string, 0, len(checks))

	for _, check := range checks {
		status, message, err := check.Check(ctx, checkLiveness)
		if err != nil || status != http.StatusOK {
			overallStatus = http.StatusServiceUnavailable
		}

		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}

		if isJSONObject(message) {
			dependencies = append(dependencies, fmt.Sprintf(`{"resource":%q,"status":%d,"error":%q,"dependencies":[%s]}`, check.Name, status, errMsg, message))
		} else {
			dependencies = append(dependencies, fmt.Sprintf(`{"resource":%q,"status":%d,"error":%q,"message":%q}`, check.Name, status, errMsg, message))
		}
	}

	return overallStatus, fmt.Sprintf(`{"status":%d,"dependencies":[%s]}`, overallStatus, strings.Join(dependencies, ",")), nil
}

func isJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) > 1 && s[0] == '{' && s[len(s)-1] == '}'
}
