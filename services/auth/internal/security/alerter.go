// Package security turns repeated auth failures into alerts. The server
// reports every security event here; the alerter counts them per source IP in
// Redis and flags the callers that cross an event's threshold, so one
// credential-stuffing run against /auth/login surfaces as a single warning
// stream instead of drowning in per-request logs.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// alertRule sets how many events from one IP within the window trip an alert.
type alertRule struct {
	threshold int64
	window    time.Duration
}

// Credential endpoints alert earliest; token-management endpoints tolerate a
// bit more churn, and authorization failures the most since expired sessions
// retry routinely. Any rate-limited outcome alerts on its own schedule.
var failureRules = map[string]alertRule{
	"auth.signup":          {threshold: 10, window: 5 * time.Minute},
	"auth.login":           {threshold: 10, window: 5 * time.Minute},
	"auth.refresh":         {threshold: 15, window: 5 * time.Minute},
	"auth.logout":          {threshold: 15, window: 5 * time.Minute},
	"auth.password.change": {threshold: 15, window: 5 * time.Minute},
	"auth.authorize":       {threshold: 25, window: 5 * time.Minute},
	"auth.admin.authorize": {threshold: 25, window: 5 * time.Minute},
}

var rateLimitedRule = alertRule{threshold: 20, window: time.Minute}

// AlertResult reports where one observed event left its counter.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts security events per source IP in Redis.
type AuditAlerter struct {
	redisClient *redis.Client
	prefix      string
}

// NewAuditAlerter builds an alerter, or nil when no Redis address is
// configured so callers can skip alerting entirely.
func NewAuditAlerter(addr, password, prefix string) *AuditAlerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "schemesathi:auth:alerts"
	}
	return &AuditAlerter{
		redisClient: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix:      prefix,
	}
}

// Observe counts one event and reports whether its threshold was reached.
// Events without a rule are ignored.
func (a *AuditAlerter) Observe(event, outcome, ip string) (AlertResult, error) {
	if a == nil || a.redisClient == nil {
		return AlertResult{}, nil
	}
	rule, ok := ruleFor(event, outcome)
	if !ok {
		return AlertResult{}, nil
	}

	windowMs := rule.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d",
		a.prefix, keySegment(event), keySegment(outcome), keySegment(ip), slot)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.redisClient, []string{key}, windowMs).Int64()
	if err != nil {
		return AlertResult{}, err
	}
	return AlertResult{
		Triggered: count >= rule.threshold,
		Count:     count,
		Threshold: rule.threshold,
		Window:    rule.window,
	}, nil
}

func ruleFor(event, outcome string) (alertRule, bool) {
	switch strings.TrimSpace(outcome) {
	case "rate_limited":
		return rateLimitedRule, true
	case "fail":
		rule, ok := failureRules[strings.TrimSpace(event)]
		return rule, ok
	default:
		return alertRule{}, false
	}
}

func keySegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
