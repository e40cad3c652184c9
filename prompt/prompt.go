// Package prompt resolves subscription prompt templates into concrete
// prompts at firing time.
package prompt

import (
	"strconv"
	"strings"
	"time"

	"github.com/teranos/cadence/subscription"
)

// Resolve substitutes the built-in placeholders plus any caller-supplied
// extras (webhook payload fields, trigger context) into the template.
// Unknown placeholders are left verbatim so a typo in a template degrades
// visibly instead of silently vanishing.
//
// Built-ins, evaluated at call time in UTC:
//
//	{{date}}              2026-01-20
//	{{time}}              14:55:00
//	{{datetime}}          2026-01-20 14:55:00
//	{{timestamp}}         1768920900 (unix seconds)
//	{{subscription_name}} the owning subscription's name
func Resolve(template string, sub *subscription.Subscription, extra map[string]string) string {
	now := time.Now().UTC()

	vars := map[string]string{
		"date":      now.Format("2006-01-02"),
		"time":      now.Format("15:04:05"),
		"datetime":  now.Format("2006-01-02 15:04:05"),
		"timestamp": strconv.FormatInt(now.Unix(), 10),
	}
	if sub != nil {
		vars["subscription_name"] = sub.Name
	}
	for k, v := range extra {
		vars[k] = v
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
