package memory

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/glimte/courier/contracts"
)

const headerMatch = "x-match"

// compileTopic turns an AMQP topic binding into an anchored regexp.
// "*" matches exactly one segment and "#" matches zero or more.
func compileTopic(binding string) (*regexp.Regexp, error) {
	var parts []string
	for _, part := range strings.Split(binding, ".") {
		if part == "#" && len(parts) > 0 && parts[len(parts)-1] == "#" {
			continue
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 && parts[0] == "#" {
		return regexp.Compile("^.*$")
	}

	var b strings.Builder
	b.WriteString("^")
	needSep := false
	for i, part := range parts {
		switch {
		case part == "#" && i == 0:
			b.WriteString(`(?:[^.]+\.)*`)
			needSep = false
			continue
		case part == "#":
			b.WriteString(`(?:\.[^.]+)*`)
		default:
			if needSep {
				b.WriteString(`\.`)
			}
			if part == "*" {
				b.WriteString(`[^.]+`)
			} else {
				b.WriteString(regexp.QuoteMeta(part))
			}
		}
		needSep = true
	}
	b.WriteString("$")

	return regexp.Compile(b.String())
}

// matchHeaders applies headers-exchange semantics. A binding without headers
// (besides x-match) matches everything; otherwise a publish without headers
// never matches.
func matchHeaders(published, binding map[string]interface{}) bool {
	if len(binding) == 0 {
		return true
	}

	matchAny := false
	if mode, ok := binding[headerMatch].(string); ok && strings.EqualFold(mode, "any") {
		matchAny = true
	}

	declared := 0
	matched := 0
	for key, want := range binding {
		if key == headerMatch {
			continue
		}
		declared++
		if got, ok := published[key]; ok && reflect.DeepEqual(got, want) {
			matched++
		}
	}

	if declared == 0 {
		return true
	}
	if len(published) == 0 {
		return false
	}
	if matchAny {
		return matched > 0
	}
	return matched == declared
}

// routes reports whether a publish reaches a subscription
func (s *subscription) routes(exchangeType contracts.ExchangeType, routingKey string, headers map[string]interface{}) bool {
	switch exchangeType {
	case contracts.ExchangeFanout:
		return true
	case contracts.ExchangeDirect:
		return routingKey == s.bindingKey
	case contracts.ExchangeTopic:
		return s.pattern != nil && s.pattern.MatchString(routingKey)
	case contracts.ExchangeHeaders:
		return matchHeaders(headers, s.bindingHeaders)
	default:
		return false
	}
}
