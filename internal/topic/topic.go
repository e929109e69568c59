// Package topic implements the topic-pattern engine shared by the RPC and
// telemetry subsystems: parsing `{token}`-bearing patterns, substituting
// concrete topic-token values, building MQTT subscription filters out of
// any tokens left unresolved, and extracting token values back out of an
// inbound topic.
package topic

import (
	"maps"
	"regexp"
	"strings"

	"github.com/nimbusedge/mqttproto/errors"
)

const (
	label      = `[^ "+#{}/]+`
	token      = `\{` + label + `\}`
	level      = `(` + label + `|` + token + `)`
	matchGroup = `(` + label + `)`
)

var (
	reLabel   = regexp.MustCompile(`^` + label + `$`)
	reToken   = regexp.MustCompile(token) // no anchors: used for replacement
	reTopic   = regexp.MustCompile(`^` + label + `(/` + label + `)*$`)
	rePattern = regexp.MustCompile(`^` + level + `(/` + level + `)*$`)
)

// Pattern is a topic template with zero or more `{token}` placeholders,
// some of which may already be resolved at construction time.
type Pattern struct {
	name    string
	pattern string
	tokens  map[string]string
}

// Filter is a Pattern's MQTT subscription filter, with any still-unresolved
// tokens replaced by "+" wildcards, plus the information needed to recover
// token values from a matching topic.
type Filter struct {
	filter string
	regex  *regexp.Regexp
	names  []string
	tokens map[string]string
}

// ValidateComponent checks that a single topic pattern fragment (a prefix or
// suffix supplied independently of the main pattern) is well-formed.
func ValidateComponent(name, message, fragment string) error {
	if !rePattern.MatchString(fragment) {
		return &errors.Error{
			Message:       message,
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  name,
			PropertyValue: fragment,
		}
	}
	return nil
}

// NewPattern parses a topic pattern, optionally prefixed by a namespace, and
// substitutes any tokens supplied at construction time.
func NewPattern(name, pattern string, tokens map[string]string, namespace string) (*Pattern, error) {
	if namespace != "" {
		if !IsResolvedTopic(namespace) {
			return nil, &errors.Error{
				Message:       "invalid topic namespace",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "TopicNamespace",
				PropertyValue: namespace,
			}
		}
		pattern = namespace + "/" + pattern
	}

	if !rePattern.MatchString(pattern) {
		return nil, &errors.Error{
			Message:       "invalid topic pattern",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  name,
			PropertyValue: pattern,
		}
	}
	if err := validateTokens(errors.ConfigurationInvalid, tokens); err != nil {
		return nil, err
	}
	for k, v := range tokens {
		pattern = strings.ReplaceAll(pattern, "{"+k+"}", v)
	}

	return &Pattern{name: name, pattern: pattern, tokens: tokens}, nil
}

// Substitute fully resolves the pattern into a concrete, publishable topic
// using the supplied token values in addition to any already bound at
// construction time.
func (p *Pattern) Substitute(tokens map[string]string) (string, error) {
	result := p.pattern

	if err := validateTokens(errors.ArgumentInvalid, tokens); err != nil {
		return "", err
	}
	for k, v := range tokens {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}

	if !IsResolvedTopic(result) {
		if missing := reToken.FindString(result); missing != "" {
			return "", &errors.Error{
				Message:      "missing topic token",
				Kind:         errors.ArgumentInvalid,
				PropertyName: missing[1 : len(missing)-1],
			}
		}
		return "", &errors.Error{
			Message:       "invalid topic after substitution",
			Kind:          errors.ArgumentInvalid,
			PropertyName:  p.name,
			PropertyValue: result,
		}
	}
	return result, nil
}

// Filter derives an MQTT subscription filter from the pattern, treating any
// token not yet resolved as a "+" wildcard.
func (p *Pattern) Filter() (*Filter, error) {
	names := reToken.FindAllString(p.pattern, -1)
	for i, t := range names {
		names[i] = t[1 : len(t)-1]
	}

	escaped := regexp.QuoteMeta(p.pattern)
	for _, name := range names {
		escaped = strings.ReplaceAll(escaped, regexp.QuoteMeta("{"+name+"}"), matchGroup)
	}
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil, err
	}

	filter := reToken.ReplaceAllString(p.pattern, "+")
	return &Filter{filter: filter, regex: regex, names: names, tokens: p.tokens}, nil
}

// MQTTFilter returns the raw MQTT subscription filter string, including any
// "+" wildcards left over from unresolved pattern tokens.
func (f *Filter) MQTTFilter() string {
	return f.filter
}

// Matches reports whether an already-MQTT-routed topic matches this filter
// (broker-side wildcard matching has already occurred by the time a
// subscriber sees the publish, so this is a structural re-check used by
// listeners to decide whether an inbound publish is theirs).
func (f *Filter) Matches(t string) bool {
	return f.regex.MatchString(t)
}

// ExtractTokens recovers the token-name to token-value mapping for an
// inbound topic matching this filter, combining the dynamic segments
// matched by the wildcard positions with any tokens already bound at
// construction time.
func (f *Filter) ExtractTokens(t string) (map[string]string, bool) {
	m := f.regex.FindStringSubmatch(t)
	if m == nil {
		return nil, false
	}
	tokens := make(map[string]string, len(f.names)+len(f.tokens))
	for i, v := range m[1:] {
		tokens[f.names[i]] = v
	}
	maps.Copy(tokens, f.tokens)
	return tokens, true
}

// IsResolvedTopic reports whether s is a fully concrete MQTT topic (no
// wildcards, tokens, empty segments, or illegal characters).
func IsResolvedTopic(s string) bool {
	return reTopic.MatchString(s)
}

// ValidateShareName checks that a shared-subscription group name, if
// supplied, is a legal single MQTT topic label.
func ValidateShareName(name string) error {
	if name != "" && !reLabel.MatchString(name) {
		return &errors.Error{
			Message:       "invalid share name",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "ShareName",
			PropertyValue: name,
		}
	}
	return nil
}

func validateTokens(kind errors.Kind, tokens map[string]string) error {
	for k, v := range tokens {
		if !reLabel.MatchString(k) || !reLabel.MatchString(v) {
			return &errors.Error{
				Message:       "invalid topic token",
				Kind:          kind,
				PropertyName:  k,
				PropertyValue: v,
			}
		}
	}
	return nil
}
