package main

import "strings"

// Subject matching for the dot hierarchy:
//   - exact: "orders.us" matches only "orders.us"
//   - "*" matches exactly one token: "orders.*" matches "orders.us"
//   - ">" matches one or more trailing tokens and must be last:
//     "orders.>" matches "orders.us" and "orders.eu.west", not "orders"
func subjectMatches(subject, pattern string) bool {
	if subject == pattern {
		return true
	}

	subjectTokens := strings.Split(subject, ".")
	patternTokens := strings.Split(pattern, ".")

	for i, patternToken := range patternTokens {
		if patternToken == ">" {
			return i == len(patternTokens)-1 && len(subjectTokens) > i
		}
		if i >= len(subjectTokens) {
			return false
		}
		if patternToken != "*" && patternToken != subjectTokens[i] {
			return false
		}
	}

	return len(subjectTokens) == len(patternTokens)
}

// validSubject reports whether a published subject is well formed: no empty
// tokens, no wildcards.
func validSubject(subject string) bool {
	if subject == "" {
		return false
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" || token == "*" || token == ">" {
			return false
		}
		if strings.ContainsAny(token, " \t\r\n") {
			return false
		}
	}
	return true
}

// validPattern reports whether a subscription pattern is well formed:
// wildcards allowed, ">" only in the final position.
func validPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	tokens := strings.Split(pattern, ".")
	for i, token := range tokens {
		if token == "" || strings.ContainsAny(token, " \t\r\n") {
			return false
		}
		if token == ">" && i != len(tokens)-1 {
			return false
		}
	}
	return true
}
