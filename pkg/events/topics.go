package events

import "strings"

// TopicPrefix is shared by every instance lifecycle topic.
const TopicPrefix = "lima-instance-"

// Topic suffixes for one lifecycle operation.
const (
	SuffixStarted = ""
	SuffixStdout  = "stdout"
	SuffixStderr  = "stderr"
	SuffixError   = "error"
	SuffixSuccess = "success"
)

// Suffixes lists every suffix an operation emits, started first.
var Suffixes = []string{SuffixStarted, SuffixStdout, SuffixStderr, SuffixError, SuffixSuccess}

// Topic builds "lima-instance-<kind>" or "lima-instance-<kind>-<suffix>".
func Topic(kind, suffix string) string {
	if suffix == "" {
		return TopicPrefix + kind
	}
	return TopicPrefix + kind + "-" + suffix
}

// SplitTopic is the inverse of Topic. ok is false for foreign topics.
func SplitTopic(topic string) (kind, suffix string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefix)
	if !found || rest == "" {
		return "", "", false
	}
	kind, suffix, found = strings.Cut(rest, "-")
	if kind == "" || (found && suffix == "") {
		return "", "", false
	}
	return kind, suffix, true
}
