package dispatch

import (
	"strings"

	logx "shoutbot/pkg/logx"
)

// MessageSet maps a target name to the messages sent to it, in order.
type MessageSet map[string][]string

// Count is the total number of messages across all targets.
func (m MessageSet) Count() int {
	n := 0
	for _, msgs := range m {
		n += len(msgs)
	}
	return n
}

// ParseMessages reads a "name|msg1|msg2|..." block, one target per line.
// Lines without a separator, lines naming a target outside selected and
// lines with no non-blank message are dropped with a warning. A later line
// for the same target replaces an earlier one.
func ParseMessages(text string, selected []string, log logx.Logger) MessageSet {
	allowed := make(map[string]struct{}, len(selected))
	for _, name := range selected {
		allowed[strings.TrimSpace(name)] = struct{}{}
	}

	out := MessageSet{}
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 2 {
			log.Warn("message line has no separator", logx.String("line", line))
			continue
		}
		name := strings.TrimSpace(parts[0])
		if _, ok := allowed[name]; !ok {
			log.Warn("message line names an unselected site", logx.String("site", name))
			continue
		}
		var msgs []string
		for _, p := range parts[1:] {
			if p = strings.TrimSpace(p); p != "" {
				msgs = append(msgs, p)
			}
		}
		if len(msgs) == 0 {
			log.Warn("message line has no message", logx.String("site", name))
			continue
		}
		out[name] = msgs
	}
	return out
}
